package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRedisQQueueIDPersists(t *testing.T) {
	dir := t.TempDir()
	first, err := NewRedisQ(testLogger(), RedisQOptions{URL: "http://example.invalid", DataDir: dir})
	if err != nil {
		t.Fatalf("NewRedisQ: %v", err)
	}
	second, err := NewRedisQ(testLogger(), RedisQOptions{URL: "http://example.invalid", DataDir: dir})
	if err != nil {
		t.Fatalf("NewRedisQ again: %v", err)
	}
	if first.queueID == "" {
		t.Fatalf("queue id not generated")
	}
	if first.queueID != second.queueID {
		t.Fatalf("queue id changed across restarts: %q vs %q", first.queueID, second.queueID)
	}
}

func TestRedisQNext(t *testing.T) {
	var gotQueueID, gotTTW string
	responses := []string{
		`{"package":{"killID":555,"killmail":{"killmail_time":"2025-03-01T12:00:00Z","solar_system_id":30002187,"victim":{"corporation_id":98000001,"ship_type_id":670}},"zkb":{"hash":"xyz","totalValue":250000000}}}`,
		`{"package":null}`,
	}
	var call int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQueueID = r.URL.Query().Get("queueID")
		gotTTW = r.URL.Query().Get("ttw")
		io.WriteString(w, responses[call])
		call++
	}))
	defer server.Close()

	q, err := NewRedisQ(testLogger(), RedisQOptions{URL: server.URL, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRedisQ: %v", err)
	}

	batch, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 kill, got %d", len(batch))
	}
	km := batch[0]
	if km.KillmailID != 555 {
		t.Fatalf("kill id not taken from killID: %d", km.KillmailID)
	}
	if km.ZKB.Hash != "xyz" || km.ZKB.TotalValue != 250000000 {
		t.Fatalf("zkb envelope not merged: %+v", km.ZKB)
	}
	if km.SolarSystemID != 30002187 {
		t.Fatalf("system id: %d", km.SolarSystemID)
	}
	if gotQueueID != q.queueID {
		t.Fatalf("queueID param: got %q, want %q", gotQueueID, q.queueID)
	}
	if gotTTW != "10" {
		t.Fatalf("ttw param: got %q", gotTTW)
	}

	empty, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("empty Next: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("null package must yield an empty batch, got %d", len(empty))
	}
}

func TestRedisQNextBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	q, err := NewRedisQ(testLogger(), RedisQOptions{URL: server.URL, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRedisQ: %v", err)
	}
	if _, err := q.Next(context.Background()); err == nil {
		t.Fatalf("expected error on bad status")
	}
}

func TestZKillSocketStream(t *testing.T) {
	subCh := make(chan map[string]string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subCh <- sub

		conn.WriteMessage(websocket.TextMessage, []byte(`{"killmail_id":1,"solar_system_id":30000142,"zkb":{"hash":"a"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"killmail_id":2,"solar_system_id":30000143,"zkb":{"hash":"b"}}`))

		// Hold the connection so the client does not enter its
		// reconnect path mid-test.
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewZKillSocket(testLogger(), wsURL)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int64
	for len(got) < 2 {
		batch, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, km := range batch {
			got = append(got, km.KillmailID)
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected kills 1,2 in order, got %v", got)
	}

	select {
	case sub := <-subCh:
		if sub["action"] != "sub" || sub["channel"] != "killstream" {
			t.Fatalf("bad subscribe message: %v", sub)
		}
	default:
		t.Fatalf("subscribe message never arrived")
	}
}

func TestZKillSocketCloseUnblocks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewZKillSocket(testLogger(), wsURL)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
}
