package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/deliver"
	"github.com/guarzo/eve-killwatch/internal/esi"
	"github.com/guarzo/eve-killwatch/internal/ingest"
	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/notify"
	"github.com/guarzo/eve-killwatch/internal/profile"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

const profYAML = `
schema_version: 1
name: fleet
enabled: true
webhook_url: http://127.0.0.1:1/hook
`

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newStatusServer(t *testing.T, events int) *Server {
	t.Helper()
	log := testLogger()
	dir := t.TempDir()

	topoPath := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(topoPath, []byte("entity:\n  corp_id: 98000001\n"), 0o644); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	holder, err := topology.NewHolder(topoPath)
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for id := int64(1); id <= int64(events); id++ {
		km := &killmail.Killmail{
			KillmailID:    id,
			Time:          time.Now().UTC(),
			SolarSystemID: 30000142,
			Victim:        killmail.Victim{CorporationID: 98000001},
			ZKB:           killmail.ZKB{Hash: "h"},
		}
		if _, err := st.Insert(ctx, km, 0.5, time.Now()); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	poller := ingest.New(log, ingest.Config{Store: st, Topology: holder})

	prof, err := profile.Parse([]byte(profYAML))
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}
	sender := deliver.NewWebhookSender(log, prof.WebhookURL, deliver.SenderOptions{})
	del := deliver.New(log, prof, sender)
	worker := notify.New(log, notify.Config{
		Profile:   prof,
		Store:     st,
		Names:     esi.New(log, esi.Options{BaseURL: "http://127.0.0.1:1"}),
		Topology:  holder,
		Deliverer: del,
	})

	// One queued notification so depth shows up in the document.
	del.Enqueue(&deliver.Item{Kill: &killmail.Killmail{KillmailID: 900}, IsKill: true})

	return New(log, "127.0.0.1:0", st, poller, holder, []Pipeline{{Worker: worker, Deliverer: del}})
}

func TestHealthz(t *testing.T) {
	srv := newStatusServer(t, 0)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "ok" {
		t.Fatalf("expected ok body, got %q", body)
	}
}

func TestStatusDocument(t *testing.T) {
	srv := newStatusServer(t, 2)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)

	res, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: got %q", ct)
	}

	var doc Document
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if doc.Poller.StoreDepth != 2 {
		t.Fatalf("store depth: expected 2, got %d", doc.Poller.StoreDepth)
	}
	if doc.Topology.BuiltAt.IsZero() {
		t.Fatalf("topology built_at missing")
	}
	if !doc.Topology.WatchingEntities {
		t.Fatalf("topology watches a corp, document says otherwise")
	}
	if len(doc.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(doc.Profiles))
	}
	p := doc.Profiles[0]
	if p.Name != "fleet" {
		t.Fatalf("profile name: got %q", p.Name)
	}
	if p.QueueDepth != 1 {
		t.Fatalf("queue depth: expected 1, got %d", p.QueueDepth)
	}
	if p.Breaker != "closed" {
		t.Fatalf("breaker: expected closed, got %q", p.Breaker)
	}
	if p.SuccessRate != 1.0 {
		t.Fatalf("success rate with no sends should read 1.0, got %v", p.SuccessRate)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newStatusServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listener a moment to come up, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
