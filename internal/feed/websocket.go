package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/killmail"
)

const (
	reconnectDelay = 10 * time.Second
	socketBuffer   = 256
	// maxSocketBatch caps how many buffered kills one Next call drains.
	maxSocketBatch = 32
)

// ZKillSocket subscribes to the zKillboard killstream websocket. A
// background goroutine keeps the connection alive and buffers incoming
// kills; Next drains the buffer. Killstream messages carry full killmail
// detail, so these envelopes rarely need an ESI fetch.
type ZKillSocket struct {
	log    *logrus.Logger
	url    string
	buf    chan *killmail.Killmail
	cancel context.CancelFunc
	done   chan struct{}
}

// NewZKillSocket starts the connection loop immediately.
func NewZKillSocket(log *logrus.Logger, url string) *ZKillSocket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ZKillSocket{
		log:    log,
		url:    url,
		buf:    make(chan *killmail.Killmail, socketBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// run dials, subscribes and reads until the connection drops, then waits
// and reconnects, forever.
func (s *ZKillSocket) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warnf("WebSocket dial error: %v. Retrying in %s", err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		s.log.Info("Connected to zKillboard feed.")

		sub := map[string]string{"action": "sub", "channel": "killstream"}
		if err := conn.WriteJSON(sub); err != nil {
			s.log.Warnf("Error sending sub message to zKill: %v", err)
			conn.Close()
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warnf("zKill socket closed: %v. Reconnecting in %s", err, reconnectDelay)
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (s *ZKillSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// ReadMessage has no ctx; closing the conn is how we interrupt it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var km killmail.Killmail
		if err := json.Unmarshal(message, &km); err != nil {
			s.log.Warnf("Error decoding zKill message: %v", err)
			continue
		}
		if km.KillmailID == 0 {
			continue
		}
		select {
		case s.buf <- &km:
		default:
			s.log.Warnf("Feed buffer full, dropping kill %d", km.KillmailID)
		}
	}
}

// Next blocks until buffered kills are available and returns up to
// maxSocketBatch of them.
func (s *ZKillSocket) Next(ctx context.Context) ([]*killmail.Killmail, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case km := <-s.buf:
		batch := []*killmail.Killmail{km}
		for len(batch) < maxSocketBatch {
			select {
			case more := <-s.buf:
				batch = append(batch, more)
			default:
				return batch, nil
			}
		}
		return batch, nil
	}
}

// Close tears the connection down and waits for the loop to exit.
func (s *ZKillSocket) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
