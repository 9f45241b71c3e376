// Package status exposes the operational state of the pipeline over HTTP:
// a liveness probe and a JSON snapshot of poller, store and per-profile
// delivery health. Degraded states (open breaker, quiet hours) are visible
// here without reading logs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/deliver"
	"github.com/guarzo/eve-killwatch/internal/ingest"
	"github.com/guarzo/eve-killwatch/internal/notify"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// Pipeline couples one profile's worker with its deliverer for reporting.
type Pipeline struct {
	Worker    *notify.Worker
	Deliverer *deliver.Deliverer
}

// PollerStatus is the ingest section of the status document.
type PollerStatus struct {
	LastPoll   time.Time `json:"last_poll"`
	Ingested   int64     `json:"ingested"`
	Dropped    int64     `json:"dropped"`
	StoreDepth int64     `json:"store_depth"`
}

// TopologyStatus describes the active global topology index, so a reload
// can be confirmed without reading logs.
type TopologyStatus struct {
	BuiltAt          time.Time `json:"built_at"`
	Systems          int       `json:"systems"`
	WatchingEntities bool      `json:"watching_entities"`
}

// ProfileStatus is one profile's section of the status document.
type ProfileStatus struct {
	Name        string    `json:"name"`
	LastPoll    time.Time `json:"last_poll"`
	Notified    int64     `json:"notified"`
	Throttled   int64     `json:"throttled"`
	Quieted     int64     `json:"quieted"`
	Quiet       bool      `json:"quiet"`
	QueueDepth  int       `json:"queue_depth"`
	Sent        int64     `json:"sent"`
	Failed      int64     `json:"failed"`
	Dropped     int64     `json:"dropped"`
	SuccessRate float64   `json:"success_rate"`
	Breaker     string    `json:"breaker"`
}

// Document is the full status response.
type Document struct {
	Poller   PollerStatus    `json:"poller"`
	Topology TopologyStatus  `json:"topology"`
	Profiles []ProfileStatus `json:"profiles"`
}

// Server serves /healthz and /status.
type Server struct {
	log    *logrus.Logger
	store  *store.Store
	poller *ingest.Poller
	topo   *topology.Holder
	pipes  []Pipeline
	srv    *http.Server
}

// New builds the status server on addr.
func New(log *logrus.Logger, addr string, st *store.Store, poller *ingest.Poller, topo *topology.Holder, pipes []Pipeline) *Server {
	s := &Server{log: log, store: st, poller: poller, topo: topo, pipes: pipes}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Infof("status server listening on %s", s.srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Warnf("writing status response: %v", err)
	}
}

// snapshot assembles the status document. A store count failure degrades to
// depth -1 rather than failing the whole endpoint.
func (s *Server) snapshot(ctx context.Context) Document {
	ps := s.poller.Stats()
	depth, err := s.store.Count(ctx)
	if err != nil {
		s.log.Warnf("counting stored events: %v", err)
		depth = -1
	}

	idx := s.topo.Current()
	doc := Document{
		Poller: PollerStatus{
			LastPoll:   ps.LastPoll,
			Ingested:   ps.Ingested,
			Dropped:    ps.Dropped,
			StoreDepth: depth,
		},
		Topology: TopologyStatus{
			BuiltAt:          idx.BuiltAt(),
			Systems:          len(idx.SystemIDs()),
			WatchingEntities: idx.WatchesEntities(),
		},
		Profiles: make([]ProfileStatus, 0, len(s.pipes)),
	}
	for _, pipe := range s.pipes {
		ws := pipe.Worker.Stats()
		ds := pipe.Deliverer.Stats()
		rate := 1.0
		if total := ds.Sent + ds.Failed; total > 0 {
			rate = float64(ds.Sent) / float64(total)
		}
		doc.Profiles = append(doc.Profiles, ProfileStatus{
			Name:        ws.Name,
			LastPoll:    ws.LastPoll,
			Notified:    ws.Notified,
			Throttled:   ws.Throttled,
			Quieted:     ws.Quieted,
			Quiet:       ws.Quiet,
			QueueDepth:  ds.QueueDepth,
			Sent:        ds.Sent,
			Failed:      ds.Failed,
			Dropped:     ds.Dropped,
			SuccessRate: rate,
			Breaker:     ds.Breaker,
		})
	}
	return doc
}
