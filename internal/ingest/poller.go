// Package ingest drives the single feed-to-store pipeline: it pulls killmail
// batches from the configured source, gates ESI enrichment on a cheap
// location-only score, and lands qualified events in the store for the
// profile workers to read.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/esi"
	"github.com/guarzo/eve-killwatch/internal/feed"
	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/score"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// retentionSweep is how often stored events are checked against the
// retention horizon.
const retentionSweep = 10 * time.Minute

// Stats is a snapshot of the poller's counters for the status endpoint.
type Stats struct {
	LastPoll time.Time `json:"last_poll"`
	Ingested int64     `json:"ingested"`
	Dropped  int64     `json:"dropped"`
}

// Config wires the poller to its collaborators.
type Config struct {
	Source   feed.Source
	Store    *store.Store
	Enricher *esi.Client
	Topology *topology.Holder
	// Retention is how long stored events are kept. Zero means 24h.
	Retention time.Duration
	// RetryDelay is the pause after a feed error. Zero means 5s.
	RetryDelay time.Duration
}

// Poller is the single writer of the event store.
type Poller struct {
	log        *logrus.Logger
	src        feed.Source
	store      *store.Store
	esi        *esi.Client
	topo       *topology.Holder
	retention  time.Duration
	retryDelay time.Duration

	lastPoll atomic.Int64
	ingested atomic.Int64
	dropped  atomic.Int64
}

// New builds a poller.
func New(log *logrus.Logger, cfg Config) *Poller {
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Poller{
		log:        log,
		src:        cfg.Source,
		store:      cfg.Store,
		esi:        cfg.Enricher,
		topo:       cfg.Topology,
		retention:  retention,
		retryDelay: retryDelay,
	}
}

// Run polls the feed until ctx is cancelled. Feed errors back off and retry;
// they never kill the loop. The retention sweeper runs alongside and both
// finish before Run returns.
func (p *Poller) Run(ctx context.Context) {
	p.log.Infof("ingest poller started, retention %s", p.retention)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.retentionLoop(ctx)
	}()

	for ctx.Err() == nil {
		batch, err := p.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Warnf("feed poll failed: %v", err)
			sleepCtx(ctx, p.retryDelay)
			continue
		}
		p.lastPoll.Store(time.Now().Unix())
		for _, km := range batch {
			p.handle(ctx, km)
		}
	}

	wg.Wait()
	p.log.Infof("ingest poller stopped")
}

// handle runs one feed item through dedup, the fetch gate, enrichment and
// the store write.
func (p *Poller) handle(ctx context.Context, km *killmail.Killmail) {
	if km == nil || km.KillmailID == 0 {
		return
	}
	has, err := p.store.Has(ctx, km.KillmailID)
	if err != nil {
		p.log.Warnf("dedup check for kill %d: %v", km.KillmailID, err)
		return
	}
	if has {
		p.log.Debugf("kill %d already stored", km.KillmailID)
		return
	}

	idx := p.topo.Current()

	if !km.HasEnrichment() {
		// The location-only score decides whether full data is worth an ESI
		// round trip. Items already carrying full data skip this gate: the
		// fetch it bounds never happens for them, and their entity detail
		// may matter even where the location does not.
		if km.SolarSystemID != 0 {
			pre := score.Location(idx, km.SolarSystemID)
			if pre.Final < idx.Thresholds().Fetch {
				p.dropped.Add(1)
				p.log.Debugf("kill %d in system %d below fetch threshold (%.3f), dropped",
					km.KillmailID, km.SolarSystemID, pre.Final)
				return
			}
		}
		if km.ZKB.Hash == "" {
			p.dropped.Add(1)
			p.log.Warnf("kill %d has no hash to enrich with, dropped", km.KillmailID)
			return
		}
		full, err := p.esi.Killmail(ctx, km.KillmailID, km.ZKB.Hash)
		if err != nil {
			p.dropped.Add(1)
			p.log.Warnf("kill %d enrichment failed, dropped: %v", km.KillmailID, err)
			return
		}
		// The feed envelope owns the economic data; ESI owns the rest.
		full.ZKB = km.ZKB
		km = full
	}

	res := score.Kill(idx, km, 1.0)
	inserted, err := p.store.Insert(ctx, km, res.Final, time.Now().UTC())
	if err != nil {
		p.log.Errorf("storing kill %d: %v", km.KillmailID, err)
		return
	}
	if !inserted {
		p.log.Debugf("kill %d raced a duplicate insert", km.KillmailID)
		return
	}
	p.ingested.Add(1)

	if res.Final >= idx.Thresholds().Log {
		p.log.Infof("ingested kill %d in system %d, score %.2f",
			km.KillmailID, km.SolarSystemID, res.Final)
	} else {
		p.log.Debugf("ingested kill %d in system %d, score %.2f",
			km.KillmailID, km.SolarSystemID, res.Final)
	}
}

func (p *Poller) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep prunes events past the retention horizon.
func (p *Poller) sweep(ctx context.Context) {
	n, err := p.store.PruneBefore(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.log.Errorf("pruning events: %v", err)
		return
	}
	if n > 0 {
		p.log.Infof("pruned %d events older than %s", n, p.retention)
	}
}

// Stats snapshots the poller's counters.
func (p *Poller) Stats() Stats {
	var last time.Time
	if s := p.lastPoll.Load(); s != 0 {
		last = time.Unix(s, 0).UTC()
	}
	return Stats{
		LastPoll: last,
		Ingested: p.ingested.Load(),
		Dropped:  p.dropped.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
