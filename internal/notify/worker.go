// Package notify runs one worker per delivery profile. Each worker polls the
// event store on its own cadence, feeds its own pattern detector, scores
// events against its topology and decides whether a kill becomes a Discord
// notification. Workers share nothing mutable, so a misconfigured profile can
// only ever hurt itself.
package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/deliver"
	"github.com/guarzo/eve-killwatch/internal/esi"
	"github.com/guarzo/eve-killwatch/internal/pattern"
	"github.com/guarzo/eve-killwatch/internal/profile"
	"github.com/guarzo/eve-killwatch/internal/score"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// Stats is a snapshot of one worker's counters for the status endpoint.
type Stats struct {
	Name      string    `json:"name"`
	LastPoll  time.Time `json:"last_poll"`
	Notified  int64     `json:"notified"`
	Throttled int64     `json:"throttled"`
	Quieted   int64     `json:"quieted"`
	Quiet     bool      `json:"quiet"`
}

// Config wires a worker to its collaborators.
type Config struct {
	Profile   *profile.Profile
	Store     *store.Store
	Names     *esi.Client
	Topology  *topology.Holder
	Deliverer *deliver.Deliverer
	// StartedAt anchors the spike detector's history gate. Zero means now.
	StartedAt time.Time
}

// Worker evaluates stored events for a single profile. All mutable state
// (read cursor, seen set, throttle stamps, detector) belongs to the worker
// goroutine alone; only the counters are read from outside.
type Worker struct {
	log       *logrus.Logger
	prof      *profile.Profile
	store     *store.Store
	names     *esi.Client
	topo      *topology.Holder
	deliverer *deliver.Deliverer
	detector  *pattern.Detector

	lastRead time.Time
	seen     map[int64]time.Time
	throttle map[string]time.Time

	lastPoll  atomic.Int64
	notified  atomic.Int64
	throttled atomic.Int64
	quieted   atomic.Int64
}

// New builds a worker. Events ingested before StartedAt are never notified:
// a restart must not replay the backlog into Discord.
func New(log *logrus.Logger, cfg Config) *Worker {
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &Worker{
		log:       log,
		prof:      cfg.Profile,
		store:     cfg.Store,
		names:     cfg.Names,
		topo:      cfg.Topology,
		deliverer: cfg.Deliverer,
		detector:  pattern.New(cfg.Topology.Current().Patterns(), started),
		lastRead:  started,
		seen:      map[int64]time.Time{},
		throttle:  map[string]time.Time{},
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.prof.PollInterval()
	w.log.Infof("[%s] worker started, polling every %s", w.prof.Name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Infof("[%s] worker stopped", w.prof.Name)
			return
		case <-ticker.C:
			w.poll(ctx, time.Now())
		}
	}
}

// poll reads every event since the cursor minus the overlap window and
// processes the ones this worker has not seen yet. The overlap re-reads the
// tail of the previous batch so a slow poll never skips events; the seen set
// keeps the replay idempotent. A full page means more may be waiting, so the
// poll pages forward by seq until it drains to the head.
func (w *Worker) poll(ctx context.Context, now time.Time) {
	defer w.lastPoll.Store(now.Unix())

	idx := w.topo.Current()
	batch := w.prof.Polling.BatchSize
	since := w.lastRead.Add(-w.prof.OverlapWindow())
	events, err := w.store.EventsSince(ctx, since, batch)
	if err != nil {
		w.log.Errorf("[%s] reading events: %v", w.prof.Name, err)
		return
	}
	for len(events) > 0 {
		for i := range events {
			ev := &events[i]
			if ev.IngestedAt.After(w.lastRead) {
				w.lastRead = ev.IngestedAt
			}
			if _, ok := w.seen[ev.Killmail.KillmailID]; ok {
				continue
			}
			w.seen[ev.Killmail.KillmailID] = ev.IngestedAt
			w.process(ctx, idx, ev, now)
		}
		if len(events) < batch {
			break
		}
		events, err = w.store.EventsAfter(ctx, events[len(events)-1].Seq, batch)
		if err != nil {
			w.log.Errorf("[%s] reading events: %v", w.prof.Name, err)
			break
		}
	}
	w.prune(now)
}

// process runs one event through detection, scoring, triggers, throttling and
// quiet hours, enqueueing a notification when everything passes.
func (w *Worker) process(ctx context.Context, idx *topology.Index, ev *store.Event, now time.Time) {
	km := ev.Killmail

	for _, f := range w.detector.Observe(km, now) {
		w.log.Infof("[%s] %s raised in system %d until %s",
			w.prof.Name, f.Kind, f.SystemID, f.Expires.UTC().Format(time.Kitchen))
	}
	mult, kinds := w.detector.Active(km.SolarSystemID, now)
	res := score.Kill(idx, km, mult)

	v := w.evaluate(idx, km, kinds)
	if !v.fired {
		return
	}
	if res.Final == 0 && !v.npcBypass {
		w.log.Debugf("[%s] kill %d matched a trigger but scored zero, suppressed",
			w.prof.Name, km.KillmailID)
		return
	}

	key := throttleKey(v.watchEntity, km.SolarSystemID)
	if last, ok := w.throttle[key]; ok && now.Sub(last) < w.prof.ThrottleWindow() {
		w.throttled.Add(1)
		w.log.Debugf("[%s] kill %d throttled, %s notified %s ago",
			w.prof.Name, km.KillmailID, key, now.Sub(last).Round(time.Second))
		return
	}
	if w.prof.InQuietHours(now) {
		w.quieted.Add(1)
		w.log.Debugf("[%s] kill %d suppressed by quiet hours", w.prof.Name, km.KillmailID)
		return
	}

	patterns := make([]string, 0, len(kinds))
	for _, k := range kinds {
		patterns = append(patterns, string(k))
	}
	w.deliverer.Enqueue(&deliver.Item{
		Kill:     km,
		Names:    w.names.KillNames(ctx, km),
		Score:    res.Final,
		Digest:   res.Final >= idx.Thresholds().Digest,
		IsKill:   !v.victimSide,
		Priority: res.Final >= idx.Thresholds().Priority,
		Patterns: patterns,
	})
	w.throttle[key] = now
	w.notified.Add(1)

	if res.Final >= idx.Thresholds().Log {
		w.log.Infof("[%s] notifying kill %d in system %d, score %.2f",
			w.prof.Name, km.KillmailID, km.SolarSystemID, res.Final)
	} else {
		w.log.Debugf("[%s] notifying kill %d in system %d, score %.2f",
			w.prof.Name, km.KillmailID, km.SolarSystemID, res.Final)
	}
}

// prune bounds the seen set and throttle map. A seen entry keys on its
// event's ingestion time: once that falls at or below the query floor the
// event can never be returned again, so remembering it is pointless. A
// throttle stamp is dead once the window it guards has lapsed.
func (w *Worker) prune(now time.Time) {
	floor := w.lastRead.Add(-w.prof.OverlapWindow())
	for id, at := range w.seen {
		if !at.After(floor) {
			delete(w.seen, id)
		}
	}
	for key, at := range w.throttle {
		if now.Sub(at) > w.prof.ThrottleWindow() {
			delete(w.throttle, key)
		}
	}
}

// throttleKey picks the suppression bucket: watchlist matches collapse on the
// matched entity, everything else on the kill's system.
func throttleKey(entityID int64, systemID int32) string {
	if entityID != 0 {
		return fmt.Sprintf("entity:%d", entityID)
	}
	return fmt.Sprintf("system:%d", systemID)
}

// Stats snapshots the worker's counters.
func (w *Worker) Stats() Stats {
	var last time.Time
	if s := w.lastPoll.Load(); s != 0 {
		last = time.Unix(s, 0).UTC()
	}
	return Stats{
		Name:      w.prof.Name,
		LastPoll:  last,
		Notified:  w.notified.Load(),
		Throttled: w.throttled.Load(),
		Quieted:   w.quieted.Load(),
		Quiet:     w.prof.InQuietHours(time.Now()),
	}
}
