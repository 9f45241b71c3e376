package notify

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/profile"
	"github.com/guarzo/eve-killwatch/internal/store"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

const (
	homeSystem  = int32(31000001)
	farSystem   = int32(30009999)
	ownCorp     = int64(98000001)
	watchedCorp = int64(98000077)
	warAlliance = int64(99000666)
	naturalCorp = int64(98111111)
	guristas    = int64(500010)
)

// homeSystem is classified hunting (geo 0.9); farSystem is absent from the
// topology, so only entity matches or an NPC bypass can carry a kill there.
const topologyYAML = `
geographic:
  systems:
    - system_id: 31000001
      name: J100001
      classification: hunting
entity:
  corp_id: 98000001
  watched_corps: [98000077]
  war_targets: [99000666]
patterns:
  gatecamp:
    enabled: true
  spike:
    enabled: false
`

const watchlistProfile = `
schema_version: 1
name: fleet
enabled: true
webhook_url: %s
triggers:
  watchlist_activity: true
`

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type harness struct {
	t      *testing.T
	worker *Worker
	store  *store.Store
	del    *deliver.Deliverer
	bodies chan deliver.WebhookBody
	t0     time.Time
}

// newHarness wires a worker to a real store, a stub ESI that knows no names
// and a webhook that captures every delivered body. profYAML must contain a
// single %s slot for the webhook URL.
func newHarness(t *testing.T, profYAML string) *harness {
	t.Helper()
	log := testLogger()

	bodies := make(chan deliver.WebhookBody, 32)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body deliver.WebhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			bodies <- body
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(webhook.Close)

	names := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(names.Close)

	prof, err := profile.Parse([]byte(fmt.Sprintf(profYAML, webhook.URL+"/api/webhooks/42/token")))
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}

	dir := t.TempDir()
	topoPath := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(topoPath, []byte(topologyYAML), 0o644); err != nil {
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

	sender := deliver.NewWebhookSender(log, prof.WebhookURL,
		deliver.SenderOptions{Every: time.Millisecond, Burst: 100})
	del := deliver.New(log, prof, sender)

	w := New(log, Config{
		Profile:   prof,
		Store:     st,
		Names:     esi.New(log, esi.Options{BaseURL: names.URL, MaxAttempts: 1, RetryDelay: time.Millisecond}),
		Topology:  holder,
		Deliverer: del,
		StartedAt: baseTime,
	})
	return &harness{t: t, worker: w, store: st, del: del, bodies: bodies, t0: baseTime}
}

func (h *harness) insert(km *killmail.Killmail, at time.Time) {
	h.t.Helper()
	if _, err := h.store.Insert(context.Background(), km, 0, at); err != nil {
		h.t.Fatalf("insert kill %d: %v", km.KillmailID, err)
	}
}

// drainOne runs the deliverer until the webhook receives one body.
func (h *harness) drainOne() deliver.WebhookBody {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.del.Run(ctx)
	select {
	case body := <-h.bodies:
		return body
	case <-time.After(3 * time.Second):
		h.t.Fatalf("no webhook delivery within 3s")
		return deliver.WebhookBody{}
	}
}

func kill(id int64, system int32, victimCorp int64, attackerCorps ...int64) *killmail.Killmail {
	km := &killmail.Killmail{
		KillmailID:    id,
		Time:          baseTime,
		SolarSystemID: system,
		Victim:        killmail.Victim{CharacterID: id * 10, CorporationID: victimCorp, ShipTypeID: 602},
		ZKB:           killmail.ZKB{Hash: "hash", TotalValue: 12_000_000},
	}
	for i, corp := range attackerCorps {
		km.Attackers = append(km.Attackers, killmail.Attacker{
			CharacterID:   id*100 + int64(i),
			CorporationID: corp,
			ShipTypeID:    17738,
			FinalBlow:     i == 0,
		})
	}
	return km
}

func TestWatchlistKillEnqueues(t *testing.T) {
	h := newHarness(t, watchlistProfile)
	ctx := context.Background()

	// A watched corp scoring a kill in an unclassified system: the entity
	// layer alone must carry the notification.
	h.insert(kill(11, farSystem, naturalCorp, watchedCorp), h.t0.Add(1*time.Second))
	h.worker.poll(ctx, h.t0.Add(2*time.Second))

	if got := h.worker.Stats().Notified; got != 1 {
		t.Fatalf("notified: expected 1, got %d", got)
	}
	if depth := h.del.Stats().QueueDepth; depth != 1 {
		t.Fatalf("queue depth: expected 1, got %d", depth)
	}

	body := h.drainOne()
	if len(body.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(body.Embeds))
	}
	embed := body.Embeds[0]
	if embed.Author == nil || embed.Author.Name != "Kill" {
		t.Fatalf("expected Kill framing, got %+v", embed.Author)
	}
	if embed.Color != 0x2ecc71 {
		t.Fatalf("expected kill color, got %#x", embed.Color)
	}
	if embed.Title != "UnknownShip destroyed in SystemID:30009999" {
		t.Fatalf("unexpected title %q", embed.Title)
	}
	if embed.Footer == nil || embed.Footer.Text != "Value: 12,000,000.00 ISK · Interest 0.75" {
		t.Fatalf("unexpected footer %+v", embed.Footer)
	}
}

func TestWatchedVictimFramedAsLoss(t *testing.T) {
	h := newHarness(t, watchlistProfile)
	ctx := context.Background()

	h.insert(kill(21, farSystem, watchedCorp, naturalCorp), h.t0.Add(1*time.Second))
	h.worker.poll(ctx, h.t0.Add(2*time.Second))

	if got := h.worker.Stats().Notified; got != 1 {
		t.Fatalf("notified: expected 1, got %d", got)
	}
	embed := h.drainOne().Embeds[0]
	if embed.Author == nil || embed.Author.Name != "Loss" {
		t.Fatalf("expected Loss framing, got %+v", embed.Author)
	}
	if embed.Color != 0xe74c3c {
		t.Fatalf("expected loss color, got %#x", embed.Color)
	}
}

func TestZeroScoreSuppressed(t *testing.T) {
	h := newHarness(t, `
schema_version: 1
name: whales
enabled: true
webhook_url: %s
triggers:
  value_above: 100000000
`)
	ctx := context.Background()

	expensive := kill(31, farSystem, naturalCorp, naturalCorp+1)
	expensive.ZKB.TotalValue = 5_000_000_000
	h.insert(expensive, h.t0.Add(1*time.Second))

	watched := kill(32, homeSystem, naturalCorp, naturalCorp+1)
	watched.ZKB.TotalValue = 5_000_000_000
	h.insert(watched, h.t0.Add(2*time.Second))

	h.worker.poll(ctx, h.t0.Add(3*time.Second))

	// Kill 31 matched the value trigger but scored zero: nothing watched
	// cares about that part of space, so it stays silent. Kill 32 happened
	// in a classified system and goes out.
	stats := h.worker.Stats()
	if stats.Notified != 1 {
		t.Fatalf("notified: expected 1, got %d", stats.Notified)
	}
	if depth := h.del.Stats().QueueDepth; depth != 1 {
		t.Fatalf("queue depth: expected 1, got %d", depth)
	}
}

func TestNPCFactionIgnoreTopology(t *testing.T) {
	const npcProfile = `
schema_version: 1
name: diamond-rats
enabled: true
webhook_url: %s
triggers:
  npc_factions:
    enabled: true
    ids: [500010]
    as_victim: true
    ignore_topology: %s
`
	cases := []struct {
		name         string
		ignore       string
		wantNotified int64
	}{
		{"bypass notifies in unwatched space", "true", 1},
		{"default still gated by topology", "false", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, fmt.Sprintf(npcProfile, "%s", tc.ignore))
			ctx := context.Background()

			ratLoss := kill(41, farSystem, 0, naturalCorp)
			ratLoss.Victim.FactionID = guristas
			h.insert(ratLoss, h.t0.Add(1*time.Second))

			// Faction on the attacker side never matches an as_victim rule.
			ratKill := kill(42, farSystem, naturalCorp)
			ratKill.Attackers = []killmail.Attacker{{FactionID: guristas, FinalBlow: true}}
			h.insert(ratKill, h.t0.Add(2*time.Second))

			h.worker.poll(ctx, h.t0.Add(3*time.Second))

			if got := h.worker.Stats().Notified; got != tc.wantNotified {
				t.Fatalf("notified: expected %d, got %d", tc.wantNotified, got)
			}
		})
	}
}

func TestThrottleCollapsesPerEntity(t *testing.T) {
	h := newHarness(t, watchlistProfile)
	ctx := context.Background()

	h.insert(kill(51, farSystem, naturalCorp, ownCorp), h.t0.Add(1*time.Second))
	h.insert(kill(52, farSystem, naturalCorp, ownCorp), h.t0.Add(2*time.Second))
	h.insert(kill(53, farSystem, naturalCorp, watchedCorp), h.t0.Add(3*time.Second))
	h.worker.poll(ctx, h.t0.Add(5*time.Second))

	// Two own-corp kills collapse onto one entity bucket; the watched corp
	// has its own bucket and still goes out.
	stats := h.worker.Stats()
	if stats.Notified != 2 || stats.Throttled != 1 {
		t.Fatalf("expected 2 notified / 1 throttled, got %d / %d", stats.Notified, stats.Throttled)
	}

	// Past the throttle window the same entity may fire again.
	h.insert(kill(54, farSystem, naturalCorp, ownCorp), h.t0.Add(16*time.Minute))
	h.worker.poll(ctx, h.t0.Add(16*time.Minute+5*time.Second))

	stats = h.worker.Stats()
	if stats.Notified != 3 || stats.Throttled != 1 {
		t.Fatalf("expected 3 notified / 1 throttled after window, got %d / %d", stats.Notified, stats.Throttled)
	}
	if depth := h.del.Stats().QueueDepth; depth != 3 {
		t.Fatalf("queue depth: expected 3, got %d", depth)
	}
}

func TestQuietHoursDropNotDelay(t *testing.T) {
	h := newHarness(t, `
schema_version: 1
name: sleepy
enabled: true
webhook_url: %s
triggers:
  watchlist_activity: true
quiet_hours:
  enabled: true
  start: "10:00"
  end: "14:00"
`)
	ctx := context.Background()

	// baseTime is 12:00 UTC, inside the window.
	h.insert(kill(61, farSystem, naturalCorp, ownCorp), h.t0.Add(1*time.Second))
	h.worker.poll(ctx, h.t0.Add(2*time.Second))

	stats := h.worker.Stats()
	if stats.Quieted != 1 || stats.Notified != 0 {
		t.Fatalf("expected 1 quieted / 0 notified, got %d / %d", stats.Quieted, stats.Notified)
	}

	// After the window a fresh kill goes out, but the suppressed one stays
	// dropped: quiet hours discard, they do not defer.
	h.insert(kill(62, farSystem, naturalCorp, watchedCorp), h.t0.Add(3*time.Hour))
	h.worker.poll(ctx, h.t0.Add(3*time.Hour+time.Second))

	stats = h.worker.Stats()
	if stats.Quieted != 1 || stats.Notified != 1 {
		t.Fatalf("expected 1 quieted / 1 notified, got %d / %d", stats.Quieted, stats.Notified)
	}
	if depth := h.del.Stats().QueueDepth; depth != 1 {
		t.Fatalf("queue depth: expected 1, got %d", depth)
	}
}

func TestGatecampScenario(t *testing.T) {
	h := newHarness(t, `
schema_version: 1
name: camps
enabled: true
webhook_url: %s
triggers:
  gatecamp_detected: true
`)
	ctx := context.Background()

	gank := func(id int64) *killmail.Killmail {
		return kill(id, homeSystem, naturalCorp,
			naturalCorp+1, naturalCorp+2, naturalCorp+3, naturalCorp+4)
	}
	h.insert(gank(71), h.t0.Add(10*time.Second))
	h.insert(gank(72), h.t0.Add(20*time.Second))
	h.insert(gank(73), h.t0.Add(30*time.Second))
	h.worker.poll(ctx, h.t0.Add(40*time.Second))

	// The first two kills predate the flag; only the kill that completes
	// the camp pattern notifies.
	stats := h.worker.Stats()
	if stats.Notified != 1 {
		t.Fatalf("notified: expected 1, got %d", stats.Notified)
	}

	// While the flag is up, further kills in the system are throttled on
	// the system bucket.
	h.insert(gank(74), h.t0.Add(50*time.Second))
	h.worker.poll(ctx, h.t0.Add(time.Minute))

	stats = h.worker.Stats()
	if stats.Notified != 1 || stats.Throttled != 1 {
		t.Fatalf("expected 1 notified / 1 throttled, got %d / %d", stats.Notified, stats.Throttled)
	}

	embed := h.drainOne().Embeds[0]
	if embed.Color != 0xf1c40f {
		t.Fatalf("camp kill should render priority color, got %#x", embed.Color)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Name != "Activity" || embed.Fields[0].Value != "gatecamp" {
		t.Fatalf("expected gatecamp activity field, got %+v", embed.Fields)
	}
	if embed.Footer == nil || embed.Footer.Text != "Value: 12,000,000.00 ISK · Interest 1.00" {
		t.Fatalf("unexpected footer %+v", embed.Footer)
	}
}

func TestBacklogPaginationAndIdempotency(t *testing.T) {
	h := newHarness(t, `
schema_version: 1
name: burst
enabled: true
webhook_url: %s
triggers:
  value_above: 1000000
polling:
  batch_size: 2
`)
	ctx := context.Background()

	// Five events in the same ingestion second force the worker through
	// three pages keyed on seq.
	for id := int64(81); id <= 85; id++ {
		h.insert(kill(id, homeSystem, naturalCorp, naturalCorp+1), h.t0.Add(1*time.Second))
	}
	h.worker.poll(ctx, h.t0.Add(2*time.Second))

	// Every event was evaluated: the first notified, the rest fell into
	// the same system throttle bucket.
	stats := h.worker.Stats()
	if stats.Notified != 1 || stats.Throttled != 4 {
		t.Fatalf("expected 1 notified / 4 throttled, got %d / %d", stats.Notified, stats.Throttled)
	}

	// A second poll replays the overlap window; the seen set keeps it a
	// no-op.
	h.worker.poll(ctx, h.t0.Add(3*time.Second))
	stats = h.worker.Stats()
	if stats.Notified != 1 || stats.Throttled != 4 {
		t.Fatalf("replay changed counters: %d notified / %d throttled", stats.Notified, stats.Throttled)
	}
}
