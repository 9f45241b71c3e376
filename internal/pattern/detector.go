// Package pattern flags short-lived activity patterns (gatecamps, kill
// spikes) from the killmail flow, one detector instance per consumer so no
// state is shared across profile workers.
package pattern

import (
	"time"

	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// Kind identifies a detected pattern.
type Kind string

const (
	KindGatecamp Kind = "gatecamp"
	KindSpike    Kind = "spike"
)

// Flag is a pattern currently raised on a system.
type Flag struct {
	Kind       Kind
	SystemID   int32
	Multiplier float64
	Expires    time.Time
}

// evictEvery is how many observations pass between sweeps of stale
// per-system state.
const evictEvery = 512

// spikeBaselineHours is the trailing window of full hours the spike
// baseline averages over.
const spikeBaselineHours = 24

// Detector keeps per-system sliding windows and raises flags when the
// configured patterns trigger. It is not safe for concurrent use; every
// caller owns its own instance.
type Detector struct {
	cfg      topology.PatternConfig
	started  time.Time
	systems  map[int32]*systemState
	observed int
}

type systemState struct {
	// recent kills inside the gatecamp window, oldest first
	window []killSample
	// kill counts keyed by unix hour, for the spike baseline
	hourly   map[int64]int
	lastSeen time.Time

	gatecampUntil time.Time
	spikeUntil    time.Time
}

type killSample struct {
	at        time.Time
	attackers int
}

// New returns a detector whose spike logic treats startedAt as the
// beginning of its observation history.
func New(cfg topology.PatternConfig, startedAt time.Time) *Detector {
	return &Detector{
		cfg:     cfg,
		started: startedAt,
		systems: make(map[int32]*systemState),
	}
}

// Observe feeds one killmail into the per-system windows and returns the
// flags that were newly raised by it. Extending an already-active flag
// returns nothing.
func (d *Detector) Observe(km *killmail.Killmail, now time.Time) []Flag {
	st := d.systems[km.SolarSystemID]
	if st == nil {
		st = &systemState{hourly: make(map[int64]int)}
		d.systems[km.SolarSystemID] = st
	}
	st.lastSeen = now

	var raised []Flag
	if f, ok := d.observeGatecamp(st, km, now); ok {
		raised = append(raised, f)
	}
	if f, ok := d.observeSpike(st, km, now); ok {
		raised = append(raised, f)
	}

	d.observed++
	if d.observed%evictEvery == 0 {
		d.evict(now)
	}
	return raised
}

// Active reports the pattern multiplier for a system and the kinds backing
// it. When several flags overlap only the highest multiplier applies; the
// multiplier is 1.0 when nothing is active.
func (d *Detector) Active(systemID int32, now time.Time) (float64, []Kind) {
	st := d.systems[systemID]
	if st == nil {
		return 1.0, nil
	}
	mult := 1.0
	var kinds []Kind
	if now.Before(st.gatecampUntil) {
		kinds = append(kinds, KindGatecamp)
		mult = max(mult, d.cfg.Gatecamp.Multiplier)
	}
	if now.Before(st.spikeUntil) {
		kinds = append(kinds, KindSpike)
		mult = max(mult, d.cfg.Spike.Multiplier)
	}
	return mult, kinds
}

func (d *Detector) observeGatecamp(st *systemState, km *killmail.Killmail, now time.Time) (Flag, bool) {
	cfg := d.cfg.Gatecamp
	if !cfg.Enabled {
		return Flag{}, false
	}
	st.window = append(st.window, killSample{at: now, attackers: len(km.Attackers)})

	cutoff := now.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
	for len(st.window) > 0 && st.window[0].at.Before(cutoff) {
		st.window = st.window[1:]
	}

	if len(st.window) < cfg.MinKills {
		return Flag{}, false
	}
	total := 0
	for _, s := range st.window {
		total += s.attackers
	}
	ratio := float64(total) / float64(len(st.window))
	if ratio < cfg.AsymmetryThreshold {
		return Flag{}, false
	}

	wasActive := now.Before(st.gatecampUntil)
	st.gatecampUntil = now.Add(time.Duration(cfg.ExpiryMinutes) * time.Minute)
	if wasActive {
		return Flag{}, false
	}
	return Flag{
		Kind:       KindGatecamp,
		SystemID:   km.SolarSystemID,
		Multiplier: cfg.Multiplier,
		Expires:    st.gatecampUntil,
	}, true
}

func (d *Detector) observeSpike(st *systemState, km *killmail.Killmail, now time.Time) (Flag, bool) {
	cfg := d.cfg.Spike
	if !cfg.Enabled {
		return Flag{}, false
	}
	hour := now.Unix() / 3600
	st.hourly[hour]++
	for h := range st.hourly {
		if h < hour-spikeBaselineHours {
			delete(st.hourly, h)
		}
	}

	// Without a full baseline window of uptime the detector would compare
	// against an artificially quiet history and flag everything.
	if now.Sub(d.started) < time.Duration(cfg.MinHistoryHours)*time.Hour {
		return Flag{}, false
	}

	total := 0
	for h, n := range st.hourly {
		if h != hour {
			total += n
		}
	}
	baseline := float64(total) / float64(spikeBaselineHours)
	baseline = max(baseline, 1.0)
	if float64(st.hourly[hour]) <= baseline*cfg.Threshold {
		return Flag{}, false
	}

	wasActive := now.Before(st.spikeUntil)
	st.spikeUntil = now.Add(time.Duration(cfg.ExpiryMinutes) * time.Minute)
	if wasActive {
		return Flag{}, false
	}
	return Flag{
		Kind:       KindSpike,
		SystemID:   km.SolarSystemID,
		Multiplier: cfg.Multiplier,
		Expires:    st.spikeUntil,
	}, true
}

// evict drops systems that have been quiet longer than any window still
// needs, keeping memory bounded by recently active systems.
func (d *Detector) evict(now time.Time) {
	horizon := now.Add(-time.Duration(spikeBaselineHours+1) * time.Hour)
	for id, st := range d.systems {
		if st.lastSeen.Before(horizon) && now.After(st.gatecampUntil) && now.After(st.spikeUntil) {
			delete(d.systems, id)
		}
	}
}
