// Package topology models the user-editable watch configuration: classified
// systems, entity relationships, routes, assets and pattern tuning. The
// document is loaded and validated fail-closed, then compiled into an
// immutable Index by an explicit build step; scoring only ever consults the
// Index, never the raw document.
package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Classification tags a configured system.
type Classification string

const (
	ClassHome      Classification = "home"
	ClassHunting   Classification = "hunting"
	ClassTransit   Classification = "transit"
	ClassAvoidance Classification = "avoidance"
)

func (c Classification) valid() bool {
	switch c {
	case ClassHome, ClassHunting, ClassTransit, ClassAvoidance:
		return true
	}
	return false
}

// Document is the on-disk topology schema.
type Document struct {
	Geographic GeographicConfig `yaml:"geographic"`
	Entity     EntityConfig     `yaml:"entity"`
	Routes     []RouteConfig    `yaml:"routes"`
	Assets     []AssetConfig    `yaml:"assets"`
	Patterns   PatternConfig    `yaml:"patterns"`
	Thresholds Thresholds       `yaml:"thresholds"`
}

// GeographicConfig lists classified systems, the gate adjacency used to
// expand interest by hop distance, and per-classification weight tables.
type GeographicConfig struct {
	Systems []SystemConfig              `yaml:"systems"`
	Gates   map[int32][]int32           `yaml:"gates"`
	Weights map[Classification][]float64 `yaml:"weights"`
}

// SystemConfig is one classified system.
type SystemConfig struct {
	SystemID       int32          `yaml:"system_id"`
	Name           string         `yaml:"name"`
	Classification Classification `yaml:"classification"`
}

// EntityConfig names the installation's own corp/alliance plus watched and
// war-target entities.
type EntityConfig struct {
	CorpID           int64   `yaml:"corp_id"`
	AllianceID       int64   `yaml:"alliance_id"`
	WatchedCorps     []int64 `yaml:"watched_corps"`
	WatchedAlliances []int64 `yaml:"watched_alliances"`
	WarTargets       []int64 `yaml:"war_targets"`
}

// RouteConfig is a named waypoint list with a flat interest value and an
// optional victim-ship-type filter.
type RouteConfig struct {
	Name       string  `yaml:"name"`
	Waypoints  []int32 `yaml:"waypoints"`
	Interest   float64 `yaml:"interest"`
	ShipFilter []int32 `yaml:"ship_filter"`
}

// AssetConfig flags owned structures/offices in a system.
type AssetConfig struct {
	SystemID   int32   `yaml:"system_id"`
	Structures bool    `yaml:"structures"`
	Offices    bool    `yaml:"offices"`
	Interest   float64 `yaml:"interest"`
}

// PatternConfig tunes the gatecamp and spike detectors.
type PatternConfig struct {
	Gatecamp GatecampConfig `yaml:"gatecamp"`
	Spike    SpikeConfig    `yaml:"spike"`
}

// GatecampConfig tunes the gatecamp detector.
type GatecampConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MinKills           int     `yaml:"min_kills"`
	WindowMinutes      int     `yaml:"window_minutes"`
	AsymmetryThreshold float64 `yaml:"asymmetry_threshold"`
	Multiplier         float64 `yaml:"multiplier"`
	ExpiryMinutes      int     `yaml:"expiry_minutes"`
}

// SpikeConfig tunes the activity-spike detector.
type SpikeConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Threshold       float64 `yaml:"threshold"`
	Multiplier      float64 `yaml:"multiplier"`
	ExpiryMinutes   int     `yaml:"expiry_minutes"`
	MinHistoryHours int     `yaml:"min_history_hours"`
}

// Thresholds are the score tiers consulted across the pipeline: fetch gates
// enrichment, log gates per-kill info logging, digest is the floor for
// rollup summaries, priority switches delivery to the priority rendering.
type Thresholds struct {
	Fetch    float64 `yaml:"fetch"`
	Log      float64 `yaml:"log"`
	Digest   float64 `yaml:"digest"`
	Priority float64 `yaml:"priority"`
}

// defaultWeights apply when a classification has no explicit table. Index 0
// is the classified system itself.
var defaultWeights = map[Classification][]float64{
	ClassHome:      {1.0, 0.8, 0.5, 0.25},
	ClassHunting:   {0.9, 0.6, 0.3},
	ClassTransit:   {0.5, 0.25},
	ClassAvoidance: {0.65, 0.4},
}

// Load reads and validates a topology document. A validation failure rejects
// the whole document; there is no partial load.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and validates a topology document from raw YAML.
func Parse(raw []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return doc, nil
}

func (d *Document) applyDefaults() {
	if d.Geographic.Weights == nil {
		d.Geographic.Weights = map[Classification][]float64{}
	}
	for class, table := range defaultWeights {
		if _, ok := d.Geographic.Weights[class]; !ok {
			d.Geographic.Weights[class] = table
		}
	}

	gc := &d.Patterns.Gatecamp
	if gc.MinKills == 0 {
		gc.MinKills = 3
	}
	if gc.WindowMinutes == 0 {
		gc.WindowMinutes = 10
	}
	if gc.AsymmetryThreshold == 0 {
		gc.AsymmetryThreshold = 3.0
	}
	if gc.Multiplier == 0 {
		gc.Multiplier = 1.5
	}
	if gc.ExpiryMinutes == 0 {
		gc.ExpiryMinutes = 5
	}

	sp := &d.Patterns.Spike
	if sp.Threshold == 0 {
		sp.Threshold = 2.0
	}
	if sp.Multiplier == 0 {
		sp.Multiplier = 1.3
	}
	if sp.ExpiryMinutes == 0 {
		sp.ExpiryMinutes = 10
	}
	if sp.MinHistoryHours == 0 {
		sp.MinHistoryHours = 24
	}

	th := &d.Thresholds
	if th.Fetch == 0 {
		th.Fetch = 0.01
	}
	if th.Log == 0 {
		th.Log = 0.2
	}
	if th.Digest == 0 {
		th.Digest = 0.3
	}
	if th.Priority == 0 {
		th.Priority = 0.8
	}
}

// Validate rejects unknown classifications, non-monotonic weight tables,
// out-of-range interests and inverted threshold tiers.
func (d *Document) Validate() error {
	for i, sys := range d.Geographic.Systems {
		if sys.SystemID <= 0 {
			return fmt.Errorf("geographic.systems[%d]: system_id must be positive", i)
		}
		if !sys.Classification.valid() {
			return fmt.Errorf("geographic.systems[%d] (%s): unknown classification %q",
				i, sys.Name, sys.Classification)
		}
	}

	for class, table := range d.Geographic.Weights {
		if !class.valid() {
			return fmt.Errorf("geographic.weights: unknown classification %q", class)
		}
		if len(table) == 0 {
			return fmt.Errorf("geographic.weights[%s]: table is empty", class)
		}
		for hop, w := range table {
			if w < 0 || w > 1 {
				return fmt.Errorf("geographic.weights[%s][%d]: weight %v outside [0,1]", class, hop, w)
			}
			if hop > 0 && w > table[hop-1] {
				return fmt.Errorf("geographic.weights[%s]: weight must not increase with hop distance (hop %d: %v > %v)",
					class, hop, w, table[hop-1])
			}
		}
	}

	for i, route := range d.Routes {
		if route.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if len(route.Waypoints) == 0 {
			return fmt.Errorf("routes[%d] (%s): waypoints are required", i, route.Name)
		}
		if route.Interest < 0 || route.Interest > 1 {
			return fmt.Errorf("routes[%d] (%s): interest %v outside [0,1]", i, route.Name, route.Interest)
		}
	}

	for i, asset := range d.Assets {
		if asset.SystemID <= 0 {
			return fmt.Errorf("assets[%d]: system_id must be positive", i)
		}
		if asset.Interest < 0 || asset.Interest > 1 {
			return fmt.Errorf("assets[%d]: interest %v outside [0,1]", i, asset.Interest)
		}
	}

	th := d.Thresholds
	for _, tier := range []struct {
		name  string
		value float64
	}{
		{"fetch", th.Fetch}, {"log", th.Log}, {"digest", th.Digest}, {"priority", th.Priority},
	} {
		if tier.value < 0 || tier.value > 1 {
			return fmt.Errorf("thresholds.%s: %v outside [0,1]", tier.name, tier.value)
		}
	}
	if th.Fetch > th.Log || th.Log > th.Digest || th.Digest > th.Priority {
		return fmt.Errorf("thresholds must be ordered fetch <= log <= digest <= priority, got %v/%v/%v/%v",
			th.Fetch, th.Log, th.Digest, th.Priority)
	}

	gc := d.Patterns.Gatecamp
	if gc.MinKills < 1 {
		return fmt.Errorf("patterns.gatecamp.min_kills must be positive, got %d", gc.MinKills)
	}
	if gc.AsymmetryThreshold < 1 {
		return fmt.Errorf("patterns.gatecamp.asymmetry_threshold must be >= 1, got %v", gc.AsymmetryThreshold)
	}
	if gc.Multiplier < 1 {
		return fmt.Errorf("patterns.gatecamp.multiplier must be >= 1, got %v", gc.Multiplier)
	}
	sp := d.Patterns.Spike
	if sp.Threshold <= 0 {
		return fmt.Errorf("patterns.spike.threshold must be positive, got %v", sp.Threshold)
	}
	if sp.Multiplier < 1 {
		return fmt.Errorf("patterns.spike.multiplier must be >= 1, got %v", sp.Multiplier)
	}

	return nil
}
