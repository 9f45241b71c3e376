// Package profile loads notification profiles: one YAML document per
// Discord destination, each with its own triggers, throttle and delivery
// tuning. A profile that fails validation is skipped, never half-applied.
package profile

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only profile schema this build understands.
const SchemaVersion = 1

// Triggers decide which events a profile wants. They combine with OR.
type Triggers struct {
	WatchlistActivity bool        `yaml:"watchlist_activity"`
	GatecampDetected  bool        `yaml:"gatecamp_detected"`
	SpikeDetected     bool        `yaml:"spike_detected"`
	ValueAbove        float64     `yaml:"value_above"`
	NPCFactions       NPCFactions `yaml:"npc_factions"`
}

// NPCFactions matches NPC entities on kills, for wormhole groups hunting
// faction spawns. IgnoreTopology lets the trigger fire even where the
// topology gives the system no interest at all.
type NPCFactions struct {
	Enabled        bool    `yaml:"enabled"`
	IDs            []int64 `yaml:"ids"`
	AsAttacker     bool    `yaml:"as_attacker"`
	AsVictim       bool    `yaml:"as_victim"`
	IgnoreTopology bool    `yaml:"ignore_topology"`
}

// QuietHours is a local-time window in which nothing is delivered,
// evaluated in its own timezone. The window may cross midnight
// ("23:00" to "07:00").
type QuietHours struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`

	startMin int
	endMin   int
	loc      *time.Location
}

// Polling tunes how the profile worker reads the event store.
type Polling struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	OverlapWindowSeconds int `yaml:"overlap_window_seconds"`
}

// RateLimitStrategy tunes rollups and the 429 backoff.
type RateLimitStrategy struct {
	RollupThreshold int `yaml:"rollup_threshold"`
	MaxRollupKills  int `yaml:"max_rollup_kills"`
	BackoffSeconds  int `yaml:"backoff_seconds"`
}

// Delivery tunes per-message retries.
type Delivery struct {
	MaxAttempts       int `yaml:"max_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// Profile is one notification destination.
type Profile struct {
	SchemaVersion   int               `yaml:"schema_version"`
	Name            string            `yaml:"name"`
	Enabled         bool              `yaml:"enabled"`
	WebhookURL      string            `yaml:"webhook_url"`
	Triggers        Triggers          `yaml:"triggers"`
	ThrottleMinutes int               `yaml:"throttle_minutes"`
	QuietHours      QuietHours        `yaml:"quiet_hours"`
	TopologyPath    string            `yaml:"topology_path"`
	Polling         Polling           `yaml:"polling"`
	RateLimit       RateLimitStrategy `yaml:"rate_limit_strategy"`
	Delivery        Delivery          `yaml:"delivery"`
}

// Parse decodes and validates one profile document. The webhook URL goes
// through environment expansion so documents can reference ${VAR} secrets
// instead of embedding them.
func Parse(raw []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	p.WebhookURL = os.ExpandEnv(p.WebhookURL)
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads one profile file. A missing name falls back to the file name.
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// LoadDir loads every *.yaml/*.yml profile under dir, sorted by file name.
// Invalid profiles are logged and skipped so one broken document cannot
// take down the rest.
func LoadDir(log *logrus.Logger, dir string) ([]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)

	var out []*Profile
	for _, name := range files {
		p, err := Load(filepath.Join(dir, name))
		if err != nil {
			log.Errorf("Skipping profile: %v", err)
			continue
		}
		if !p.Enabled {
			log.Infof("Profile %s is disabled", p.Name)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (p *Profile) applyDefaults() {
	if p.ThrottleMinutes == 0 {
		p.ThrottleMinutes = 15
	}
	if p.QuietHours.Timezone == "" {
		p.QuietHours.Timezone = "UTC"
	}
	if p.Polling.IntervalSeconds == 0 {
		p.Polling.IntervalSeconds = 5
	}
	if p.Polling.BatchSize == 0 {
		p.Polling.BatchSize = 200
	}
	if p.Polling.OverlapWindowSeconds == 0 {
		p.Polling.OverlapWindowSeconds = 60
	}
	if p.RateLimit.RollupThreshold == 0 {
		p.RateLimit.RollupThreshold = 10
	}
	if p.RateLimit.MaxRollupKills == 0 {
		p.RateLimit.MaxRollupKills = 20
	}
	if p.RateLimit.BackoffSeconds == 0 {
		p.RateLimit.BackoffSeconds = 30
	}
	if p.Delivery.MaxAttempts == 0 {
		p.Delivery.MaxAttempts = 3
	}
	if p.Delivery.RetryDelaySeconds == 0 {
		p.Delivery.RetryDelaySeconds = 5
	}
}

func (p *Profile) validate() error {
	var problems []string

	if p.SchemaVersion != SchemaVersion {
		problems = append(problems, fmt.Sprintf("schema_version must be %d, got %d", SchemaVersion, p.SchemaVersion))
	}
	if p.WebhookURL == "" {
		problems = append(problems, "webhook_url is required")
	} else if u, err := url.Parse(p.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, fmt.Sprintf("webhook_url %q is not an http(s) URL", p.WebhookURL))
	}
	if p.ThrottleMinutes < 1 || p.ThrottleMinutes > 60 {
		problems = append(problems, fmt.Sprintf("throttle_minutes must be within 1..60, got %d", p.ThrottleMinutes))
	}
	if p.Triggers.ValueAbove < 0 {
		problems = append(problems, "value_above must not be negative")
	}
	if p.Triggers.NPCFactions.Enabled && len(p.Triggers.NPCFactions.IDs) == 0 {
		problems = append(problems, "npc_factions enabled without faction ids")
	}
	if p.Polling.IntervalSeconds < 1 {
		problems = append(problems, "polling.interval_seconds must be positive")
	}
	if p.Polling.OverlapWindowSeconds < 0 {
		problems = append(problems, "polling.overlap_window_seconds must not be negative")
	}

	if q := &p.QuietHours; q.Enabled {
		loc, err := time.LoadLocation(q.Timezone)
		if err != nil {
			problems = append(problems, fmt.Sprintf("quiet_hours: unknown timezone %q", q.Timezone))
		} else {
			q.loc = loc
		}
		start, startErr := parseHHMM(q.Start)
		if startErr != nil {
			problems = append(problems, fmt.Sprintf("quiet_hours.start: %v", startErr))
		}
		end, endErr := parseHHMM(q.End)
		if endErr != nil {
			problems = append(problems, fmt.Sprintf("quiet_hours.end: %v", endErr))
		}
		if startErr == nil && endErr == nil {
			if start == end {
				problems = append(problems, "quiet_hours start equals end")
			}
			q.startMin, q.endMin = start, end
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid profile: %s", strings.Join(problems, "; "))
	}
	return nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InQuietHours reports whether t falls inside the quiet window, evaluated
// in the window's timezone. Always false when quiet hours are disabled.
func (p *Profile) InQuietHours(t time.Time) bool {
	q := p.QuietHours
	if !q.Enabled {
		return false
	}
	local := t.In(q.loc)
	m := local.Hour()*60 + local.Minute()
	if q.startMin < q.endMin {
		return m >= q.startMin && m < q.endMin
	}
	// Crosses midnight.
	return m >= q.startMin || m < q.endMin
}

// ThrottleWindow is the per-key suppression duration.
func (p *Profile) ThrottleWindow() time.Duration {
	return time.Duration(p.ThrottleMinutes) * time.Minute
}

// PollInterval is how often the worker polls the event store.
func (p *Profile) PollInterval() time.Duration {
	return time.Duration(p.Polling.IntervalSeconds) * time.Second
}

// OverlapWindow is how far behind the last read the next one starts.
func (p *Profile) OverlapWindow() time.Duration {
	return time.Duration(p.Polling.OverlapWindowSeconds) * time.Second
}
