// Package config loads the application-level config.json. Topology and
// notification profiles live in their own documents (internal/topology,
// internal/profile); this file only bootstraps paths, the feed mode and the
// operational surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Feed modes supported by the ingestion poller.
const (
	FeedRedisQ    = "redisq"
	FeedWebsocket = "websocket"
)

// AppConfig mirrors config.json.
type AppConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile"`

	// DataDir holds the event store database and the persisted RedisQ
	// queue identifier.
	DataDir string `json:"dataDir"`

	Feed struct {
		Mode         string `json:"mode"`
		RedisQURL    string `json:"redisqUrl"`
		WebsocketURL string `json:"websocketUrl"`
		UserAgent    string `json:"userAgent"`
	} `json:"feed"`

	ESIBaseURL string `json:"esiBaseUrl"`

	TopologyPath string `json:"topologyPath"`
	ProfilesDir  string `json:"profilesDir"`

	StatusAddr string `json:"statusAddr"`

	RetentionHours int `json:"retentionHours"`

	Enrichment struct {
		MaxAttempts       int `json:"maxAttempts"`
		RetryDelaySeconds int `json:"retryDelaySeconds"`
	} `json:"enrichment"`
}

// LoadConfig loads JSON from file into AppConfig, applies defaults and
// validates. Configuration errors fail closed with the offending field named.
func LoadConfig(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &AppConfig{}
	if err = json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Feed.Mode == "" {
		c.Feed.Mode = FeedRedisQ
	}
	if c.Feed.RedisQURL == "" {
		c.Feed.RedisQURL = "https://zkillredisq.stream/listen.php"
	}
	if c.Feed.WebsocketURL == "" {
		c.Feed.WebsocketURL = "wss://zkillboard.com/websocket/"
	}
	if c.Feed.UserAgent == "" {
		c.Feed.UserAgent = "eve-killwatch"
	}
	if c.ESIBaseURL == "" {
		c.ESIBaseURL = "https://esi.evetech.net/latest"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":8322"
	}
	if c.RetentionHours == 0 {
		c.RetentionHours = 24
	}
	if c.Enrichment.MaxAttempts == 0 {
		c.Enrichment.MaxAttempts = 3
	}
	if c.Enrichment.RetryDelaySeconds == 0 {
		c.Enrichment.RetryDelaySeconds = 2
	}
}

func (c *AppConfig) validate() error {
	var missing []string
	if c.TopologyPath == "" {
		missing = append(missing, "topologyPath")
	}
	if c.ProfilesDir == "" {
		missing = append(missing, "profilesDir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %v", missing)
	}
	if c.Feed.Mode != FeedRedisQ && c.Feed.Mode != FeedWebsocket {
		return fmt.Errorf("feed.mode must be %q or %q, got %q", FeedRedisQ, FeedWebsocket, c.Feed.Mode)
	}
	if c.RetentionHours < 1 {
		return fmt.Errorf("retentionHours must be positive, got %d", c.RetentionHours)
	}
	return nil
}
