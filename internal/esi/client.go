// Package esi fetches killmail detail and entity names from the EVE Swagger
// Interface. Name lookups are cached in memory because ids repeat heavily
// inside one session.
package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/killmail"
)

// StatusError is a non-2xx ESI response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esi status %d", e.Code)
}

// Options configures a Client. Zero fields fall back to defaults.
type Options struct {
	BaseURL     string
	UserAgent   string
	MaxAttempts int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Client is a minimal ESI consumer for the endpoints the pipeline needs.
type Client struct {
	baseURL     string
	ua          string
	http        *http.Client
	log         *logrus.Logger
	maxAttempts int
	retryDelay  time.Duration

	mu    sync.RWMutex
	names map[nameKey]string
}

type nameKey struct {
	kind string
	id   int64
}

// New builds a Client.
func New(log *logrus.Logger, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://esi.evetech.net/latest"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:     opts.BaseURL,
		ua:          opts.UserAgent,
		http:        opts.HTTPClient,
		log:         log,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		names:       make(map[nameKey]string),
	}
}

// Killmail fetches the full killmail record for an id/hash pair, retrying
// transient failures up to the configured attempt budget. Client errors
// other than the ESI rate-limit statuses are returned immediately.
func (c *Client) Killmail(ctx context.Context, id int64, hash string) (*killmail.Killmail, error) {
	path := fmt.Sprintf("/killmails/%d/%s/?datasource=tranquility", id, hash)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var km killmail.Killmail
		err := c.getJSON(ctx, path, &km)
		if err == nil {
			km.KillmailID = id
			km.ZKB.Hash = hash
			return &km, nil
		}
		lastErr = err
		if permanent(err) {
			return nil, fmt.Errorf("fetch killmail %d: %w", id, err)
		}
		if attempt < c.maxAttempts {
			c.log.Debugf("ESI killmail %d attempt %d/%d failed: %v", id, attempt, c.maxAttempts, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("fetch killmail %d after %d attempts: %w", id, c.maxAttempts, lastErr)
}

// permanent reports whether retrying cannot change the outcome. ESI answers
// 420 when the error budget is exhausted; that and 429 clear up on their own.
func permanent(err error) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	if se.Code == 420 || se.Code == http.StatusTooManyRequests {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// CharacterName resolves a character id to its name.
func (c *Client) CharacterName(ctx context.Context, id int64) (string, error) {
	return c.name(ctx, "character", id, fmt.Sprintf("/characters/%d/?datasource=tranquility", id))
}

// CorporationName resolves a corporation id to its name.
func (c *Client) CorporationName(ctx context.Context, id int64) (string, error) {
	return c.name(ctx, "corporation", id, fmt.Sprintf("/corporations/%d/?datasource=tranquility", id))
}

// AllianceName resolves an alliance id to its name.
func (c *Client) AllianceName(ctx context.Context, id int64) (string, error) {
	return c.name(ctx, "alliance", id, fmt.Sprintf("/alliances/%d/?datasource=tranquility", id))
}

// TypeName resolves an inventory type id (ships, weapons) to its name.
func (c *Client) TypeName(ctx context.Context, id int32) (string, error) {
	return c.name(ctx, "type", int64(id), fmt.Sprintf("/universe/types/%d/?datasource=tranquility", id))
}

// SystemName resolves a solar system id to its name.
func (c *Client) SystemName(ctx context.Context, id int32) (string, error) {
	return c.name(ctx, "system", int64(id), fmt.Sprintf("/universe/systems/%d/?datasource=tranquility", id))
}

func (c *Client) name(ctx context.Context, kind string, id int64, path string) (string, error) {
	key := nameKey{kind: kind, id: id}
	c.mu.RLock()
	cached, ok := c.names[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, path, &body); err != nil {
		return "", fmt.Errorf("fetch %s %d: %w", kind, id, err)
	}

	c.mu.Lock()
	c.names[key] = body.Name
	c.mu.Unlock()
	return body.Name, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Names are the display strings a kill message carries. Empty fields mean
// the lookup failed or the id was absent; messages degrade to ids.
type Names struct {
	System         string
	VictimShip     string
	Victim         string
	VictimCorp     string
	VictimAlliance string
	Final          string
	FinalCorp      string
	FinalAlliance  string
	FinalShip      string
}

// KillNames resolves every name a rendered kill message can use. Lookups
// are best effort; failures are logged at debug and leave the field empty.
func (c *Client) KillNames(ctx context.Context, km *killmail.Killmail) Names {
	var n Names
	resolve := func(field *string, fetch func() (string, error)) {
		v, err := fetch()
		if err != nil {
			c.log.Debugf("ESI name lookup failed: %v", err)
			return
		}
		*field = v
	}

	if km.SolarSystemID > 0 {
		resolve(&n.System, func() (string, error) { return c.SystemName(ctx, km.SolarSystemID) })
	}
	if km.Victim.ShipTypeID > 0 {
		resolve(&n.VictimShip, func() (string, error) { return c.TypeName(ctx, km.Victim.ShipTypeID) })
	}
	if km.Victim.CharacterID > 0 {
		resolve(&n.Victim, func() (string, error) { return c.CharacterName(ctx, km.Victim.CharacterID) })
	}
	if km.Victim.CorporationID > 0 {
		resolve(&n.VictimCorp, func() (string, error) { return c.CorporationName(ctx, km.Victim.CorporationID) })
	}
	if km.Victim.AllianceID > 0 {
		resolve(&n.VictimAlliance, func() (string, error) { return c.AllianceName(ctx, km.Victim.AllianceID) })
	}

	final, ok := km.FinalBlowAttacker()
	if !ok {
		return n
	}
	if final.CharacterID > 0 {
		resolve(&n.Final, func() (string, error) { return c.CharacterName(ctx, final.CharacterID) })
	}
	if final.CorporationID > 0 {
		resolve(&n.FinalCorp, func() (string, error) { return c.CorporationName(ctx, final.CorporationID) })
	}
	if final.AllianceID > 0 {
		resolve(&n.FinalAlliance, func() (string, error) { return c.AllianceName(ctx, final.AllianceID) })
	}
	if final.ShipTypeID > 0 {
		resolve(&n.FinalShip, func() (string, error) { return c.TypeName(ctx, final.ShipTypeID) })
	}
	return n
}
