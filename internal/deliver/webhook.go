package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks a 429 from Discord. The caller backs off without
// spending a retry attempt or tripping the breaker.
var ErrRateLimited = errors.New("webhook rate limited")

// WebhookBody is the Discord webhook payload shape.
type WebhookBody struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SenderOptions tunes the client-side send rate.
type SenderOptions struct {
	// Every is the sustained interval between sends; Burst allows short
	// bursts above it. Discord webhooks tolerate roughly 30 per minute.
	Every      time.Duration
	Burst      int
	HTTPClient *http.Client
}

// WebhookSender posts JSON payloads to one Discord webhook. The URL never
// appears in logs or errors; it embeds the webhook token.
type WebhookSender struct {
	log      *logrus.Logger
	url      string
	redacted string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewWebhookSender builds a sender for one webhook URL.
func NewWebhookSender(log *logrus.Logger, webhookURL string, opts SenderOptions) *WebhookSender {
	if opts.Every <= 0 {
		opts.Every = 2 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{
		log:      log,
		url:      webhookURL,
		redacted: RedactWebhookURL(webhookURL),
		http:     opts.HTTPClient,
		limiter:  rate.NewLimiter(rate.Every(opts.Every), opts.Burst),
	}
}

// Send posts one payload, waiting on the client-side limiter first. A 429
// comes back as ErrRateLimited.
func (s *WebhookSender) Send(ctx context.Context, body WebhookBody) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.redacted, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		// The transport error may echo the request URL; scrub it.
		return fmt.Errorf("webhook %s: %s", s.redacted, scrub(err.Error(), s.url))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", s.redacted, resp.StatusCode)
	}
	return nil
}

// Target returns the redacted webhook URL for log output.
func (s *WebhookSender) Target() string {
	return s.redacted
}

// RedactWebhookURL strips the token segment from a Discord webhook URL so
// it can appear in logs. Anything unparseable collapses to a placeholder.
func RedactWebhookURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "webhook:redacted"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 {
		parts[len(parts)-1] = "***"
	}
	return u.Scheme + "://" + u.Host + "/" + strings.Join(parts, "/")
}

func scrub(msg, secret string) string {
	return strings.ReplaceAll(msg, secret, "webhook:redacted")
}
