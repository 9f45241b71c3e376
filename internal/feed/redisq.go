package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/killmail"
)

const queueIDFile = "redisq_queue_id"

// RedisQOptions configures the long-poll source.
type RedisQOptions struct {
	URL       string
	UserAgent string
	// DataDir holds the persisted queue id so restarts keep the same
	// consumer identity and RedisQ resumes instead of replaying.
	DataDir string
	// TTW is the server-side wait in seconds when the queue is empty.
	TTW        int
	HTTPClient *http.Client
}

// RedisQ is the zKillboard RedisQ long-poll source. One GET per Next; an
// empty poll returns a nil batch.
type RedisQ struct {
	log     *logrus.Logger
	url     string
	ua      string
	queueID string
	ttw     int
	http    *http.Client
}

// NewRedisQ builds the source, generating and persisting the queue id on
// first run.
func NewRedisQ(log *logrus.Logger, opts RedisQOptions) (*RedisQ, error) {
	if opts.TTW <= 0 {
		opts.TTW = 10
	}
	if opts.HTTPClient == nil {
		// The server holds the poll open for up to ttw seconds, so the
		// client timeout has to sit above it.
		opts.HTTPClient = &http.Client{Timeout: time.Duration(opts.TTW+20) * time.Second}
	}
	queueID, err := loadQueueID(opts.DataDir)
	if err != nil {
		return nil, err
	}
	return &RedisQ{
		log:     log,
		url:     opts.URL,
		ua:      opts.UserAgent,
		queueID: queueID,
		ttw:     opts.TTW,
		http:    opts.HTTPClient,
	}, nil
}

func loadQueueID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, queueIDFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read queue id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist queue id: %w", err)
	}
	return id, nil
}

// redisQPackage is the RedisQ response envelope. A null package means the
// poll window lapsed with nothing queued.
type redisQPackage struct {
	Package *struct {
		KillID   int64              `json:"killID"`
		Killmail *killmail.Killmail `json:"killmail"`
		ZKB      killmail.ZKB       `json:"zkb"`
	} `json:"package"`
}

// Next performs one long poll. The batch holds at most one killmail.
func (q *RedisQ) Next(ctx context.Context) ([]*killmail.Killmail, error) {
	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", q.url, q.queueID, q.ttw)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if q.ua != "" {
		req.Header.Set("User-Agent", q.ua)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redisq poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("redisq poll: status %d", resp.StatusCode)
	}

	var body redisQPackage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("redisq decode: %w", err)
	}
	if body.Package == nil {
		return nil, nil
	}

	km := body.Package.Killmail
	if km == nil {
		km = &killmail.Killmail{}
	}
	if km.KillmailID == 0 {
		km.KillmailID = body.Package.KillID
	}
	km.ZKB = body.Package.ZKB
	q.log.Debugf("redisq package: kill %d system %d", km.KillmailID, km.SolarSystemID)
	return []*killmail.Killmail{km}, nil
}

// Close is a no-op; each poll is a standalone request.
func (q *RedisQ) Close() error {
	return nil
}
