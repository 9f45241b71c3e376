// Package store persists ingested killmails to SQLite. The poller is the
// only writer; profile workers read concurrently, which WAL mode allows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/guarzo/eve-killwatch/internal/killmail"
)

// Schema for the events table. Applied on Open.
//
// seq is the stable read cursor: workers page by it so two events ingested
// in the same second never reorder between polls. killmail_id is the global
// dedup key.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	killmail_id INTEGER NOT NULL UNIQUE,
	system_id   INTEGER NOT NULL,
	score       REAL    NOT NULL,
	total_value REAL    NOT NULL,
	ingested_at INTEGER NOT NULL,
	data        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ingested ON events(ingested_at);
`

// Event is one stored killmail with its ingest bookkeeping.
type Event struct {
	Seq        int64
	Score      float64
	IngestedAt time.Time
	Killmail   *killmail.Killmail
}

// Store wraps the events database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the events database at path and applies
// the schema. The DSN pragmas put SQLite in WAL mode so reads do not block
// the writer.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping events db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply events schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Has reports whether a killmail id is already stored. The poller uses it
// to skip enrichment for events it has seen before.
func (s *Store) Has(ctx context.Context, killmailID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE killmail_id = ?`, killmailID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup killmail %d: %w", killmailID, err)
	}
	return true, nil
}

// Insert stores an enriched killmail. Duplicate ids are a silent no-op;
// the returned bool is false when the row already existed.
func (s *Store) Insert(ctx context.Context, km *killmail.Killmail, score float64, ingestedAt time.Time) (bool, error) {
	data, err := json.Marshal(km)
	if err != nil {
		return false, fmt.Errorf("encode killmail %d: %w", km.KillmailID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (killmail_id, system_id, score, total_value, ingested_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		km.KillmailID, km.SolarSystemID, score, km.TotalValue(), ingestedAt.Unix(), string(data))
	if err != nil {
		return false, fmt.Errorf("insert killmail %d: %w", km.KillmailID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert killmail %d: %w", km.KillmailID, err)
	}
	return n > 0, nil
}

// EventsSince returns events ingested strictly after since, ordered by seq.
// limit <= 0 means no limit.
func (s *Store) EventsSince(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT seq, score, ingested_at, data FROM events
		 WHERE ingested_at > ? ORDER BY seq LIMIT ?`, since.Unix(), normalizeLimit(limit))
}

// EventsAfter returns events with seq strictly greater than after, ordered by
// seq. Timestamps have second granularity, so readers paginating through a
// large batch key on seq instead of time.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT seq, score, ingested_at, data FROM events
		 WHERE seq > ? ORDER BY seq LIMIT ?`, after, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			ingested int64
			data     string
		)
		if err := rows.Scan(&ev.Seq, &ev.Score, &ingested, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.IngestedAt = time.Unix(ingested, 0).UTC()
		ev.Killmail = &killmail.Killmail{}
		if err := json.Unmarshal([]byte(data), ev.Killmail); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// PruneBefore deletes events ingested before the cutoff and reports how
// many rows went away.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE ingested_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

// Count returns the number of stored events, for the status endpoint.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
