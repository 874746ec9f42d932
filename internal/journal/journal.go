// Package journal persists bus events to SQLite so a session can be
// audited or replayed after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/events"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// Entry is one stored event
type Entry struct {
	Seq       int64            `json:"seq"`
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

// Journal is an append-only event log backed by SQLite
type Journal struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the journal at path. Use ":memory:" for a
// throwaway journal.
func Open(logger *zap.Logger, path string) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{logger: logger.Named("journal"), db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.GetType(), err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, ts, payload) VALUES (?, ?, ?, ?)`,
		e.GetID(), string(e.GetType()), e.GetTimestamp().UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.GetID(), err)
	}
	return nil
}

// Attach records every event published on bus. Failures are logged and
// counted by the bus, never returned to the publisher.
func (j *Journal) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(func(e events.Event) error {
		if err := j.Record(context.Background(), e); err != nil {
			j.logger.Error("Failed to journal event", zap.String("eventId", e.GetID()), zap.Error(err))
			return err
		}
		return nil
	})
}

// Events returns stored events in insertion order. An empty eventType
// returns all types; limit <= 0 returns everything.
func (j *Journal) Events(ctx context.Context, eventType events.EventType, limit int) ([]Entry, error) {
	query := `SELECT seq, event_id, event_type, ts, payload FROM events`
	var args []interface{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			typ     string
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Type = events.EventType(typ)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count journal: %w", err)
	}
	return n, nil
}
