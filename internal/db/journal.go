package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/discord-ipc/internal/util"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// DefaultMaxRows bounds each journal table when no limit is configured.
const DefaultMaxRows = 10000

// TransitionRecord is a persisted state change.
type TransitionRecord struct {
	ID      int64     `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// EventRecord is a persisted event.
type EventRecord struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Scope      string          `json:"scope,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Source is the part of a session the journal records from.
type Source interface {
	OnStateChange(fn func(discord.Transition))
	Tap() (*discord.Subscription, error)
	Unsubscribe(ctx context.Context, sub *discord.Subscription) error
}

// Journal keeps the most recent transitions and events of a session.
type Journal struct {
	db      *Database
	maxRows int
	logger  zerolog.Logger
}

// OpenJournal opens the database at path and creates the schema.
func OpenJournal(path string, maxRows int) (*Journal, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	j := &Journal{db: database, maxRows: maxRows, logger: util.ComponentLogger("journal")}
	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			at_ns INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			data TEXT,
			received_ns INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	if _, err := j.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	j.logger.Debug().Msg("journal schema migrated")
	return nil
}

// RecordTransition stores t and trims the table to the row limit.
func (j *Journal) RecordTransition(ctx context.Context, t discord.Transition) error {
	return j.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO transitions (from_state, to_state, attempt, reason, at_ns) VALUES (?, ?, ?, ?, ?)",
			t.From.String(), t.To.String(), t.Attempt, t.Reason(), t.At.UnixNano()); err != nil {
			return err
		}
		return j.prune(ctx, tx, "transitions")
	})
}

// RecordEvent stores ev and trims the table to the row limit.
func (j *Journal) RecordEvent(ctx context.Context, ev discord.Event) error {
	var data interface{}
	if len(ev.Data) > 0 {
		data = string(ev.Data)
	}
	return j.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (type, scope, data, received_ns) VALUES (?, ?, ?, ?)",
			string(ev.Type), ev.Scope, data, ev.ReceivedAt.UnixNano()); err != nil {
			return err
		}
		return j.prune(ctx, tx, "events")
	})
}

// table is one of the two fixed journal tables, never user input.
func (j *Journal) prune(ctx context.Context, tx *sql.Tx, table string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id <= (SELECT MAX(id) FROM %s) - ?", table, table),
		j.maxRows)
	return err
}

// RecentTransitions returns up to limit transitions, newest first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	rows, err := j.db.Query(ctx,
		"SELECT id, from_state, to_state, attempt, reason, at_ns FROM transitions ORDER BY id DESC LIMIT ?",
		clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var at int64
		if err := rows.Scan(&r.ID, &r.From, &r.To, &r.Attempt, &r.Reason, &at); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentEvents returns up to limit events, newest first. A non-empty
// eventType restricts the result to that type.
func (j *Journal) RecentEvents(ctx context.Context, eventType string, limit int) ([]EventRecord, error) {
	query := "SELECT id, type, scope, data, received_ns FROM events"
	args := []interface{}{}
	if eventType != "" {
		query += " WHERE type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := j.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var data sql.NullString
		var at int64
		if err := rows.Scan(&r.ID, &r.Type, &r.Scope, &data, &at); err != nil {
			return nil, err
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		r.ReceivedAt = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// Run records transitions and events from src until ctx is cancelled or
// the session shuts down.
func (j *Journal) Run(ctx context.Context, src Source) error {
	tap, err := src.Tap()
	if err != nil {
		return fmt.Errorf("failed to tap session events: %w", err)
	}

	// observers must not block, so transitions are queued to this loop
	transitions := make(chan discord.Transition, 64)
	stopped := make(chan struct{})
	defer close(stopped)
	src.OnStateChange(func(t discord.Transition) {
		select {
		case <-stopped:
		case transitions <- t:
		default:
			j.logger.Warn().Str("to", t.To.String()).Msg("journal queue full, dropping transition")
		}
	})

	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case t := <-transitions:
			if err := j.RecordTransition(writeCtx, t); err != nil {
				j.logger.Warn().Err(err).Msg("failed to record transition")
			}
		case ev, ok := <-tap.C():
			if !ok {
				return nil
			}
			if err := j.RecordEvent(writeCtx, ev); err != nil {
				j.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to record event")
			}
		case <-ctx.Done():
			unsubCtx, cancel := context.WithTimeout(writeCtx, time.Second)
			_ = src.Unsubscribe(unsubCtx, tap)
			cancel()
			return nil
		}
	}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
