package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	client_id  TEXT NOT NULL DEFAULT '',
	actor_id   TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL DEFAULT '',
	resource   TEXT NOT NULL DEFAULT '',
	platform   TEXT NOT NULL DEFAULT '',
	effect     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	at_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at_ns);
CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_id, at_ns);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type, at_ns);
`

// SQLiteLog persists audit events to a local SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (and migrates) the audit database at path.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Emit(ctx context.Context, ev *Event) error {
	details := "{}"
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encoding event details: %w", err)
		}
		details = string(raw)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, type, client_id, actor_id, action, resource, platform, effect, reason, request_id, details, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.ClientID, ev.ActorID, ev.Action, ev.Resource,
		ev.Platform, string(ev.Effect), ev.Reason, ev.RequestID, details, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Query(ctx context.Context, q Query) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "at_ns <= ?")
		args = append(args, q.Until.UnixNano())
	}

	query := "SELECT id, type, client_id, actor_id, action, resource, platform, effect, reason, request_id, details, at_ns FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at_ns DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev      Event
			typ     string
			effect  string
			details string
			atNS    int64
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.ClientID, &ev.ActorID, &ev.Action, &ev.Resource,
			&ev.Platform, &effect, &ev.Reason, &ev.RequestID, &details, &atNS); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Effect = policy.Effect(effect)
		ev.At = time.Unix(0, atNS).UTC()
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("decoding event details: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE at_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	return res.RowsAffected()
}

func (l *SQLiteLog) Close() error { return l.db.Close() }
