package killswitch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for persistence. Suitable for
// single-instance deployments where switch state must survive restarts.
//
// The store uses WAL mode for better concurrent read performance. SQLite
// supports a single writer, so the connection pool is capped at one open
// connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kill_switches (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL UNIQUE,
		scope TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_value TEXT NOT NULL,
		client_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		active INTEGER NOT NULL,
		reason TEXT NOT NULL,
		activated_by TEXT NOT NULL,
		activated_ns INTEGER NOT NULL,
		auto_trip TEXT,
		created_ns INTEGER NOT NULL,
		updated_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kill_switches_active ON kill_switches(active);
	CREATE INDEX IF NOT EXISTS idx_kill_switches_client ON kill_switches(client_id);

	CREATE TABLE IF NOT EXISTS kill_switch_history (
		id TEXT PRIMARY KEY,
		switch_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL,
		at_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kill_switch_history_switch ON kill_switch_history(switch_id, at_ns);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, sw *Switch) error {
	autoTrip, err := marshalAutoTrip(sw.AutoTrip)
	if err != nil {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM kill_switches WHERE identity = ?`, sw.Identity()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check identity: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, sw.Identity())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kill_switches
			(id, identity, scope, target_type, target_value, client_id, platform,
			 active, reason, activated_by, activated_ns, auto_trip, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Identity(), string(sw.Scope), string(sw.TargetType), sw.TargetValue,
		sw.ClientID, sw.Platform, boolToInt(sw.Active), sw.Reason, sw.ActivatedBy,
		timeToNS(sw.ActivatedAt), autoTrip, timeToNS(sw.CreatedAt), timeToNS(sw.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Switch, error) {
	row := s.db.QueryRowContext(ctx, selectSwitch+` WHERE id = ?`, id)
	sw, err := scanSwitch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get switch: %w", err)
	}
	return sw, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sw *Switch) error {
	autoTrip, err := marshalAutoTrip(sw.AutoTrip)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kill_switches SET
			active = ?, reason = ?, activated_by = ?, activated_ns = ?,
			auto_trip = ?, updated_ns = ?
		WHERE id = ?`,
		boolToInt(sw.Active), sw.Reason, sw.ActivatedBy, timeToNS(sw.ActivatedAt),
		autoTrip, timeToNS(sw.UpdatedAt), sw.ID)
	if err != nil {
		return fmt.Errorf("failed to update switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sw.ID)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Switch, error) {
	query := selectSwitch + ` WHERE 1=1`
	var args []any
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(f.Scope))
	}
	if f.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	if f.TargetType != "" {
		query += ` AND target_type = ?`
		args = append(args, string(f.TargetType))
	}
	if f.TargetValue != "" {
		query += ` AND target_value = ?`
		args = append(args, f.TargetValue)
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_ns DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list switches: %w", err)
	}
	defer rows.Close()

	var out []*Switch
	for rows.Next() {
		sw, err := scanSwitch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan switch: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, rec *HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kill_switch_history (id, switch_id, action, actor, reason, at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SwitchID, string(rec.Action), rec.Actor, rec.Reason, rec.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, switchID string) ([]*HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, switch_id, action, actor, reason, at_ns
		FROM kill_switch_history WHERE switch_id = ? ORDER BY at_ns ASC`, switchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var action string
		var atNS int64
		if err := rows.Scan(&rec.ID, &rec.SwitchID, &action, &rec.Actor, &rec.Reason, &atNS); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		rec.Action = HistoryAction(action)
		rec.At = time.Unix(0, atNS)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectSwitch = `
	SELECT id, scope, target_type, target_value, client_id, platform,
	       active, reason, activated_by, activated_ns, auto_trip, created_ns, updated_ns
	FROM kill_switches`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSwitch(row scanner) (*Switch, error) {
	var sw Switch
	var scope, targetType string
	var active int
	var activatedNS, createdNS, updatedNS int64
	var autoTrip sql.NullString

	err := row.Scan(&sw.ID, &scope, &targetType, &sw.TargetValue, &sw.ClientID,
		&sw.Platform, &active, &sw.Reason, &sw.ActivatedBy, &activatedNS,
		&autoTrip, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}

	sw.Scope = Scope(scope)
	sw.TargetType = TargetType(targetType)
	sw.Active = active != 0
	if activatedNS != 0 {
		sw.ActivatedAt = time.Unix(0, activatedNS)
	}
	if createdNS != 0 {
		sw.CreatedAt = time.Unix(0, createdNS)
	}
	if updatedNS != 0 {
		sw.UpdatedAt = time.Unix(0, updatedNS)
	}

	if autoTrip.Valid && autoTrip.String != "" {
		var cfg AutoTripConfig
		if err := json.Unmarshal([]byte(autoTrip.String), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode auto-trip config: %w", err)
		}
		sw.AutoTrip = &cfg
	}
	return &sw, nil
}

func marshalAutoTrip(cfg *AutoTripConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode auto-trip config: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNS stores the zero time as 0 so it round-trips.
func timeToNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
