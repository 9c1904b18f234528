package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for persistence. Suitable for
// single-instance deployments where limit state must survive restarts.
//
// The store uses WAL mode for better concurrent read performance. SQLite
// supports a single writer, so the connection pool is capped at one open
// connection.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite-backed store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{
		DBPath:      dbPath,
		BusyTimeout: 5 * time.Second,
	})
}

// NewSQLiteStoreWithConfig creates a SQLite-backed store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

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
	CREATE TABLE IF NOT EXISTS limit_entries (
		key TEXT NOT NULL,
		at_ns INTEGER NOT NULL,
		cost INTEGER NOT NULL,
		expires_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_limit_entries_key_at ON limit_entries(key, at_ns);
	CREATE INDEX IF NOT EXISTS idx_limit_entries_expires ON limit_entries(expires_ns);

	CREATE TABLE IF NOT EXISTS limit_buckets (
		key TEXT PRIMARY KEY,
		tokens INTEGER NOT NULL,
		last_refill_ns INTEGER NOT NULL,
		updated_ns INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddEntry appends a timestamped entry and refreshes the key's expiry.
func (s *SQLiteStore) AddEntry(ctx context.Context, key string, at time.Time, cost int64, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	expires := time.Now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO limit_entries (key, at_ns, cost, expires_ns) VALUES (?, ?, ?, ?)`,
		key, at.UnixNano(), cost, expires)
	if err != nil {
		return fmt.Errorf("failed to add entry: %w", err)
	}

	// Keep the expiry of existing rows in step with the refreshed key.
	_, err = s.db.ExecContext(ctx,
		`UPDATE limit_entries SET expires_ns = ? WHERE key = ?`, expires, key)
	if err != nil {
		return fmt.Errorf("failed to refresh expiry: %w", err)
	}
	return nil
}

// CountSince sums entry costs at or after since.
func (s *SQLiteStore) CountSince(ctx context.Context, key string, since time.Time) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM limit_entries WHERE key = ? AND at_ns >= ?`,
		key, since.UnixNano()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	if !sum.Valid {
		return 0, nil
	}
	return sum.Int64, nil
}

// OldestSince returns the oldest entry timestamp at or after since.
func (s *SQLiteStore) OldestSince(ctx context.Context, key string, since time.Time) (time.Time, bool, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(at_ns) FROM limit_entries WHERE key = ? AND at_ns >= ?`,
		key, since.UnixNano()).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query oldest entry: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, oldest.Int64), true, nil
}

// TrimBefore removes entries older than cutoff.
func (s *SQLiteStore) TrimBefore(ctx context.Context, key string, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM limit_entries WHERE key = ? AND at_ns < ?`,
		key, cutoff.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to trim entries: %w", err)
	}
	return nil
}

// LoadBucket returns the bucket state for key, or nil if unseen.
func (s *SQLiteStore) LoadBucket(ctx context.Context, key string) (*BucketState, error) {
	var tokens, lastRefill int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens, last_refill_ns FROM limit_buckets WHERE key = ?`,
		key).Scan(&tokens, &lastRefill)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bucket: %w", err)
	}
	return &BucketState{
		Tokens:     tokens,
		LastRefill: time.Unix(0, lastRefill),
	}, nil
}

// SaveBucket persists the bucket state for key.
func (s *SQLiteStore) SaveBucket(ctx context.Context, key string, state *BucketState) error {
	if state == nil {
		return fmt.Errorf("bucket state cannot be nil")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_buckets (key, tokens, last_refill_ns, updated_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill_ns = excluded.last_refill_ns,
			updated_ns = excluded.updated_ns`,
		key, state.Tokens, state.LastRefill.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save bucket: %w", err)
	}
	return nil
}

// DeleteKey removes all state for key.
func (s *SQLiteStore) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limit_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limit_buckets WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	return nil
}

// DeletePrefix removes all state for keys with the given prefix.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeLike(prefix) + "%"

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM limit_entries WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	entries, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM limit_buckets WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to delete buckets: %w", err)
	}
	buckets, _ := res.RowsAffected()

	return int(entries + buckets), nil
}

// Cleanup removes expired entries. Intended to be called periodically by a
// scheduler; not part of the hot path.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM limit_entries WHERE expires_ns < ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
