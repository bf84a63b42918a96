package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapcal-tech/snapcal/internal/vision"
)

// SQLiteStore is a durable cache backed by a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the cache database at dbPath.
// ttl <= 0 selects DefaultTTL.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS analysis_cache (
        fingerprint TEXT PRIMARY KEY,
        result      TEXT NOT NULL,
        created_at  DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_analysis_cache_created_at ON analysis_cache(created_at);
    `
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements Store. Expired entries are deleted on the way out.
func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*vision.AnalysisResult, bool, error) {
	var resultJSON, createdAtStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT result, created_at FROM analysis_cache WHERE fingerprint = ?",
		fingerprint).Scan(&resultJSON, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse created_at: %w", err)
	}
	// Entries are valid strictly within the TTL; exactly-TTL-old is stale.
	if s.now().Sub(createdAt) >= s.ttl {
		if err := s.Delete(ctx, fingerprint); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	var result vision.AnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &result, true, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, fingerprint string, result *vision.AnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_cache (fingerprint, result, created_at) VALUES (?, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET result = excluded.result, created_at = excluded.created_at`,
		fingerprint, string(data), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM analysis_cache WHERE fingerprint = ?", fingerprint); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM analysis_cache WHERE created_at <= ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged rows: %w", err)
	}
	return int(n), nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM analysis_cache"); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM analysis_cache").
		Scan(&st.Entries, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query cache stats: %w", err)
	}
	if oldest.Valid {
		if st.Oldest, err = time.Parse(time.RFC3339, oldest.String); err != nil {
			return Stats{}, fmt.Errorf("failed to parse oldest: %w", err)
		}
	}
	if newest.Valid {
		if st.Newest, err = time.Parse(time.RFC3339, newest.String); err != nil {
			return Stats{}, fmt.Errorf("failed to parse newest: %w", err)
		}
	}
	return st, nil
}
