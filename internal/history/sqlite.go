package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapcal-tech/snapcal/internal/vision"
)

// SQLiteStore is the durable meal history.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the history database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS meals (
        id             TEXT PRIMARY KEY,
        fingerprint    TEXT NOT NULL,
        thumbnail      TEXT NOT NULL DEFAULT '',
        result         TEXT NOT NULL,
        total_calories INTEGER NOT NULL,
        timestamp      DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_meals_timestamp ON meals(timestamp);
    CREATE INDEX IF NOT EXISTS idx_meals_fingerprint ON meals(fingerprint);
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

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, meal *Meal) (string, error) {
	if meal.ID == "" {
		meal.ID = newMealID()
	}
	if meal.Timestamp.IsZero() {
		meal.Timestamp = s.now()
	}
	if meal.TotalCalories == 0 {
		meal.TotalCalories = meal.Result.TotalCalories
	}

	resultJSON, err := json.Marshal(meal.Result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meals (id, fingerprint, thumbnail, result, total_calories, timestamp)
         VALUES (?, ?, ?, ?, ?, ?)`,
		meal.ID, meal.Fingerprint, meal.Thumbnail, string(resultJSON),
		meal.TotalCalories, meal.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to insert meal: %w", err)
	}
	return meal.ID, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Meal, error) {
	return s.Range(ctx, "", "", limit)
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, start, end string, limit int) ([]Meal, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
        SELECT id, fingerprint, thumbnail, result, total_calories, timestamp
        FROM meals
        WHERE 1=1
    `
	args := []any{}
	if start != "" {
		query += " AND DATE(timestamp) >= ?"
		args = append(args, start)
	}
	if end != "" {
		query += " AND DATE(timestamp) <= ?"
		args = append(args, end)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var meals []Meal
	for rows.Next() {
		var m Meal
		var resultJSON, timestampStr string
		if err := rows.Scan(&m.ID, &m.Fingerprint, &m.Thumbnail, &resultJSON,
			&m.TotalCalories, &timestampStr); err != nil {
			return nil, fmt.Errorf("failed to scan meal: %w", err)
		}
		if m.Timestamp, err = time.Parse(time.RFC3339, timestampStr); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		var result vision.AnalysisResult
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			return nil, fmt.Errorf("failed to decode result for meal %s: %w", m.ID, err)
		}
		m.Result = result
		meals = append(meals, m)
	}
	return meals, rows.Err()
}

// DailyTotals implements Store.
func (s *SQLiteStore) DailyTotals(ctx context.Context, start, end string) ([]DailyTotal, error) {
	query := `
        SELECT DATE(timestamp), COUNT(*), SUM(total_calories)
        FROM meals
        WHERE 1=1
    `
	args := []any{}
	if start != "" {
		query += " AND DATE(timestamp) >= ?"
		args = append(args, start)
	}
	if end != "" {
		query += " AND DATE(timestamp) <= ?"
		args = append(args, end)
	}
	query += " GROUP BY DATE(timestamp) ORDER BY DATE(timestamp) DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totals []DailyTotal
	for rows.Next() {
		var t DailyTotal
		if err := rows.Scan(&t.Date, &t.Meals, &t.Calories); err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM meals WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM meals"); err != nil {
		return fmt.Errorf("failed to clear meals: %w", err)
	}
	return nil
}
