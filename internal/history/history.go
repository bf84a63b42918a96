// Package history keeps a durable log of analyzed meals so users can
// review past estimates and daily totals.
package history

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/snapcal-tech/snapcal/internal/vision"
)

// Meal is one logged analysis.
type Meal struct {
	ID            string                `json:"id"`
	Fingerprint   string                `json:"fingerprint"`
	Thumbnail     string                `json:"thumbnail,omitempty"`
	Result        vision.AnalysisResult `json:"result"`
	TotalCalories int                   `json:"total_calories"`
	Timestamp     time.Time             `json:"timestamp"`
}

// DailyTotal aggregates calories for one calendar day.
type DailyTotal struct {
	Date     string `json:"date"` // YYYY-MM-DD
	Meals    int    `json:"meals"`
	Calories int    `json:"calories"`
}

// Store is the meal history contract.
type Store interface {
	// Save records a meal. A zero ID is filled with a fresh one; a zero
	// Timestamp is filled with the current time. Returns the stored ID.
	Save(ctx context.Context, meal *Meal) (string, error)
	// List returns the most recent meals, newest first.
	List(ctx context.Context, limit int) ([]Meal, error)
	// Range returns meals between start and end inclusive, newest first.
	// Dates are YYYY-MM-DD; empty strings leave that bound open.
	Range(ctx context.Context, start, end string, limit int) ([]Meal, error)
	// DailyTotals aggregates calories per day over the same date range.
	DailyTotals(ctx context.Context, start, end string) ([]DailyTotal, error)
	// Delete removes one meal by ID.
	Delete(ctx context.Context, id string) error
	// Clear removes all meals.
	Clear(ctx context.Context) error
	// Close releases underlying resources.
	Close() error
}

// newMealID returns a random 16-hex-char identifier.
func newMealID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Degrade to a time-based ID rather than failing the save.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return hex.EncodeToString(b[:])
}
