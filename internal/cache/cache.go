// Package cache stores analysis results keyed by image fingerprint so a
// re-submitted photo skips the remote API. Entries expire after a fixed
// TTL and are evicted lazily on read.
package cache

import (
	"context"
	"time"

	"github.com/snapcal-tech/snapcal/internal/vision"
)

// DefaultTTL is how long a cached analysis stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is one cached analysis.
type Entry struct {
	Fingerprint string                `json:"fingerprint"`
	Result      vision.AnalysisResult `json:"result"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Stats summarizes store contents.
type Stats struct {
	Entries int       `json:"entries"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Newest  time.Time `json:"newest,omitempty"`
}

// Store is the cache contract. Get must treat an expired entry as a miss
// and remove it.
type Store interface {
	// Get returns the cached result for fingerprint, or ok=false on a
	// miss or expired entry.
	Get(ctx context.Context, fingerprint string) (result *vision.AnalysisResult, ok bool, err error)
	// Put stores or replaces the result for fingerprint.
	Put(ctx context.Context, fingerprint string, result *vision.AnalysisResult) error
	// Delete removes one entry; deleting a missing entry is not an error.
	Delete(ctx context.Context, fingerprint string) error
	// Purge removes all expired entries and reports how many were dropped.
	Purge(ctx context.Context) (int, error)
	// Clear removes everything.
	Clear(ctx context.Context) error
	// Stats reports entry counts and age range.
	Stats(ctx context.Context) (Stats, error)
	// Close releases underlying resources.
	Close() error
}
