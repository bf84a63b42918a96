package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter throttles photo analysis per client: short-window request
// rates plus daily quotas on request count and uploaded photo bytes.
// Remote analysis is slow and metered, so the server refuses work early
// rather than queueing it.
type RateLimiter struct {
	mu sync.Mutex

	perMinute int
	perHour   int

	dailyRequests int
	dailyBytes    int64

	clients map[string]*clientUsage
}

// clientUsage tracks one client's consumption across the three horizons.
type clientUsage struct {
	minute window
	hour   window

	day         time.Time // midnight the daily counters started
	requests    int       // analyses since day start
	uploadBytes int64     // photo bytes since day start
}

// window is a fixed-width counting window.
type window struct {
	start time.Time
	count int
}

// roll resets the window once span has elapsed since it opened.
func (w *window) roll(now time.Time, span time.Duration) {
	if now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
}

// Usage is a client's daily consumption snapshot.
type Usage struct {
	Requests    int   `json:"requests"`
	UploadBytes int64 `json:"upload_bytes"`
}

// NewRateLimiter creates a rate limiter. A zero value disables the
// corresponding limit; dailyBytes is in bytes.
func NewRateLimiter(perMinute, perHour, dailyRequests int, dailyBytes int64) *RateLimiter {
	return &RateLimiter{
		perMinute:     perMinute,
		perHour:       perHour,
		dailyRequests: dailyRequests,
		dailyBytes:    dailyBytes,
		clients:       make(map[string]*clientUsage),
	}
}

// Allow decides whether clientID may submit another photo of uploadBytes
// bytes, and records the submission when so.
func (rl *RateLimiter) Allow(clientID string, uploadBytes int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	u := rl.clients[clientID]
	if u == nil {
		u = &clientUsage{
			minute: window{start: now},
			hour:   window{start: now},
			day:    dayStart(now),
		}
		rl.clients[clientID] = u
	}

	u.minute.roll(now, time.Minute)
	u.hour.roll(now, time.Hour)
	if day := dayStart(now); day.After(u.day) {
		u.day = day
		u.requests = 0
		u.uploadBytes = 0
	}

	if rl.perMinute > 0 && u.minute.count >= rl.perMinute {
		return &RateLimitError{
			Window:     "minute",
			Limit:      rl.perMinute,
			RetryAfter: time.Minute - now.Sub(u.minute.start),
		}
	}
	if rl.perHour > 0 && u.hour.count >= rl.perHour {
		return &RateLimitError{
			Window:     "hour",
			Limit:      rl.perHour,
			RetryAfter: time.Hour - now.Sub(u.hour.start),
		}
	}
	if rl.dailyRequests > 0 && u.requests >= rl.dailyRequests {
		return &QuotaExceededError{
			Quota:  "requests",
			Limit:  int64(rl.dailyRequests),
			Used:   int64(u.requests),
			Resets: u.day.AddDate(0, 0, 1),
		}
	}
	if rl.dailyBytes > 0 && u.uploadBytes+uploadBytes > rl.dailyBytes {
		return &QuotaExceededError{
			Quota:  "data",
			Limit:  rl.dailyBytes,
			Used:   u.uploadBytes,
			Resets: u.day.AddDate(0, 0, 1),
		}
	}

	u.minute.count++
	u.hour.count++
	u.requests++
	u.uploadBytes += uploadBytes
	return nil
}

// Usage returns clientID's consumption for the current day.
func (rl *RateLimiter) Usage(clientID string) Usage {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if u := rl.clients[clientID]; u != nil {
		return Usage{Requests: u.requests, UploadBytes: u.uploadBytes}
	}
	return Usage{}
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// RateLimitError reports a short-window rate violation.
type RateLimitError struct {
	Window     string        // "minute" or "hour"
	Limit      int           // requests allowed per window
	RetryAfter time.Duration // time until the window rolls
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Window, e.Limit, e.RetryAfter)
}

// QuotaExceededError reports a daily quota violation.
type QuotaExceededError struct {
	Quota  string    // "requests" or "data"
	Limit  int64     // the quota ceiling
	Used   int64     // consumption so far today
	Resets time.Time // next midnight
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded (used: %d, limit: %d, resets: %s)",
		e.Quota, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}
