package webhook

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRateLimit is the fallback maximum number of deliveries per
	// endpoint in a window.
	DefaultRateLimit = 60

	defaultRateWindow = time.Minute
	defaultRateTTL    = 5 * time.Minute
	defaultRateCap    = 4096
)

// RateLimiter bounds deliveries per endpoint across rolling windows while
// keeping memory bounded. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[uuid.UUID]rateWindow

	window time.Duration
	ttl    time.Duration
	cap    int
}

type rateWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// RateLimiterOption configures a RateLimiter instance.
type RateLimiterOption func(*RateLimiter)

// NewRateLimiter constructs a rate limiter with sensible defaults.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[uuid.UUID]rateWindow),
		window:  defaultRateWindow,
		ttl:     defaultRateTTL,
		cap:     defaultRateCap,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.window <= 0 {
		rl.window = defaultRateWindow
	}
	if rl.ttl < 0 {
		rl.ttl = 0
	}
	if rl.cap < 0 {
		rl.cap = 0
	}
	return rl
}

// WithRateWindow overrides the rolling window duration.
func WithRateWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.window = d }
}

// WithRateTTL overrides the TTL after which idle endpoint windows are evicted.
func WithRateTTL(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.ttl = d }
}

// WithRateCap sets the maximum number of tracked endpoints.
func WithRateCap(cap int) RateLimiterOption {
	return func(rl *RateLimiter) { rl.cap = cap }
}

// Allow reports whether the endpoint can proceed within the provided limit.
// Limits less than or equal to zero fall back to DefaultRateLimit.
func (rl *RateLimiter) Allow(id uuid.UUID, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	state := rl.windows[id]
	if state.windowStart.IsZero() {
		state.windowStart = now
	}
	if now.Sub(state.windowStart) >= rl.window {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		state.lastSeen = now
		rl.windows[id] = state
		return false
	}
	state.count++
	state.lastSeen = now
	rl.windows[id] = state

	if rl.cap > 0 && len(rl.windows) > rl.cap {
		rl.enforceCapLocked()
	}
	return true
}

// ResetAt returns when the endpoint's current window rolls over.
func (rl *RateLimiter) ResetAt(id uuid.UUID, now time.Time) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	state := rl.windows[id]
	if state.windowStart.IsZero() {
		state.windowStart = now
	}
	state.lastSeen = now
	rl.windows[id] = state

	if rl.cap > 0 && len(rl.windows) > rl.cap {
		rl.enforceCapLocked()
	}
	return state.windowStart.Add(rl.window)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	if rl.ttl > 0 {
		for id, state := range rl.windows {
			if now.Sub(state.lastSeen) > rl.ttl {
				delete(rl.windows, id)
			}
		}
	}
	if rl.cap > 0 && len(rl.windows) > rl.cap {
		rl.enforceCapLocked()
	}
}

func (rl *RateLimiter) enforceCapLocked() {
	if rl.cap <= 0 || len(rl.windows) <= rl.cap {
		return
	}
	type entry struct {
		id       uuid.UUID
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(rl.windows))
	for id, state := range rl.windows {
		entries = append(entries, entry{id: id, lastSeen: state.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(rl.windows) - rl.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(rl.windows, entries[i].id)
	}
}
