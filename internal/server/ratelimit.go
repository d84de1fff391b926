package server

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Rate limit scopes.
const (
	ScopeMinute   = "minute"
	ScopeHour     = "hour"
	ScopeRequests = "requests_per_day"
	ScopeData     = "data_per_day"
)

// RateLimiter manages request rate limiting and daily quotas per client.
// Idle clients are evicted once their daily window has passed.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerMinute int
	requestsPerHour   int
	maxRequestsPerDay int
	maxDataPerDay     int64 // bytes

	clients *cache.Cache
	now     func() time.Time
}

// window is a fixed counting window.
type window struct {
	start time.Time
	count int64
}

func (w *window) roll(now time.Time, length time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= length {
		w.start = now
		w.count = 0
	}
}

// clientUsage tracks usage for one client.
type clientUsage struct {
	minute window
	hour   window
	day    window
	data   int64 // bytes uploaded in the current day
}

// NewRateLimiter creates a rate limiter with the given limits. Zero disables a limit.
func NewRateLimiter(requestsPerMinute, requestsPerHour, maxRequestsPerDay int, maxDataPerDay int64) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		requestsPerHour:   requestsPerHour,
		maxRequestsPerDay: maxRequestsPerDay,
		maxDataPerDay:     maxDataPerDay,
		clients:           cache.New(25*time.Hour, 30*time.Minute),
		now:               time.Now,
	}
}

// Allow records one request of dataSize bytes from client, or returns a
// *RateLimitError when a limit would be exceeded. Rejected requests are not counted.
func (rl *RateLimiter) Allow(client string, dataSize int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	usage := rl.usage(client)
	usage.minute.roll(now, time.Minute)
	usage.hour.roll(now, time.Hour)
	if !sameDay(usage.day.start, now) {
		usage.day = window{start: now}
		usage.data = 0
	}

	if err := rl.check(usage, dataSize, now); err != nil {
		return err
	}

	usage.minute.count++
	usage.hour.count++
	usage.day.count++
	usage.data += dataSize
	rl.clients.SetDefault(client, usage)
	return nil
}

func (rl *RateLimiter) check(u *clientUsage, dataSize int64, now time.Time) error {
	if rl.requestsPerMinute > 0 && u.minute.count >= int64(rl.requestsPerMinute) {
		return &RateLimitError{Scope: ScopeMinute, Limit: int64(rl.requestsPerMinute),
			RetryAfter: u.minute.start.Add(time.Minute).Sub(now)}
	}
	if rl.requestsPerHour > 0 && u.hour.count >= int64(rl.requestsPerHour) {
		return &RateLimitError{Scope: ScopeHour, Limit: int64(rl.requestsPerHour),
			RetryAfter: u.hour.start.Add(time.Hour).Sub(now)}
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	if rl.maxRequestsPerDay > 0 && u.day.count >= int64(rl.maxRequestsPerDay) {
		return &RateLimitError{Scope: ScopeRequests, Limit: int64(rl.maxRequestsPerDay),
			RetryAfter: midnight.Sub(now)}
	}
	if rl.maxDataPerDay > 0 && u.data+dataSize > rl.maxDataPerDay {
		return &RateLimitError{Scope: ScopeData, Limit: rl.maxDataPerDay,
			RetryAfter: midnight.Sub(now)}
	}
	return nil
}

func (rl *RateLimiter) usage(client string) *clientUsage {
	if v, ok := rl.clients.Get(client); ok {
		return v.(*clientUsage)
	}
	u := &clientUsage{}
	rl.clients.SetDefault(client, u)
	return u
}

// Usage reports the request count of client in the current minute, hour and day.
func (rl *RateLimiter) Usage(client string) (minute, hour, day int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.clients.Get(client)
	if !ok {
		return 0, 0, 0
	}
	u := v.(*clientUsage)
	return u.minute.count, u.hour.count, u.day.count
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// RateLimitError represents a rate limit or quota violation.
type RateLimitError struct {
	Scope      string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s limit %d), retry after %ds", e.Scope, e.Limit, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	return max(secs, 1)
}
