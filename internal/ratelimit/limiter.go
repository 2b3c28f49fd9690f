// Package ratelimit tracks attempt counts per (action, client identifier)
// across multiple sliding windows, with blacklist/whitelist override.
//
// The window is a plain timestamp list, not fixed buckets: the count of
// attempts within the trailing window is always exact at the boundary, at the
// cost of O(attempts) memory per identifier, bounded by the periodic sweep of
// entries older than the longest configured window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"abusegate/internal/kvstore"
	"abusegate/internal/metrics"
)

const (
	blacklistPrefix = "rl:blacklist:"
	whitelistPrefix = "rl:whitelist:"
)

// Window is one max-attempts-per-duration constraint.
type Window struct {
	MaxAttempts int
	Seconds     int
}

type Limiter struct {
	mu       sync.Mutex
	attempts map[string][]int64 // action|id -> ascending unix timestamps

	tables  map[string][]Window // per action; "default" is the fallback
	longest int64               // retention horizon, seconds

	store   kvstore.Store // blacklist/whitelist entries, shared across instances
	log     zerolog.Logger
	nowFunc func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewLimiter builds a limiter over the given per-action tables and starts the
// eviction sweeper. The store holds blacklist/whitelist entries so
// administrative overrides replicate across instances.
func NewLimiter(tables map[string][]Window, store kvstore.Store, sweepInterval time.Duration, log zerolog.Logger) *Limiter {
	var longest int64
	for _, windows := range tables {
		for _, w := range windows {
			if int64(w.Seconds) > longest {
				longest = int64(w.Seconds)
			}
		}
	}
	if longest == 0 {
		longest = 86400
	}
	l := &Limiter{
		attempts: make(map[string][]int64),
		tables:   tables,
		longest:  longest,
		store:    store,
		log:      log,
		nowFunc:  time.Now,
		stop:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go l.sweeper(sweepInterval)
	}
	return l
}

// Check evaluates every configured window for the action; all must pass.
// Whitelisted identifiers always pass, blacklisted ones always fail.
func (l *Limiter) Check(ctx context.Context, action, id string) bool {
	if l.IsWhitelisted(ctx, id) {
		return true
	}
	if l.IsBlacklisted(ctx, id) {
		metrics.RateLimitHits.WithLabelValues(action).Inc()
		return false
	}
	now := l.nowFunc().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windowsFor(action) {
		if l.countSinceLocked(action, id, now-int64(w.Seconds)) >= w.MaxAttempts {
			metrics.RateLimitHits.WithLabelValues(action).Inc()
			return false
		}
	}
	return true
}

// CheckWindow is the explicit single-window form.
func (l *Limiter) CheckWindow(ctx context.Context, action, id string, maxAttempts, windowSeconds int) bool {
	if l.IsWhitelisted(ctx, id) {
		return true
	}
	if l.IsBlacklisted(ctx, id) {
		metrics.RateLimitHits.WithLabelValues(action).Inc()
		return false
	}
	now := l.nowFunc().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.countSinceLocked(action, id, now-int64(windowSeconds)) >= maxAttempts {
		metrics.RateLimitHits.WithLabelValues(action).Inc()
		return false
	}
	return true
}

// Record appends the current instant to the identifier's attempt list. Call
// it only after a passing Check, when the guarded operation actually
// proceeds; recording on unrelated validation failures would double-count.
func (l *Limiter) Record(action, id string) {
	now := l.nowFunc().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	key := action + "|" + id
	l.attempts[key] = append(l.attempts[key], now)
}

// RemainingAttempts reports how many attempts the tightest window still
// allows. Zero means the next Check fails.
func (l *Limiter) RemainingAttempts(ctx context.Context, action, id string) int {
	if l.IsWhitelisted(ctx, id) {
		return int(^uint(0) >> 1)
	}
	if l.IsBlacklisted(ctx, id) {
		return 0
	}
	now := l.nowFunc().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := int(^uint(0) >> 1)
	for _, w := range l.windowsFor(action) {
		left := w.MaxAttempts - l.countSinceLocked(action, id, now-int64(w.Seconds))
		if left < 0 {
			left = 0
		}
		if left < remaining {
			remaining = left
		}
	}
	return remaining
}

// RetryAfter reports how long until every window passes again: for each
// saturated window, the moment its oldest counted attempt ages out. Zero
// means the identifier may retry now.
func (l *Limiter) RetryAfter(ctx context.Context, action, id string) time.Duration {
	if l.IsWhitelisted(ctx, id) {
		return 0
	}
	now := l.nowFunc().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	var wait int64
	key := action + "|" + id
	ts := l.attempts[key]
	for _, w := range l.windowsFor(action) {
		cutoff := now - int64(w.Seconds)
		inWindow := ts[firstAfter(ts, cutoff):]
		if len(inWindow) < w.MaxAttempts {
			continue
		}
		// The attempt that must age out for the window to open again.
		blocker := inWindow[len(inWindow)-w.MaxAttempts]
		if until := blocker + int64(w.Seconds) - now; until > wait {
			wait = until
		}
	}
	return time.Duration(wait) * time.Second
}

// AddToBlacklist rejects the identifier from all gate checks until the
// duration elapses.
func (l *Limiter) AddToBlacklist(ctx context.Context, id string, d time.Duration) error {
	l.log.Warn().Str("identifier", id).Dur("duration", d).Msg("identifier blacklisted")
	return l.store.Set(ctx, blacklistPrefix+id, "1", d)
}

// AddToWhitelist exempts the identifier from rate limiting (and CSRF checks
// at the gate, see the middleware) with no expiry.
func (l *Limiter) AddToWhitelist(ctx context.Context, id string) error {
	l.log.Info().Str("identifier", id).Msg("identifier whitelisted")
	return l.store.Set(ctx, whitelistPrefix+id, "1", 0)
}

func (l *Limiter) RemoveFromWhitelist(ctx context.Context, id string) error {
	return l.store.Delete(ctx, whitelistPrefix+id)
}

func (l *Limiter) IsBlacklisted(ctx context.Context, id string) bool {
	_, err := l.store.Get(ctx, blacklistPrefix+id)
	if err != nil && err != kvstore.ErrNotFound {
		l.log.Error().Err(err).Msg("blacklist lookup failed")
	}
	return err == nil
}

func (l *Limiter) IsWhitelisted(ctx context.Context, id string) bool {
	_, err := l.store.Get(ctx, whitelistPrefix+id)
	return err == nil
}

// Close stops the sweeper.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) windowsFor(action string) []Window {
	if w, ok := l.tables[action]; ok {
		return w
	}
	return l.tables["default"]
}

func (l *Limiter) countSinceLocked(action, id string, cutoff int64) int {
	ts := l.attempts[action+"|"+id]
	return len(ts) - firstAfter(ts, cutoff)
}

// firstAfter returns the index of the first timestamp strictly newer than
// cutoff; timestamps are appended in order so a linear scan from the front
// suffices and is usually short.
func firstAfter(ts []int64, cutoff int64) int {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	return i
}

func (l *Limiter) sweeper(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// Sweep drops attempts older than the retention horizon. Copy-on-sweep per
// key so concurrent Record calls never observe a half-trimmed list.
func (l *Limiter) Sweep() {
	cutoff := l.nowFunc().Unix() - l.longest
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, ts := range l.attempts {
		i := firstAfter(ts, cutoff)
		if i == 0 {
			continue
		}
		if i == len(ts) {
			delete(l.attempts, key)
			continue
		}
		trimmed := make([]int64, len(ts)-i)
		copy(trimmed, ts[i:])
		l.attempts[key] = trimmed
	}
}
