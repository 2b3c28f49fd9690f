package captcha

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a small circuit breaker around the provider call. When the
// provider keeps failing, the gate stops burning the verification timeout on
// every request and jumps straight to the fail-open verdict.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	successes        int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	nowFunc          func() time.Time
}

func newBreaker() *breaker {
	return &breaker{
		failureThreshold: 5,
		successThreshold: 2,
		cooldown:         30 * time.Second,
		nowFunc:          time.Now,
	}
}

// allow reports whether an outbound call should be attempted.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.cooldown {
			b.state = stateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default: // half-open: probe
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		b.failures = 0
	case stateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = stateClosed
			b.failures = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.nowFunc()
	switch b.state {
	case stateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = stateOpen
		}
	case stateHalfOpen:
		b.state = stateOpen
	}
}
