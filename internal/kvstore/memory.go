package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process Store implementation. A janitor goroutine sweeps
// expired entries so memory stays bounded even for keys that are never read
// again.
type Memory struct {
	mu      sync.Mutex
	data    map[string]memEntry
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates a Memory store and starts its sweep janitor.
func NewMemory() *Memory {
	m := &Memory{
		data:    make(map[string]memEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go m.janitor(defaultSweepInterval)
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.data[key]
	if !ok || en.expired(m.nowFunc()) {
		delete(m.data, key)
		return "", ErrNotFound
	}
	return en.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if en, ok := m.data[key]; ok && !en.expired(m.nowFunc()) {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if en, ok := m.data[key]; ok && !en.expired(m.nowFunc()) {
		n, _ = strconv.ParseInt(en.value, 10, 64)
		n++
		// TTL sticks from creation; the counter window does not slide.
		m.data[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: en.expiresAt}
		return n, nil
	}
	n = 1
	m.data[key] = memEntry{value: "1", expiresAt: m.expiry(ttl)}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.nowFunc().Add(ttl)
}

func (m *Memory) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	for k, en := range m.data {
		if en.expired(now) {
			delete(m.data, k)
		}
	}
}
