package kvstore

import (
	"context"
	"testing"
	"time"
)

func newTestMemory() (*Memory, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	m := &Memory{
		data:    make(map[string]memEntry),
		nowFunc: func() time.Time { return now },
		stop:    make(chan struct{}),
	}
	return m, &now
}

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := m.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("Get = (%q, %v), want (v, nil)", v, err)
	}

	if _, err := m.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMemory()

	m.Set(ctx, "k", "v", time.Minute)
	*now = now.Add(61 * time.Second)

	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("expired key should be gone, got %v", err)
	}
}

func TestMemory_SetNX(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMemory()

	ok, err := m.SetNX(ctx, "nonce", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = m.SetNX(ctx, "nonce", "1", time.Minute)
	if ok {
		t.Error("second SetNX must fail while key is live")
	}

	// After expiry the key is free again.
	*now = now.Add(2 * time.Minute)
	ok, _ = m.SetNX(ctx, "nonce", "1", time.Minute)
	if !ok {
		t.Error("SetNX should succeed after the old entry expired")
	}
}

func TestMemory_Incr(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMemory()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "c", time.Minute)
		if err != nil || n != i {
			t.Fatalf("Incr #%d = (%d, %v)", i, n, err)
		}
	}

	// TTL is anchored at creation: advancing past it resets the counter.
	*now = now.Add(2 * time.Minute)
	n, _ := m.Incr(ctx, "c", time.Minute)
	if n != 1 {
		t.Errorf("counter should reset after expiry, got %d", n)
	}
}

func TestMemory_Sweep(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMemory()

	m.Set(ctx, "old", "v", time.Second)
	m.Set(ctx, "keep", "v", time.Hour)
	*now = now.Add(time.Minute)
	m.sweep()

	m.mu.Lock()
	_, oldThere := m.data["old"]
	_, keepThere := m.data["keep"]
	m.mu.Unlock()
	if oldThere {
		t.Error("sweep should drop expired entries")
	}
	if !keepThere {
		t.Error("sweep must not drop live entries")
	}
}
