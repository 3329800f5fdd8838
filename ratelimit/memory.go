package ratelimit

import (
	"context"
	"sync"
	"time"
)

// minWait bounds how often a blocked Acquire rechecks its bucket.
const minWait = 5 * time.Millisecond

// bucket is a token bucket refilled continuously at capacity per window.
type bucket struct {
	capacity   int
	tokens     float64
	window     time.Duration
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// wait returns how long until the next whole token.
func (b *bucket) wait() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	d := time.Duration(missing * float64(b.window) / float64(b.capacity))
	if d < minWait {
		d = minWait
	}
	return d
}

// MemoryLimiter keeps its buckets in process. It is safe for concurrent
// use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	now     func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetCapacity configures resource. A new bucket starts full; an existing
// one keeps its tokens, clipped to the new capacity.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.now()
	if b, ok := m.buckets[resource]; ok {
		b.refill(now)
		b.capacity = capacity
		b.window = window
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		window:     window,
		lastRefill: now,
	}
}

// GetCapacity returns a snapshot of resource, or nil.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.now())
	return &Capacity{
		Resource:  resource,
		Available: int(b.tokens),
		Total:     b.capacity,
		Window:    b.window,
	}
}

// TryAcquire takes a token if one is available.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	wait, err := m.take(resource)
	return err == nil && wait == 0
}

// Acquire blocks until a token is available.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		wait, err := m.take(resource)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// take consumes a token, or reports how long to wait for one.
func (m *MemoryLimiter) take(resource string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return 0, ErrResourceUnknown
	}
	b.refill(m.now())
	if b.tokens >= 1 {
		b.tokens--
		return 0, nil
	}
	return b.wait(), nil
}

// AnnounceReduced drops the local capacity by a quarter. There is nobody
// to tell.
func (m *MemoryLimiter) AnnounceReduced(resource, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	b.capacity = reduce(b.capacity, 0.75)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

// Close wakes every blocked Acquire with ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

func reduce(capacity int, factor float64) int {
	n := int(float64(capacity) * factor)
	if n < 1 {
		n = 1
	}
	return n
}

var _ Limiter = (*MemoryLimiter)(nil)
