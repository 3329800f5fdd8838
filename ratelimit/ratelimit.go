// Package ratelimit paces calls to completion providers.
//
// Each provider ("openai", "xai", ...) is a resource with a token bucket
// refilled over a window. Workers that share a provider share its quota
// in practice, so when one of them is told to slow down (HTTP 429) it
// announces a reduced capacity on the bus and the others follow:
//
//	limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
//	    Bus:    b,
//	    Source: "grok",
//	})
//	limiter.SetCapacity("xai", 60, time.Minute)
//
//	if err := limiter.Acquire(ctx, "xai"); err != nil {
//	    return err
//	}
//
// Reduced capacity creeps back toward the configured value once no
// further reductions arrive.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Limiter paces access to named resources.
type Limiter interface {
	// Acquire blocks until a token is available or ctx ends.
	// Returns ErrResourceUnknown if the resource has no capacity set.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity calls per window. A non-positive
	// capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced lowers the capacity after the resource pushed back.
	AnnounceReduced(resource, reason string)

	// GetCapacity returns nil for unknown resources.
	GetCapacity(resource string) *Capacity

	Close() error
}

// Capacity is a snapshot of one resource's bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}

// CapacityUpdate is published on the capacity topic when a worker
// reduces a resource.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	Source      string    `json:"source"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange observes updates received from other workers.
type OnCapacityChange func(update *CapacityUpdate)
