package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/logging"
)

// DistributedConfig configures a DistributedLimiter.
type DistributedConfig struct {
	// Bus carries capacity updates on bus.TopicCapacity.
	Bus bus.MessageBus

	// Source names this worker in the updates it publishes; its own
	// updates are ignored when they come back.
	Source string

	// ReduceFactor multiplies capacity on a reduction (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is the quiet period before capacity grows again,
	// and the period between growth steps.
	// Default: 30s
	RecoveryInterval time.Duration

	// RecoveryFactor multiplies capacity on each growth step (>1). Growth
	// never exceeds the configured capacity.
	// Default: 1.1
	RecoveryFactor float64

	// OnUpdate, if set, observes updates from other workers.
	OnUpdate OnCapacityChange

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil || c.Source == "" {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 {
		return ErrInvalidConfig
	}
	if c.RecoveryFactor != 0 && c.RecoveryFactor <= 1 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

type resourceConfig struct {
	configured int
	window     time.Duration
}

// DistributedLimiter is a MemoryLimiter whose reductions are shared with
// every other worker on the bus.
type DistributedLimiter struct {
	config DistributedConfig
	local  *MemoryLimiter
	logger *logging.Logger

	mu            sync.Mutex
	resources     map[string]*resourceConfig
	lastReduction map[string]time.Time

	sub  bus.Subscription
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDistributedLimiter subscribes to capacity updates and starts the
// recovery loop.
func NewDistributedLimiter(config DistributedConfig) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultDistributedConfig()
	if config.ReduceFactor == 0 {
		config.ReduceFactor = defaults.ReduceFactor
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = defaults.RecoveryInterval
	}
	if config.RecoveryFactor == 0 {
		config.RecoveryFactor = defaults.RecoveryFactor
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}

	sub, err := config.Bus.Subscribe(bus.TopicCapacity)
	if err != nil {
		return nil, err
	}

	d := &DistributedLimiter{
		config:        config,
		local:         NewMemoryLimiter(),
		logger:        logger.WithComponent("ratelimit"),
		resources:     make(map[string]*resourceConfig),
		lastReduction: make(map[string]time.Time),
		sub:           sub,
		stop:          make(chan struct{}),
	}

	d.wg.Add(2)
	go d.listen()
	go d.recover()
	return d, nil
}

func (d *DistributedLimiter) listen() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg.Data)
		}
	}
}

func (d *DistributedLimiter) handleUpdate(data []byte) {
	var update CapacityUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		d.logger.Debug("ignoring malformed capacity update", map[string]interface{}{"error": err})
		return
	}
	if update.Source == d.config.Source {
		return
	}

	d.mu.Lock()
	rc, ok := d.resources[update.Resource]
	applied := false
	if ok && update.NewCapacity > 0 {
		if cur := d.local.GetCapacity(update.Resource); cur != nil && update.NewCapacity < cur.Total {
			d.local.SetCapacity(update.Resource, update.NewCapacity, rc.window)
			d.lastReduction[update.Resource] = time.Now()
			applied = true
		}
	}
	d.mu.Unlock()

	if applied {
		d.logger.Info("capacity reduced by peer", map[string]interface{}{
			"resource": update.Resource,
			"source":   update.Source,
			"capacity": update.NewCapacity,
			"reason":   update.Reason,
		})
	}
	if d.config.OnUpdate != nil {
		d.config.OnUpdate(&update)
	}
}

func (d *DistributedLimiter) recover() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.attemptRecovery(time.Now())
		}
	}
}

// attemptRecovery grows every resource that has been quiet for a
// recovery interval, up to its configured capacity.
func (d *DistributedLimiter) attemptRecovery(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for resource, last := range d.lastReduction {
		if now.Sub(last) < d.config.RecoveryInterval {
			continue
		}
		rc, ok := d.resources[resource]
		cur := d.local.GetCapacity(resource)
		if !ok || cur == nil {
			delete(d.lastReduction, resource)
			continue
		}

		next := int(float64(cur.Total) * d.config.RecoveryFactor)
		if next <= cur.Total {
			next = cur.Total + 1
		}
		if next >= rc.configured {
			next = rc.configured
			delete(d.lastReduction, resource)
		}
		d.local.SetCapacity(resource, next, rc.window)
	}
}

// SetCapacity configures resource; the value is also the ceiling for
// recovery.
func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.mu.Lock()
	if capacity > 0 && window > 0 {
		d.resources[resource] = &resourceConfig{configured: capacity, window: window}
	} else {
		delete(d.resources, resource)
		delete(d.lastReduction, resource)
	}
	d.mu.Unlock()

	d.local.SetCapacity(resource, capacity, window)
}

// GetCapacity returns a snapshot of resource, or nil.
func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

// Acquire blocks until a token is available.
func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

// TryAcquire takes a token if one is available.
func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// AnnounceReduced cuts the local capacity by ReduceFactor and publishes
// the new value.
func (d *DistributedLimiter) AnnounceReduced(resource, reason string) {
	d.mu.Lock()
	rc, ok := d.resources[resource]
	cur := d.local.GetCapacity(resource)
	if !ok || cur == nil {
		d.mu.Unlock()
		return
	}
	next := reduce(cur.Total, d.config.ReduceFactor)
	d.local.SetCapacity(resource, next, rc.window)
	d.lastReduction[resource] = time.Now()
	d.mu.Unlock()

	d.logger.Warn("capacity reduced", map[string]interface{}{
		"resource": resource,
		"capacity": next,
		"reason":   reason,
	})

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		Source:      d.config.Source,
		NewCapacity: next,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := d.config.Bus.Publish(bus.TopicCapacity, data); err != nil {
		d.logger.Warn("capacity update not published", map[string]interface{}{"error": err})
	}
}

// Close stops the background loops and wakes blocked callers.
func (d *DistributedLimiter) Close() error {
	var err error
	d.once.Do(func() {
		close(d.stop)
		_ = d.sub.Unsubscribe()
		d.wg.Wait()
		err = d.local.Close()
	})
	return err
}

var _ Limiter = (*DistributedLimiter)(nil)
