package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
	closed bool
	stopCh chan struct{}

	// TTL for stale entry detection. Zero means no expiry.
	ttl time.Duration
	now func() time.Time
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before a non-static agent is forgotten.
	// Zero means entries never expire.
	TTL time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		agents: make(map[string]AgentInfo),
		stopCh: make(chan struct{}),
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}

	// Start cleanup goroutine if TTL is set
	if cfg.TTL > 0 {
		go r.cleanupLoop()
	}

	return r
}

// Register adds or updates an agent in the registry.
func (r *MemoryRegistry) Register(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = r.now()
	}
	r.agents[info.Name] = info
	return nil
}

// Deregister removes an agent from the registry.
func (r *MemoryRegistry) Deregister(name string) error {
	if name == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.agents[name]; !exists {
		return ErrNotFound
	}
	delete(r.agents, name)
	return nil
}

// Get retrieves a specific agent by name.
func (r *MemoryRegistry) Get(name string) (*AgentInfo, error) {
	if name == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[name]
	if !exists || r.expired(agent, r.now()) {
		return nil, ErrNotFound
	}
	return &agent, nil
}

// List returns all agents matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	now := r.now()

	for _, agent := range r.agents {
		if r.expired(agent, now) {
			continue
		}
		if MatchesFilter(agent, filter, now) {
			result = append(result, agent)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.stopCh)
	return nil
}

func (r *MemoryRegistry) expired(agent AgentInfo, now time.Time) bool {
	return r.ttl > 0 && !agent.Static && now.Sub(agent.LastSeen) > r.ttl
}

// cleanupLoop periodically removes stale entries.
func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		now := r.now()
		for name, agent := range r.agents {
			if r.expired(agent, now) {
				delete(r.agents, name)
			}
		}
		r.mu.Unlock()
	}
}
