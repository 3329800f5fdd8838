package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/plasma/state"
)

// KeyPrefix prefixes agent entries in a state store. NATS KV forbids
// colons in keys, so the separator is a dot.
const KeyPrefix = "agent."

// StoreRegistry implements Registry on a state.StateStore, so every
// process sharing the store (Redis or NATS KV) sees the same agents.
type StoreRegistry struct {
	store state.StateStore
	ttl   time.Duration
	now   func() time.Time
}

// StoreConfig configures a StoreRegistry.
type StoreConfig struct {
	// TTL expires non-static entries. Zero means no expiry.
	TTL time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// NewStoreRegistry creates a registry over store. The store is not closed
// by the registry.
func NewStoreRegistry(store state.StateStore, cfg StoreConfig) (*StoreRegistry, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &StoreRegistry{store: store, ttl: cfg.TTL, now: now}, nil
}

// Register adds or updates an agent in the registry.
func (r *StoreRegistry) Register(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = r.now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent info: %w", err)
	}

	var ttl time.Duration
	if !info.Static {
		ttl = r.ttl
	}
	if err := r.store.Put(KeyPrefix+info.Name, data, ttl); err != nil {
		return r.mapErr(fmt.Errorf("put agent %s: %w", info.Name, err))
	}
	return nil
}

// Deregister removes an agent from the registry.
func (r *StoreRegistry) Deregister(name string) error {
	if name == "" {
		return ErrInvalidID
	}
	if _, err := r.store.Get(KeyPrefix + name); err != nil {
		return r.mapErr(err)
	}
	if err := r.store.Delete(KeyPrefix + name); err != nil {
		return r.mapErr(err)
	}
	return nil
}

// Get retrieves a specific agent by name.
func (r *StoreRegistry) Get(name string) (*AgentInfo, error) {
	if name == "" {
		return nil, ErrInvalidID
	}
	data, err := r.store.Get(KeyPrefix + name)
	if err != nil {
		return nil, r.mapErr(err)
	}

	var info AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal agent info: %w", err)
	}
	return &info, nil
}

// List returns all agents matching the filter.
func (r *StoreRegistry) List(filter *Filter) ([]AgentInfo, error) {
	keys, err := r.store.Keys(KeyPrefix + "*")
	if err != nil {
		return nil, r.mapErr(err)
	}

	now := r.now()
	var result []AgentInfo
	for _, key := range keys {
		info, err := r.Get(strings.TrimPrefix(key, KeyPrefix))
		if errors.Is(err, ErrNotFound) {
			// Expired between Keys and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		if MatchesFilter(*info, filter, now) {
			result = append(result, *info)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Close is a no-op; the store belongs to the caller.
func (r *StoreRegistry) Close() error {
	return nil
}

func (r *StoreRegistry) mapErr(err error) error {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, state.ErrClosed):
		return ErrClosed
	}
	return err
}
