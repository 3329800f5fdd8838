package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/plasma/envelope"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent name")
)

// AgentInfo is an agent registration: a target name bound to the
// completion capability that serves it.
type AgentInfo struct {
	// Name is the routing target, the <agent> in plasma_tasks:<agent>.
	Name string `json:"name"`

	// Provider and Model describe the completion backing the agent.
	// Both are empty for agents known only from their heartbeats.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Static entries come from configuration and never expire.
	Static bool `json:"static,omitempty"`

	// LastSeen is the most recent registration or heartbeat.
	LastSeen time.Time `json:"last_seen"`
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Provider filters by completion provider. Empty means all.
	Provider string

	// SeenWithin keeps agents seen within this window of now. Static
	// agents always match. Zero means no filter.
	SeenWithin time.Duration
}

// Registry records which agents exist.
type Registry interface {
	// Register adds or replaces an agent. A zero LastSeen is set to now.
	Register(info AgentInfo) error

	// Deregister removes an agent.
	// Returns ErrNotFound if the agent doesn't exist.
	Deregister(name string) error

	// Get retrieves a specific agent by name.
	// Returns nil, ErrNotFound if not found.
	Get(name string) (*AgentInfo, error)

	// List returns all agents matching the optional filter, sorted by name.
	List(filter *Filter) ([]AgentInfo, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateAgentInfo checks if agent info is valid.
func ValidateAgentInfo(info AgentInfo) error {
	if info.Name == "" || strings.ContainsAny(info.Name, " \t\r\n") {
		return ErrInvalidID
	}
	return nil
}

// MatchesFilter checks if an agent matches the filter criteria at now.
func MatchesFilter(info AgentInfo, filter *Filter, now time.Time) bool {
	if filter == nil {
		return true
	}
	if filter.Provider != "" && info.Provider != filter.Provider {
		return false
	}
	if filter.SeenWithin > 0 && !info.Static && now.Sub(info.LastSeen) > filter.SeenWithin {
		return false
	}
	return true
}

// Known reports whether r holds an agent called name.
func Known(r Registry, name string) bool {
	if name == "" {
		return false
	}
	_, err := r.Get(name)
	return err == nil
}

// Observe records a heartbeat, keeping any provider details already
// registered for the agent.
func Observe(r Registry, hb *envelope.Heartbeat) error {
	info := AgentInfo{Name: hb.Agent}
	if prev, err := r.Get(hb.Agent); err == nil {
		info = *prev
	} else if err != ErrNotFound {
		return err
	}
	info.LastSeen = hb.Time()
	return r.Register(info)
}
