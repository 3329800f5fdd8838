package heartbeat

import (
	"errors"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/state"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Liveness states reported by the monitor.
const (
	StateOnline = "ONLINE"
	StateStale  = "STALE"
)

// AgentStatus is one agent's liveness at a point in time.
type AgentStatus struct {
	Agent    string
	LastSeen time.Time
	Age      time.Duration
	State    string
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// Agent is the name carried in every heartbeat.
	Agent string

	// Interval between heartbeats when started with Start.
	// Default: 1 second
	Interval time.Duration

	// Store, when set with StateKey, receives the heartbeat time as well.
	Store    state.StateStore
	StateKey string

	// StateTTL expires the mirrored key. Zero means no expiry.
	StateTTL time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time

	// Logger receives publish failures. Default: logging.New()
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.Agent == "" {
		return ErrInvalidConfig
	}
	if c.StateKey != "" && c.Store == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: time.Second,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// StaleAfter is the age beyond which an agent is STALE.
	// Default: 30 seconds
	StaleAfter time.Duration

	// CheckInterval for the stale transition checker.
	// Default: 1 second
	CheckInterval time.Duration

	// ReportInterval between status log lines. Negative disables them.
	// Default: 10 seconds
	ReportInterval time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time

	// Logger receives status lines. Default: logging.New()
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.StaleAfter < 0 || c.CheckInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleAfter:     30 * time.Second,
		CheckInterval:  time.Second,
		ReportInterval: 10 * time.Second,
	}
}
