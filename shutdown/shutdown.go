package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/plasma/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by the plasma processes. Lower phases run first.
const (
	// PhaseComponents stops router, worker and monitor loops.
	PhaseComponents = 10

	// PhaseJournal flushes and closes journal sinks.
	PhaseJournal = 20

	// PhaseConnections closes the bus and the state store.
	PhaseConnections = 30
)

// Handler is implemented by anything that needs an orderly stop.
type Handler interface {
	// OnShutdown is called once shutdown starts. ctx expires with the
	// shutdown timeout.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a bus or a journal sink, to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error {
		return c.Close()
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal.
	// Default: 10 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseComponents
	DefaultPhase int

	// ContinueOnError runs later phases even when a handler failed.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Nil disables logging.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		DefaultPhase:    PhaseComponents,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
