package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/config"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/shutdown"
	"github.com/vinayprograms/plasma/state"
	"github.com/vinayprograms/plasma/telemetry"
)

// process is what a subcommand needs to talk to the deployment: loaded
// configuration, a logger, one bus connection, the shared state store and
// the journal. Everything opened here is closed by the coordinator.
type process struct {
	cfg     *config.Config
	logger  *logging.Logger
	bus     bus.MessageBus
	store   state.StateStore
	journal journal.Sink
	coord   *shutdown.Coordinator

	// ctx is cancelled on SIGINT or SIGTERM.
	ctx context.Context
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.backend != "" {
		cfg.Bus.Backend = opts.backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewWithOptions(logging.Options{
		Level:  level,
		Format: logging.Format(cfg.Log.Format),
		Output: out,
		File:   cfg.Log.File,
	}), nil
}

func busConfig(cfg *config.Config) bus.OpenConfig {
	oc := bus.DefaultOpenConfig()
	oc.Backend = bus.Backend(cfg.Bus.Backend)
	oc.MaxAttempts = cfg.Bus.ConnectAttempts

	oc.Memory.BufferSize = cfg.Bus.BufferSize

	oc.Redis.BufferSize = cfg.Bus.BufferSize
	oc.Redis.Host = cfg.Bus.Redis.Host
	oc.Redis.Port = cfg.Bus.Redis.Port
	oc.Redis.Password = cfg.Bus.Redis.Password
	oc.Redis.DB = cfg.Bus.Redis.DB

	oc.NATS.BufferSize = cfg.Bus.BufferSize
	oc.NATS.URL = cfg.Bus.NATS.URL
	oc.NATS.Name = "plasma"
	return oc
}

// openStore returns the state store sharing b's connection.
func openStore(cfg *config.Config, b bus.MessageBus) (state.StateStore, error) {
	switch v := b.(type) {
	case *bus.RedisBus:
		return state.NewRedisStore(v.Client()), nil
	case *bus.NATSBus:
		return state.NewNATSStore(state.NATSStoreConfig{
			Conn:   v.Conn(),
			Bucket: cfg.Bus.NATS.Bucket,
		})
	default:
		return state.NewMemoryStore(), nil
	}
}

// openProcess loads configuration and connects. Callers must finish with
// close or runLoop.
func openProcess(parent context.Context, opts *globalOptions, component string) (*process, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger = logger.WithComponent(component)

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         10 * time.Second,
		ContinueOnError: true,
		Logger:          logger,
	})
	ctx := coord.HandleSignals(parent)
	p := &process{cfg: cfg, logger: logger, coord: coord, ctx: ctx}

	if err := p.startTracing(component); err != nil {
		p.close()
		return nil, err
	}

	oc := busConfig(cfg)
	oc.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("bus connect failed", map[string]interface{}{
			"backend": cfg.Bus.Backend,
			"attempt": attempt,
			"retry":   wait,
			"error":   err,
		})
	}
	b, err := bus.Open(ctx, oc)
	if err != nil {
		p.close()
		return nil, err
	}
	p.bus = b
	coord.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseConnections)

	store, err := openStore(cfg, b)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("state store: %w", err)
	}
	p.store = store
	coord.RegisterWithPhase("state", shutdown.Closer(store), shutdown.PhaseConnections)

	sink, err := journal.Open(journal.Config{
		Path:      cfg.Journal.Path,
		Format:    cfg.Journal.Format,
		IndexPath: cfg.Journal.Index,
	})
	if err != nil {
		p.close()
		return nil, err
	}
	p.journal = sink
	coord.RegisterWithPhase("journal", shutdown.Closer(sink), shutdown.PhaseJournal)

	return p, nil
}

// startTracing exports spans when an OTLP endpoint is configured. Pending
// spans are flushed after the components stop.
func (p *process) startTracing(component string) error {
	tc := telemetry.ProviderConfig{
		ServiceName: "plasma-" + component,
		Endpoint:    p.cfg.Telemetry.Endpoint,
		Protocol:    p.cfg.Telemetry.Protocol,
		Insecure:    p.cfg.Telemetry.Insecure,
		Debug:       p.cfg.Telemetry.Debug,
	}
	if !tc.Enabled() {
		return nil
	}
	provider, err := telemetry.InitProvider(p.ctx, tc)
	if err != nil {
		return err
	}
	p.coord.RegisterFunc("telemetry", provider.Shutdown, shutdown.PhaseConnections)
	return nil
}

// close runs the shutdown handlers if no signal has already done so.
func (p *process) close() {
	_ = p.coord.ShutdownWithTimeout(0)
	_ = p.logger.Sync()
}

// runLoop runs fn under the process context, then shuts down. The bus is
// not closed before fn has returned.
func (p *process) runLoop(name string, fn func(ctx context.Context) error) error {
	done := make(chan struct{})
	p.coord.RegisterFunc(name, func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.PhaseComponents)

	err := fn(p.ctx)
	close(done)
	p.close()
	if err != nil && p.ctx.Err() != nil {
		return nil
	}
	return err
}
