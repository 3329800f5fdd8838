package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vinayprograms/plasma/errors"
)

// Backend names a MessageBus implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendNATS   Backend = "nats"
)

// OpenConfig selects and configures a backend for Open.
type OpenConfig struct {
	Backend Backend

	Memory Config
	Redis  RedisConfig
	NATS   NATSConfig

	// MaxAttempts bounds connection attempts. Default: 5
	MaxAttempts int

	// InitialInterval and MaxInterval shape the exponential backoff
	// between attempts. Defaults: 500ms and 5s.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnRetry is called after each failed attempt, if set.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultOpenConfig returns a Redis configuration matching a local broker.
func DefaultOpenConfig() OpenConfig {
	return OpenConfig{
		Backend:         BackendRedis,
		Memory:          DefaultConfig(),
		Redis:           DefaultRedisConfig(),
		NATS:            DefaultNATSConfig(),
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Open connects to the configured backend, retrying with exponential
// backoff. When every attempt fails it returns a TRANSPORT_ERROR; callers
// treat that as fatal for their own process only.
func Open(ctx context.Context, cfg OpenConfig) (MessageBus, error) {
	def := DefaultOpenConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}

	var connect func() (MessageBus, error)
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryBus(cfg.Memory), nil
	case BackendRedis, "":
		connect = func() (MessageBus, error) { return NewRedisBus(ctx, cfg.Redis) }
	case BackendNATS:
		connect = func() (MessageBus, error) { return NewNATSBus(cfg.NATS) }
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1)), ctx)

	var (
		b       MessageBus
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		b, err = connect()
		return err
	}
	notify := func(err error, wait time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errors.Transport(
			fmt.Sprintf("connect %s bus after %d attempts", backendName(cfg.Backend), attempt), err)
	}
	return b, nil
}

func backendName(b Backend) string {
	if b == "" {
		return string(BackendRedis)
	}
	return string(b)
}
