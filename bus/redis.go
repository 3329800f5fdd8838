package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements MessageBus using Redis Pub/Sub.
//
// Redis channels are the same topics plasma_inbox, plasma_tasks:<agent>,
// plasma_results and plasma_heartbeats used by every other plasma client,
// so processes on different languages can share one broker.
type RedisBus struct {
	client *redis.Client
	config RedisConfig

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config // Embed base config

	// Host and Port of the Redis server.
	Host string
	Port int

	// Password for AUTH, empty for none.
	Password string

	// DB selects the logical database. Pub/Sub ignores it, but the state
	// store shares the client.
	DB int

	// DialTimeout for establishing connections.
	DialTimeout time.Duration

	// RetryWait is the pause between receive attempts after a broken
	// subscription connection.
	RetryWait time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:      DefaultConfig(),
		Host:        "localhost",
		Port:        6379,
		DialTimeout: 5 * time.Second,
		RetryWait:   100 * time.Millisecond,
	}
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	cfg = withRedisDefaults(cfg)
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr(), err)
	}
	return NewRedisBusFromClient(client, cfg), nil
}

// NewRedisBusFromClient creates a RedisBus from an existing client. The
// bus takes ownership of the client and closes it on Close.
func NewRedisBusFromClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	cfg = withRedisDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func withRedisDefaults(cfg RedisConfig) RedisConfig {
	def := DefaultRedisConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	return cfg
}

// Publish sends a message to a channel.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	if err := b.client.Publish(b.ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a channel. It returns once Redis has
// confirmed the subscription, so a following Publish is guaranteed to be
// seen.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(b.ctx, subject)
	if _, err := ps.Receive(b.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(b.ctx)
	s := &redisSubscription{
		bus:    b,
		ps:     ps,
		ch:     make(chan *Message, b.config.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		cancel()
		ps.Close()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.receiveLoop(ctx)
	return s, nil
}

// QueueSubscribe falls back to Subscribe: Redis Pub/Sub has no queue
// groups, so every member sees every message.
func (b *RedisBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.Subscribe(subject)
}

// Close ends all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	b.cancel()
	return b.client.Close()
}

// Client returns the underlying Redis client for advanced use.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// redisSubscription pumps one Redis PubSub into a buffered channel.
type redisSubscription struct {
	bus    *RedisBus
	ps     *redis.PubSub
	ch     chan *Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) receiveLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// go-redis reconnects on the next receive.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.bus.config.RetryWait):
			}
			continue
		}

		select {
		case s.ch <- &Message{Subject: msg.Channel, Data: []byte(msg.Payload)}:
		default:
			// Buffer full
		}
	}
}

// Messages returns the message channel.
func (s *redisSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription and waits for the receive loop to
// close the channel.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}
