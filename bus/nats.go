package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies this process to the server, e.g. "plasma-router".
	Name string

	// Token, or User and Password, authenticate the connection.
	Token    string
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects before the connection is given up. -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSBus implements MessageBus on NATS core pub/sub. Queue groups are
// native, so workers of one agent sharing a queue each get a distinct
// subset of its tasks.
//
// When the connection is closed, by Close or because reconnection gave
// up, every subscription channel is closed so readers notice.
type NATSBus struct {
	conn       *nats.Conn
	bufferSize int

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

// NewNATSBus connects to the server at cfg.URL.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	b := &NATSBus{
		bufferSize: cfg.BufferSize,
		subs:       make(map[*natsSubscription]struct{}),
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ClosedHandler(func(*nats.Conn) { b.closeSubscriptions() }),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

// Publish sends data to every subscriber of subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe receives every message published to subject from now on.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe shares subject between all subscribers of queue.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{bus: b, ch: make(chan *Message, b.bufferSize)}
	handler := func(m *nats.Msg) {
		s.deliver(&Message{Subject: m.Subject, Data: m.Data})
	}

	var err error
	if queue == "" {
		s.sub, err = b.conn.Subscribe(subject, handler)
	} else {
		s.sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	// The server must know about the interest before the caller publishes
	// a task whose result it expects on this subscription.
	if err := b.conn.Flush(); err != nil {
		_ = s.sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Close closes the connection and every subscription. Messages still in
// flight are lost.
func (b *NATSBus) Close() error {
	b.conn.Close()
	b.closeSubscriptions()
	return nil
}

// Conn returns the underlying connection, shared with the NATS state store.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

func (b *NATSBus) closeSubscriptions() {
	b.mu.Lock()
	subs := make([]*natsSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

type natsSubscription struct {
	bus *NATSBus
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe closes the channel. Errors from an already closed
// connection are ignored.
func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return err
	}
	return nil
}
