package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/state"
)

// Sender publishes "alive" heartbeats for one agent on plasma_heartbeats.
// Beat sends one immediately; Start sends on a fixed interval until Stop
// or context cancellation.
type Sender struct {
	bus      bus.MessageBus
	agent    string
	interval time.Duration
	store    state.StateStore
	stateKey string
	stateTTL time.Duration
	now      func() time.Time
	logger   *logging.Logger

	sent    atomic.Uint64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a new heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	return &Sender{
		bus:      cfg.Bus,
		agent:    cfg.Agent,
		interval: interval,
		store:    cfg.Store,
		stateKey: cfg.StateKey,
		stateTTL: cfg.StateTTL,
		now:      now,
		logger:   logger.WithComponent("heartbeat"),
	}, nil
}

// Beat publishes one heartbeat now. When a state key is configured the
// same timestamp is written there.
func (s *Sender) Beat() error {
	at := s.now()
	data, err := envelope.NewHeartbeat(s.agent, at).Marshal()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(bus.TopicHeartbeats, data); err != nil {
		return fmt.Errorf("publish heartbeat for %s: %w", s.agent, err)
	}
	s.sent.Add(1)

	if s.stateKey != "" {
		if err := state.PutTime(s.store, s.stateKey, at, s.stateTTL); err != nil {
			return fmt.Errorf("write %s: %w", s.stateKey, err)
		}
	}
	return nil
}

// Start begins sending heartbeats at the configured interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main heartbeat loop.
func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	// Send initial heartbeat immediately
	s.beatLogged()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beatLogged()
		}
	}
}

func (s *Sender) beatLogged() {
	if err := s.Beat(); err != nil {
		s.logger.Warn("heartbeat failed", map[string]interface{}{
			"agent": s.agent,
			"error": err,
		})
	}
}

// Stop stops sending heartbeats and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Agent returns the sender's agent name.
func (s *Sender) Agent() string {
	return s.agent
}

// Sent returns how many heartbeats were published.
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}
