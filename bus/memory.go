package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*queueGroup // subject -> queue -> members
	closed      atomic.Bool

	dropped atomic.Uint64
}

type queueGroup struct {
	members []*memorySub
	next    atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*queueGroup),
	}
}

// Publish sends a message to all subscribers.
//
// Delivery happens under the read lock so a concurrent Unsubscribe cannot
// close a channel mid-send. Sends never block.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliverToSubscribers(subject, msg)
	b.deliverToQueueGroups(subject, msg)

	return nil
}

// Dropped returns how many deliveries were discarded because a
// subscriber's buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// deliverToSubscribers sends to all regular subscribers.
func (b *MemoryBus) deliverToSubscribers(subject string, msg *Message) {
	for _, sub := range b.subs[subject] {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// deliverToQueueGroups sends to one subscriber per queue group.
func (b *MemoryBus) deliverToQueueGroups(subject string, msg *Message) {
	for _, group := range b.queueGroups[subject] {
		b.deliverToOneInQueue(group, msg)
	}
}

// deliverToOneInQueue hands msg to the next member in round-robin order,
// skipping members whose buffer is full.
func (b *MemoryBus) deliverToOneInQueue(group *queueGroup, msg *Message) {
	n := len(group.members)
	if n == 0 {
		return
	}
	start := int(group.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		sub := group.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
			return
		default:
		}
	}
	b.dropped.Add(1)
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.subs[subject] = append(b.subs[subject], sub)

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*queueGroup)
	}
	group := b.queueGroups[subject][queue]
	if group == nil {
		group = &queueGroup{}
		b.queueGroups[subject][queue] = group
	}
	group.members = append(group.members, sub)

	return sub, nil
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}

	// Close all subscriptions
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}

	for _, queues := range b.queueGroups {
		for _, group := range queues {
			for _, sub := range group.members {
				if !sub.closed.Swap(true) {
					close(sub.ch)
				}
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription.
func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription.
func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	group := b.queueGroups[subject][queue]
	if group == nil {
		return
	}
	for i, sub := range group.members {
		if sub == target {
			group.members = append(group.members[:i:i], group.members[i+1:]...)
			break
		}
	}
}
