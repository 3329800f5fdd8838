// Package bus provides the broadcast message bus that connects the router,
// agent workers and clients.
//
// The MessageBus interface is fire-and-forget pub/sub over named topics
// with several backends (in-memory, Redis, NATS). All implementations use
// channel-based APIs for Go-idiomatic concurrent use.
package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides at-most-once pub/sub messaging. A subscriber only
// sees messages published after its subscription is active; there is no
// replay. Messages from a single publisher to one subject arrive in order.
type MessageBus interface {
	// Publish sends a message to all current subscribers of a subject.
	// It never blocks on a slow subscriber.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members on backends that
	// support it; others fall back to plain Subscribe.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Close shuts down the bus connection and ends all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Messages arriving at a full
	// buffer are dropped.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	return nil
}
