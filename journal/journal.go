// Package journal persists every message plasma components exchange, for
// audit and later search.
//
// A Sink receives Entries. JSONLSink appends one JSON object per line to a
// size-rotated file, SQLiteSink writes rows queryable by task, and Index
// keeps a full-text index of message text. Open builds the combination a
// Config asks for. Journal failures never stop message flow: components
// log them and carry on.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/plasma/envelope"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindRouted is a task the router forwarded to an agent topic.
	KindRouted Kind = "routed"
	// KindDropped is an inbound message the router discarded.
	KindDropped Kind = "dropped"
	// KindConsumed is a task a worker took from its topic.
	KindConsumed Kind = "consumed"
	// KindResult is a result a worker published.
	KindResult Kind = "result"
	// KindSubmitted is a task a client published to the inbox.
	KindSubmitted Kind = "submitted"
	// KindReceived is a result a client correlated.
	KindReceived Kind = "received"
)

// Entry is one journaled event.
type Entry struct {
	Time      time.Time       `json:"time"`
	Kind      Kind            `json:"kind"`
	Component string          `json:"component"`
	TaskID    string          `json:"task_id,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewEntry builds an entry for raw message bytes. Bytes that are not JSON
// are kept as a JSON string so the entry itself always serializes.
func NewEntry(kind Kind, component, topic string, raw []byte) Entry {
	e := Entry{
		Time:      time.Now().UTC(),
		Kind:      kind,
		Component: component,
		Topic:     topic,
		TaskID:    envelope.PeekTaskID(raw),
	}
	if json.Valid(raw) {
		e.Message = append(json.RawMessage(nil), raw...)
	} else if len(raw) > 0 {
		quoted, _ := json.Marshal(string(raw))
		e.Message = quoted
	}
	return e
}

// WithError records err on the entry.
func (e Entry) WithError(err error) Entry {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithAgent records the agent the entry concerns.
func (e Entry) WithAgent(agent string) Entry {
	e.Agent = agent
	return e
}

// Sink receives journal entries. Implementations are safe for concurrent
// use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, Entry) error { return nil }
func (discard) Close() error                        { return nil }

// Multi fans entries out to every sink. Append and Close visit all sinks
// and return the first error.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil && s != Discard {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Discard
	case 1:
		return live[0]
	}
	return multi(live)
}

type multi []Sink

func (m multi) Append(ctx context.Context, e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Config selects journal sinks.
type Config struct {
	// Path of the journal file; empty disables the primary sink.
	Path string

	// Format is "jsonl" (default) or "sqlite".
	Format string

	// IndexPath, when set, adds a full-text index at that directory.
	IndexPath string

	// MaxSizeMB and MaxBackups bound JSONL rotation.
	MaxSizeMB  int
	MaxBackups int
}

// Open builds the sinks cfg names. With nothing configured it returns
// Discard.
func Open(cfg Config) (Sink, error) {
	var sinks []Sink

	if cfg.Path != "" {
		switch cfg.Format {
		case "", "jsonl":
			sinks = append(sinks, NewJSONLSink(JSONLConfig{
				Path:       cfg.Path,
				MaxSizeMB:  cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
			}))
		case "sqlite":
			s, err := OpenSQLite(cfg.Path)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("journal: unknown format %q", cfg.Format)
		}
	}

	if cfg.IndexPath != "" {
		idx, err := OpenIndex(cfg.IndexPath)
		if err != nil {
			Multi(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, idx)
	}

	return Multi(sinks...), nil
}
