// Package router forwards tasks from the shared inbox to per-agent topics.
//
// The router reads plasma_inbox, validates each message against the relaxed
// task schema and republishes the identical bytes to plasma_tasks:<target>.
// Bad input is logged and dropped; the router never stops on it. It also
// emits its own heartbeat and mirrors it into the broker_heartbeat key.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
	"github.com/vinayprograms/plasma/heartbeat"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/state"
	"github.com/vinayprograms/plasma/telemetry"
)

// Agent is the name the router uses in its heartbeats and in the error
// results it produces.
const Agent = "router"

// Config configures a Router.
type Config struct {
	// Bus carries inbox, task, result and heartbeat traffic.
	Bus bus.MessageBus

	// Store, when set, receives the router heartbeat under
	// state.KeyBrokerHeartbeat.
	Store state.StateStore

	// Registry lists known agents. Required with StrictRouting; when set
	// the router also records every heartbeat it sees into it.
	Registry registry.Registry

	// StrictRouting answers tasks for unknown targets with an error result
	// instead of dropping them silently.
	StrictRouting bool

	// HeartbeatInterval between router heartbeats. Default: 1 second
	HeartbeatInterval time.Duration

	// Journal receives routed and dropped messages. Default: journal.Discard
	Journal journal.Sink

	// Tracer continues the trace carried by each task.
	// Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// Logger defaults to logging.New().
	Logger *logging.Logger
}

// Stats counts what the router has done.
type Stats struct {
	Routed   uint64
	Dropped  uint64
	Rejected uint64 // unknown targets answered under strict routing
}

// Router is the inbox dispatcher.
type Router struct {
	bus        bus.MessageBus
	store      state.StateStore
	registry   registry.Registry
	strict     bool
	hbInterval time.Duration
	journal    journal.Sink
	tracer     *telemetry.Tracer
	logger     *logging.Logger
	ready      chan struct{}
	routed     atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("router: bus is required")
	}
	if cfg.StrictRouting && cfg.Registry == nil {
		return nil, fmt.Errorf("router: strict routing needs a registry")
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	sink := cfg.Journal
	if sink == nil {
		sink = journal.Discard
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	return &Router{
		bus:        cfg.Bus,
		store:      cfg.Store,
		registry:   cfg.Registry,
		strict:     cfg.StrictRouting,
		hbInterval: interval,
		journal:    sink,
		tracer:     tracer,
		logger:     logger.WithComponent("router"),
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once Run has subscribed to the inbox. Messages
// published before that are never seen.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:   r.routed.Load(),
		Dropped:  r.dropped.Load(),
		Rejected: r.rejected.Load(),
	}
}

// Run routes inbox messages until ctx is cancelled. It returns nil on
// cancellation and a TRANSPORT_ERROR if the bus fails underneath it.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(bus.TopicInbox)
	if err != nil {
		return errors.Transport("subscribe to "+bus.TopicInbox, err)
	}
	defer sub.Unsubscribe()

	if r.registry != nil {
		monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
			Bus:            r.bus,
			ReportInterval: -1,
			Logger:         r.logger,
		})
		if err != nil {
			return err
		}
		monitor.OnHeartbeat(func(hb *envelope.Heartbeat) {
			if hb.Agent == Agent {
				return
			}
			if err := registry.Observe(r.registry, hb); err != nil {
				r.logger.Warn("registry update failed", map[string]interface{}{
					"agent": hb.Agent,
					"error": err,
				})
			}
		})
		if err := monitor.Start(ctx); err != nil {
			return errors.Transport("subscribe to "+bus.TopicHeartbeats, err)
		}
		defer monitor.Stop()
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Bus:      r.bus,
		Agent:    Agent,
		Interval: r.hbInterval,
		Store:    r.store,
		StateKey: r.stateKey(),
		Logger:   r.logger,
	})
	if err != nil {
		return err
	}
	if err := sender.Start(ctx); err != nil {
		return err
	}
	defer sender.Stop()

	close(r.ready)
	r.logger.Info("router started", map[string]interface{}{
		"strict_routing": r.strict,
		"heartbeat":      r.hbInterval,
	})

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopping", map[string]interface{}{
				"routed":  r.routed.Load(),
				"dropped": r.dropped.Load(),
			})
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Transport(bus.TopicInbox+" subscription closed", bus.ErrClosed)
			}
			r.Handle(ctx, msg.Data)
		}
	}
}

func (r *Router) stateKey() string {
	if r.store == nil {
		return ""
	}
	return state.KeyBrokerHeartbeat
}

// Handle routes one inbox message. It returns nil when the message was
// forwarded, the PARSE_ERROR, SCHEMA_ERROR or ROUTING_ERROR it was dropped
// for, or a TRANSPORT_ERROR when publishing failed.
func (r *Router) Handle(ctx context.Context, raw []byte) (err error) {
	ctx, span := r.tracer.StartRouteSpan(ctx, raw)
	defer func() { telemetry.End(span, err) }()

	env, err := envelope.Validate(raw, envelope.Relaxed)
	if err != nil {
		r.drop(ctx, raw, envelope.PeekTaskID(raw), err)
		return err
	}

	if env.Target == "" {
		err := errors.Routing(env.TaskID, "missing target")
		r.drop(ctx, raw, env.TaskID, err)
		return err
	}

	topic := bus.TaskTopic(env.Target)
	if bus.ValidateSubject(topic) != nil {
		err := errors.Routing(env.TaskID, fmt.Sprintf("invalid target %q", env.Target))
		r.drop(ctx, raw, env.TaskID, err)
		return err
	}

	if r.strict && !registry.Known(r.registry, env.Target) {
		return r.reject(ctx, raw, env)
	}

	if err := r.bus.Publish(topic, raw); err != nil {
		terr := errors.Transport("publish to "+topic, err, errors.WithTaskID(env.TaskID))
		r.logger.Error("publish failed", map[string]interface{}{
			"task_id": env.TaskID,
			"topic":   topic,
			"error":   err,
		})
		r.record(ctx, journal.NewEntry(journal.KindDropped, Agent, topic, raw).WithError(terr))
		r.dropped.Add(1)
		return terr
	}

	r.routed.Add(1)
	r.logger.Routed(env.TaskID, env.Target)
	r.record(ctx, journal.NewEntry(journal.KindRouted, Agent, topic, raw).WithAgent(env.Target))
	return nil
}

// reject answers a task for an unknown agent with an error result.
func (r *Router) reject(ctx context.Context, raw []byte, env *envelope.Envelope) error {
	rerr := errors.Routing(env.TaskID, fmt.Sprintf("unknown target %q", env.Target))
	r.rejected.Add(1)
	r.logger.Dropped(env.TaskID, rerr)
	r.record(ctx, journal.NewEntry(journal.KindDropped, Agent, bus.TopicInbox, raw).WithError(rerr))

	msg := fmt.Sprintf("%s: unknown target %q", errors.ErrCodeRouting, env.Target)
	data, err := envelope.NewErrorResult(env.TaskID, Agent, msg).Marshal()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(bus.TopicResults, data); err != nil {
		return errors.Transport("publish to "+bus.TopicResults, err, errors.WithTaskID(env.TaskID))
	}
	r.record(ctx, journal.NewEntry(journal.KindResult, Agent, bus.TopicResults, data).WithAgent(Agent))
	return rerr
}

func (r *Router) drop(ctx context.Context, raw []byte, taskID string, err error) {
	r.dropped.Add(1)
	r.logger.Dropped(taskID, err)
	r.record(ctx, journal.NewEntry(journal.KindDropped, Agent, bus.TopicInbox, raw).WithError(err))
}

func (r *Router) record(ctx context.Context, e journal.Entry) {
	if err := r.journal.Append(ctx, e); err != nil {
		r.logger.Warn("journal append failed", map[string]interface{}{"error": err})
	}
}
