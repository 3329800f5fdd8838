// Package worker runs one named agent: it takes tasks from the agent's
// topic, asks a completion function for an answer and publishes the result.
//
// The loop is cooperative. Every tick it reads at most one task without
// blocking, processes it, and emits a heartbeat whether or not any work was
// done, so liveness is visible to the monitor even when the agent is idle.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
	"github.com/vinayprograms/plasma/heartbeat"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/llm"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/telemetry"
)

// TaskLedger records which worker holds a task. tasks.Manager implements
// it.
type TaskLedger interface {
	Claim(ctx context.Context, taskID, agent, workerID string) (bool, error)
	Complete(ctx context.Context, taskID, workerID, errMsg string) error
}

// Config configures a Worker.
type Config struct {
	// Bus carries task, result and heartbeat traffic.
	Bus bus.MessageBus

	// Agent is the worker's name; tasks arrive on bus.TaskTopic(Agent).
	Agent string

	// Complete produces the answer for a prompt.
	Complete llm.CompletionFunc

	// PollInterval between ticks. Default: 1 second
	PollInterval time.Duration

	// MaxTokens is the token budget when the task does not set one.
	// Default: 200
	MaxTokens int

	// QueueGroup shares the agent topic between workers of the same name
	// on backends with queue semantics.
	QueueGroup bool

	// Registry, when set, receives the worker's registration on Run.
	Registry registry.Registry
	Provider string
	Model    string

	// Journal receives consumed tasks and published results.
	// Default: journal.Discard
	Journal journal.Sink

	// Now overrides the clock. Default: time.Now
	Now func() time.Time

	// Ledger, when set, is claimed before each task so only one worker of
	// the agent answers it.
	Ledger TaskLedger

	// WorkerID names this process in the ledger.
	// Default: Agent plus a random suffix
	WorkerID string

	// Tracer continues the trace carried by each task.
	// Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// Logger defaults to logging.New().
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bus == nil {
		return fmt.Errorf("worker: bus is required")
	}
	if c.Agent == "" {
		return fmt.Errorf("worker: agent name is required")
	}
	if err := bus.ValidateSubject(bus.TaskTopic(c.Agent)); err != nil {
		return fmt.Errorf("worker: agent name %q: %w", c.Agent, err)
	}
	if c.Complete == nil {
		return fmt.Errorf("worker: completion function is required")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("worker: max tokens must not be negative")
	}
	return nil
}

// Worker is a single agent worker.
type Worker struct {
	bus        bus.MessageBus
	agent      string
	complete   llm.CompletionFunc
	interval   time.Duration
	maxTokens  int
	queueGroup bool
	registry   registry.Registry
	provider   string
	model      string
	journal    journal.Sink
	ledger     TaskLedger
	workerID   string
	now        func() time.Time
	tracer     *telemetry.Tracer
	logger     *logging.Logger

	sub       bus.Subscription
	heartbeat *heartbeat.Sender
	ready     chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	claimedBy atomic.Uint64
}

// New creates a worker.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		bus:        cfg.Bus,
		agent:      cfg.Agent,
		complete:   cfg.Complete,
		interval:   cfg.PollInterval,
		maxTokens:  cfg.MaxTokens,
		queueGroup: cfg.QueueGroup,
		registry:   cfg.Registry,
		provider:   cfg.Provider,
		model:      cfg.Model,
		journal:    cfg.Journal,
		ledger:     cfg.Ledger,
		workerID:   cfg.WorkerID,
		now:        cfg.Now,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		ready:      make(chan struct{}),
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.maxTokens == 0 {
		w.maxTokens = 200
	}
	if w.journal == nil {
		w.journal = journal.Discard
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.workerID == "" {
		w.workerID = w.agent + "-" + uuid.NewString()[:8]
	}
	if w.tracer == nil {
		w.tracer = telemetry.GetTracer()
	}
	if w.logger == nil {
		w.logger = logging.New()
	}
	w.logger = w.logger.WithComponent("worker:" + w.agent)

	hb, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Bus:    w.bus,
		Agent:  w.agent,
		Now:    w.now,
		Logger: w.logger,
	})
	if err != nil {
		return nil, err
	}
	w.heartbeat = hb
	return w, nil
}

// Agent returns the worker's name.
func (w *Worker) Agent() string {
	return w.agent
}

// Ready is closed once Run has subscribed to the agent topic.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Processed returns how many tasks produced a result, and how many of
// those results were errors.
func (w *Worker) Processed() (total, failed uint64) {
	return w.processed.Load(), w.failed.Load()
}

// Skipped returns how many messages could not be read as tasks.
func (w *Worker) Skipped() uint64 {
	return w.skipped.Load()
}

// ClaimedElsewhere returns how many tasks were left to another worker
// holding the claim.
func (w *Worker) ClaimedElsewhere() uint64 {
	return w.claimedBy.Load()
}

// WorkerID returns the name this worker claims tasks under.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run subscribes to the agent topic and ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	topic := bus.TaskTopic(w.agent)
	var err error
	if w.queueGroup {
		w.sub, err = w.bus.QueueSubscribe(topic, w.agent)
	} else {
		w.sub, err = w.bus.Subscribe(topic)
	}
	if err != nil {
		return errors.Transport("subscribe to "+topic, err)
	}
	defer w.sub.Unsubscribe()

	if w.registry != nil {
		info := registry.AgentInfo{Name: w.agent, Provider: w.provider, Model: w.model}
		if err := w.registry.Register(info); err != nil {
			w.logger.Warn("registration failed", map[string]interface{}{"error": err})
		} else {
			defer w.registry.Deregister(w.agent)
		}
	}

	close(w.ready)
	w.logger.Info("worker started", map[string]interface{}{
		"topic":    topic,
		"provider": w.provider,
		"model":    w.model,
	})

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			total, failed := w.Processed()
			w.logger.Info("worker stopping", map[string]interface{}{
				"processed": total,
				"failed":    failed,
			})
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration: at most one task, then a heartbeat. It returns
// an error only when the subscription has gone away underneath the worker.
func (w *Worker) Tick(ctx context.Context) error {
	if w.sub == nil {
		return fmt.Errorf("worker: not subscribed")
	}

	select {
	case msg, ok := <-w.sub.Messages():
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Transport(bus.TaskTopic(w.agent)+" subscription closed", bus.ErrClosed)
		}
		w.handle(ctx, msg)
	default:
	}

	if err := w.heartbeat.Beat(); err != nil {
		w.logger.Warn("heartbeat failed", map[string]interface{}{"error": err})
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) {
	w.record(ctx, journal.NewEntry(journal.KindConsumed, w.agent, msg.Subject, msg.Data))

	res := w.Process(ctx, msg.Data)
	if res == nil {
		return
	}
	data, err := res.Marshal()
	if err != nil {
		w.logger.Error("result encoding failed", map[string]interface{}{
			"task_id": res.TaskID,
			"error":   err,
		})
		return
	}
	if err := w.bus.Publish(bus.TopicResults, data); err != nil {
		w.logger.Error("result publish failed", map[string]interface{}{
			"task_id": res.TaskID,
			"error":   err,
		})
		return
	}
	w.record(ctx, journal.NewEntry(journal.KindResult, w.agent, bus.TopicResults, data).WithAgent(w.agent))
}

// Process turns one raw task into a result. It returns nil when raw has no
// usable task_id, since such a message cannot be answered, and when another
// worker holds the task's claim. A ledger that cannot be reached does not
// stop the worker from answering.
func (w *Worker) Process(ctx context.Context, raw []byte) *envelope.Result {
	task, err := envelope.DecodeTask(raw)
	if err != nil {
		w.skipped.Add(1)
		w.logger.Dropped(envelope.PeekTaskID(raw), err)
		return nil
	}

	claimed := false
	if w.ledger != nil {
		ok, err := w.ledger.Claim(ctx, task.TaskID, w.agent, w.workerID)
		switch {
		case err != nil:
			w.logger.Warn("task claim failed", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   err,
			})
		case !ok:
			w.claimedBy.Add(1)
			w.logger.Debug("task claimed by another worker", map[string]interface{}{"task_id": task.TaskID})
			return nil
		default:
			claimed = true
		}
	}

	ctx, span := w.tracer.StartTaskSpan(ctx, task, w.agent)
	res := w.answer(ctx, task)
	telemetry.End(span, res.Err())

	if claimed {
		if err := w.ledger.Complete(ctx, task.TaskID, w.workerID, res.Error); err != nil {
			w.logger.Warn("task completion not recorded", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   err,
			})
		}
	}
	return res
}

func (w *Worker) answer(ctx context.Context, task *envelope.Task) *envelope.Result {
	w.processed.Add(1)
	start := w.now()
	w.logger.TaskStart(w.agent, task.TaskID)

	if task.Prompt == "" {
		err := errors.Schema("prompt", "missing or empty", errors.WithTaskID(task.TaskID), errors.WithAgentID(w.agent))
		w.failed.Add(1)
		w.logger.TaskFailed(w.agent, task.TaskID, w.now().Sub(start), err)
		return envelope.NewErrorResult(task.TaskID, w.agent, "missing prompt")
	}

	text, err := w.run(ctx, task)
	elapsed := w.now().Sub(start)
	if err != nil {
		cerr := errors.Completion(w.agent, task.TaskID, err)
		w.failed.Add(1)
		w.logger.TaskFailed(w.agent, task.TaskID, elapsed, cerr)
		msg := err.Error()
		if errors.Is(err, errors.ErrCodePanic) {
			msg = "panic: " + msg
		}
		return envelope.NewErrorResult(task.TaskID, w.agent, msg)
	}

	w.logger.TaskComplete(w.agent, task.TaskID, elapsed)
	return envelope.NewResult(task.TaskID, w.agent, text)
}

// run calls the completion function, converting a panic into an error.
func (w *Worker) run(ctx context.Context, task *envelope.Task) (text string, err error) {
	params := llm.Params{MaxTokens: task.MaxTokens(w.maxTokens)}

	ctx, span := w.tracer.StartCompletionSpan(ctx)
	defer func() {
		w.tracer.EndCompletionSpan(span, telemetry.CompletionSpanOptions{
			Provider:  w.provider,
			Model:     w.model,
			MaxTokens: params.MaxTokens,
			Prompt:    task.Prompt,
			Response:  text,
		}, err)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return w.complete(ctx, task.Prompt, params)
}

func (w *Worker) record(ctx context.Context, e journal.Entry) {
	if err := w.journal.Append(ctx, e); err != nil {
		w.logger.Warn("journal append failed", map[string]interface{}{"error": err})
	}
}
