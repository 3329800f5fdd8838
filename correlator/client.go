package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/telemetry"
)

// DefaultTimeout bounds a Submit when the caller passes no timeout.
const DefaultTimeout = 60 * time.Second

// Config configures a Client.
type Config struct {
	// Bus carries the inbox and results traffic.
	Bus bus.MessageBus

	// Timeout is used when Submit is called with a zero timeout.
	// Default: 60 seconds
	Timeout time.Duration

	// Journal receives submitted tasks and matched results.
	// Default: journal.Discard
	Journal journal.Sink

	// Tracer starts a span per task. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// Logger defaults to logging.New().
	Logger *logging.Logger
}

// Client submits tasks and waits for their results.
type Client struct {
	bus     bus.MessageBus
	timeout time.Duration
	journal journal.Sink
	tracer  *telemetry.Tracer
	logger  *logging.Logger
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("correlator: bus is required")
	}
	c := &Client{
		bus:     cfg.Bus,
		timeout: cfg.Timeout,
		journal: cfg.Journal,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.journal == nil {
		c.journal = journal.Discard
	}
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	if c.logger == nil {
		c.logger = logging.New()
	}
	c.logger = c.logger.WithComponent("client")
	return c, nil
}

// NewTaskID returns a fresh task id.
func NewTaskID() string {
	return uuid.NewString()
}

// Submit sends prompt to target under a fresh task id and waits up to
// timeout for the matching result. A zero timeout uses the client default.
//
// A result carrying an error is returned as-is with a nil error; use
// Result.Err to treat it as a failure.
func (c *Client) Submit(ctx context.Context, target, prompt string, params *envelope.Params, timeout time.Duration) (*envelope.Result, error) {
	return c.SubmitTask(ctx, envelope.NewTask(NewTaskID(), target, prompt, params), timeout)
}

// SubmitTask publishes a caller-built task and waits for its result. The
// task keeps its task_id and any extra fields; when tracing is on, a trace
// field is added.
//
// The results subscription is opened before the task is published, so a
// fast agent cannot answer before the client is listening.
func (c *Client) SubmitTask(ctx context.Context, task *envelope.Task, timeout time.Duration) (_ *envelope.Result, err error) {
	if task == nil || task.TaskID == "" {
		return nil, errors.Schema("task_id", "missing or empty")
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, span := c.tracer.StartSubmitSpan(ctx, task)
	defer func() { telemetry.End(span, err) }()

	data, err := task.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode task", errors.WithTaskID(task.TaskID))
	}

	sub, err := c.bus.Subscribe(bus.TopicResults)
	if err != nil {
		return nil, errors.Transport("subscribe to "+bus.TopicResults, err, errors.WithTaskID(task.TaskID))
	}
	defer sub.Unsubscribe()

	if err := c.bus.Publish(bus.TopicInbox, data); err != nil {
		return nil, errors.Transport("publish to "+bus.TopicInbox, err, errors.WithTaskID(task.TaskID))
	}
	c.record(ctx, journal.NewEntry(journal.KindSubmitted, "client", bus.TopicInbox, data).WithAgent(task.Target))
	c.logger.Debug("task submitted", map[string]interface{}{
		"task_id": task.TaskID,
		"target":  task.Target,
		"timeout": timeout,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for result", errors.WithTaskID(task.TaskID))
		case <-timer.C:
			return nil, errors.CorrelationTimeout(task.TaskID, task.Target, timeout)
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, errors.Transport(bus.TopicResults+" subscription closed", bus.ErrClosed, errors.WithTaskID(task.TaskID))
			}
			if envelope.PeekTaskID(msg.Data) != task.TaskID {
				continue
			}
			res, err := envelope.DecodeResult(msg.Data)
			if err != nil {
				c.logger.Warn("malformed result", map[string]interface{}{
					"task_id": task.TaskID,
					"error":   err,
				})
				continue
			}
			c.record(ctx, journal.NewEntry(journal.KindReceived, "client", bus.TopicResults, msg.Data).WithAgent(res.Agent))
			return res, nil
		}
	}
}

func (c *Client) record(ctx context.Context, e journal.Entry) {
	if err := c.journal.Append(ctx, e); err != nil {
		c.logger.Warn("journal append failed", map[string]interface{}{"error": err})
	}
}
