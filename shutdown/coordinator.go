package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator runs registered handlers phase by phase when the process is
// asked to stop.
type Coordinator struct {
	config Config

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *Result
	signalChan   chan os.Signal
	start        time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	if config.Logger != nil {
		config.Logger = config.Logger.WithComponent("shutdown")
	}

	return &Coordinator{
		config:     config,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase. Handlers in the same phase
// run concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers fn in phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every handler. Calls after the first return the first
// call's error, or ErrAlreadyShutdown while it is still running.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.start = time.Now()
		err = c.run(ctx)
		c.shutdownErr = err
		close(c.done)
	})

	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals returns a context derived from parent that is cancelled on
// SIGINT or SIGTERM. Long-running loops should use it; they see the
// cancellation first, then the registered handlers run with the configured
// timeout.
func (c *Coordinator) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signalChan)
		select {
		case sig := <-c.signalChan:
			if c.config.Logger != nil {
				c.config.Logger.Info("signal received", map[string]interface{}{"signal": sig})
			}
		case <-ctx.Done():
		case <-c.done:
		}
		cancel()
		_ = c.ShutdownWithTimeout(c.config.Timeout)
	}()
	return ctx
}

// Trigger behaves as if SIGTERM had arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(c.start)
		c.result = result
		return err
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			overallErr = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overallErr)
			}
		}
	}
	return finish(overallErr)
}

func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			c.log(results[idx])
		}(i, reg)
	}

	wg.Wait()
	return results
}

func (c *Coordinator) log(hr HandlerResult) {
	if c.config.Logger == nil {
		return
	}
	fields := map[string]interface{}{
		"handler":  hr.Name,
		"phase":    hr.Phase,
		"duration": hr.Duration,
	}
	if hr.Err != nil {
		fields["error"] = hr.Err
		c.config.Logger.Warn("stop failed", fields)
		return
	}
	c.config.Logger.Debug("stopped", fields)
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
