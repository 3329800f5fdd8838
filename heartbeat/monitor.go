package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/logging"
)

// maxSkew is how far ahead of the monitor's clock a heartbeat timestamp may
// run before it is taken as arriving now.
const maxSkew = 5 * time.Second

// Monitor tracks the last heartbeat of every agent seen on
// plasma_heartbeats. It is purely observational: it never publishes.
type Monitor struct {
	bus            bus.MessageBus
	staleAfter     time.Duration
	checkInterval  time.Duration
	reportInterval time.Duration
	now            func() time.Time
	logger         *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]time.Time
	reported map[string]bool // agents already reported stale
	staleCBs []func(agent string, age time.Duration)
	seenCBs  []func(hb *envelope.Heartbeat)

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a new heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultMonitorConfig()
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = defaults.StaleAfter
	}
	checkInterval := cfg.CheckInterval
	if checkInterval == 0 {
		checkInterval = defaults.CheckInterval
	}
	reportInterval := cfg.ReportInterval
	if reportInterval == 0 {
		reportInterval = defaults.ReportInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	return &Monitor{
		bus:            cfg.Bus,
		staleAfter:     staleAfter,
		checkInterval:  checkInterval,
		reportInterval: reportInterval,
		now:            now,
		logger:         logger.WithComponent("monitor"),
		lastSeen:       make(map[string]time.Time),
		reported:       make(map[string]bool),
	}, nil
}

// Start subscribes to heartbeats and runs the stale checker and status
// reporter until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := m.bus.Subscribe(bus.TopicHeartbeats)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

// run processes incoming heartbeats and checks for stale agents.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	var reportC <-chan time.Time
	if m.reportInterval > 0 {
		reportTicker := time.NewTicker(m.reportInterval)
		defer reportTicker.Stop()
		reportC = reportTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.processMessage(msg)
		case <-checkTicker.C:
			m.CheckStale(m.now())
		case <-reportC:
			m.Report(m.now())
		}
	}
}

// processMessage handles an incoming heartbeat message.
func (m *Monitor) processMessage(msg *bus.Message) {
	hb, err := envelope.DecodeHeartbeat(msg.Data)
	if err != nil {
		m.logger.Debug("ignoring malformed heartbeat", map[string]interface{}{"error": err})
		return
	}
	m.Record(hb)
}

// Record applies a heartbeat. Heartbeats older than the one already held
// for the agent are ignored. A timestamp more than maxSkew in the future is
// clamped to the monitor's clock, so a skewed sender cannot pin an agent
// ONLINE.
func (m *Monitor) Record(hb *envelope.Heartbeat) {
	at := hb.Time()
	if now := m.now(); at.After(now.Add(maxSkew)) {
		m.logger.Debug("heartbeat from the future", map[string]interface{}{
			"agent":     hb.Agent,
			"timestamp": hb.Timestamp,
		})
		at = now
	}

	m.mu.Lock()
	if prev, ok := m.lastSeen[hb.Agent]; ok && prev.After(at) {
		m.mu.Unlock()
		return
	}
	m.lastSeen[hb.Agent] = at
	delete(m.reported, hb.Agent) // Agent is alive, clear stale report
	callbacks := make([]func(*envelope.Heartbeat), len(m.seenCBs))
	copy(callbacks, m.seenCBs)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(hb)
	}
}

// Status returns every known agent's age and state at now.
func (m *Monitor) Status(now time.Time) map[string]AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]AgentStatus, len(m.lastSeen))
	for agent, seen := range m.lastSeen {
		out[agent] = m.statusOf(agent, seen, now)
	}
	return out
}

// Agents returns Status sorted by agent name.
func (m *Monitor) Agents(now time.Time) []AgentStatus {
	status := m.Status(now)
	out := make([]AgentStatus, 0, len(status))
	for _, s := range status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (m *Monitor) statusOf(agent string, seen, now time.Time) AgentStatus {
	age := now.Sub(seen)
	if age < 0 {
		age = 0
	}
	st := StateOnline
	if age > m.staleAfter {
		st = StateStale
	}
	return AgentStatus{Agent: agent, LastSeen: seen, Age: age, State: st}
}

// IsAlive reports whether agent is ONLINE at now.
func (m *Monitor) IsAlive(agent string, now time.Time) bool {
	m.mu.RLock()
	seen, ok := m.lastSeen[agent]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return m.statusOf(agent, seen, now).State == StateOnline
}

// LastSeen returns the time of the agent's latest heartbeat.
func (m *Monitor) LastSeen(agent string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen, ok := m.lastSeen[agent]
	return seen, ok
}

// OnStale registers a callback invoked once each time an agent turns
// STALE. A fresh heartbeat re-arms it.
func (m *Monitor) OnStale(callback func(agent string, age time.Duration)) {
	m.mu.Lock()
	m.staleCBs = append(m.staleCBs, callback)
	m.mu.Unlock()
}

// OnHeartbeat registers a callback invoked for every accepted heartbeat.
func (m *Monitor) OnHeartbeat(callback func(hb *envelope.Heartbeat)) {
	m.mu.Lock()
	m.seenCBs = append(m.seenCBs, callback)
	m.mu.Unlock()
}

// CheckStale fires OnStale callbacks for agents that became stale.
func (m *Monitor) CheckStale(now time.Time) {
	type staleAgent struct {
		name string
		age  time.Duration
	}
	var stale []staleAgent

	m.mu.Lock()
	for agent, seen := range m.lastSeen {
		st := m.statusOf(agent, seen, now)
		if st.State == StateStale && !m.reported[agent] {
			m.reported[agent] = true
			stale = append(stale, staleAgent{agent, st.Age})
		}
	}
	callbacks := make([]func(string, time.Duration), len(m.staleCBs))
	copy(callbacks, m.staleCBs)
	m.mu.Unlock()

	for _, s := range stale {
		for _, cb := range callbacks {
			cb(s.name, s.age)
		}
	}
}

// Report logs one status line per known agent.
func (m *Monitor) Report(now time.Time) {
	for _, s := range m.Agents(now) {
		m.logger.AgentStatus(s.Agent, s.Age, s.State)
	}
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	if m.sub != nil {
		m.sub.Unsubscribe()
	}

	close(m.stopCh)
	<-m.doneCh
	return nil
}
