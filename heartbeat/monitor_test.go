package heartbeat

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/logging"
)

// --- Unit Tests ---

func TestMonitorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     MonitorConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig())},
			wantErr: false,
		},
		{
			name:    "missing bus",
			cfg:     MonitorConfig{},
			wantErr: true,
		},
		{
			name:    "negative threshold",
			cfg:     MonitorConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig()), StaleAfter: -time.Second},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()
	if cfg.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want 30s", cfg.StaleAfter)
	}
	if cfg.ReportInterval != 10*time.Second {
		t.Errorf("ReportInterval = %v, want 10s", cfg.ReportInterval)
	}
}

func newTestMonitor(t *testing.T, staleAfter time.Duration) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Bus:        bus.NewMemoryBus(bus.DefaultConfig()),
		StaleAfter: staleAfter,
	})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	return m
}

func TestMonitor_StaleAfterSilence(t *testing.T) {
	m := newTestMonitor(t, 30*time.Second)
	t0 := time.Unix(1700000000, 0)

	m.Record(envelope.NewHeartbeat("grok", t0))

	tests := []struct {
		at        time.Duration
		wantState string
	}{
		{0, StateOnline},
		{10 * time.Second, StateOnline},
		{30 * time.Second, StateOnline},
		{31 * time.Second, StateStale},
		{40 * time.Second, StateStale},
	}

	for _, tt := range tests {
		status := m.Status(t0.Add(tt.at))
		got, ok := status["grok"]
		if !ok {
			t.Fatalf("grok missing from status at +%v", tt.at)
		}
		if got.State != tt.wantState {
			t.Errorf("at +%v: state = %s, want %s", tt.at, got.State, tt.wantState)
		}
		if got.Age != tt.at {
			t.Errorf("at +%v: age = %v", tt.at, got.Age)
		}
	}
}

func TestMonitor_FreshHeartbeatRevives(t *testing.T) {
	m := newTestMonitor(t, 30*time.Second)
	t0 := time.Unix(1700000000, 0)

	m.Record(envelope.NewHeartbeat("chatgpt", t0))
	if m.IsAlive("chatgpt", t0.Add(time.Minute)) {
		t.Fatal("chatgpt should be stale after a minute")
	}

	m.Record(envelope.NewHeartbeat("chatgpt", t0.Add(55*time.Second)))
	if !m.IsAlive("chatgpt", t0.Add(time.Minute)) {
		t.Error("fresh heartbeat should make chatgpt ONLINE")
	}
}

func TestMonitor_IgnoresOlderHeartbeat(t *testing.T) {
	m := newTestMonitor(t, 30*time.Second)
	t0 := time.Unix(1700000000, 0)

	m.Record(envelope.NewHeartbeat("judge", t0.Add(10*time.Second)))
	m.Record(envelope.NewHeartbeat("judge", t0))

	seen, ok := m.LastSeen("judge")
	if !ok || !seen.Equal(t0.Add(10*time.Second)) {
		t.Errorf("LastSeen = %v, %v", seen, ok)
	}
}

func TestMonitor_FutureHeartbeatClamped(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	now := t0
	m, err := NewMonitor(MonitorConfig{
		Bus:        bus.NewMemoryBus(bus.DefaultConfig()),
		StaleAfter: 30 * time.Second,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}

	// A sender emitting milliseconds lands tens of thousands of years ahead.
	m.Record(&envelope.Heartbeat{Agent: "grok", Status: envelope.StatusAlive, Timestamp: 1700000000000})
	if seen, _ := m.LastSeen("grok"); !seen.Equal(t0) {
		t.Fatalf("LastSeen = %v, want clamped to %v", seen, t0)
	}

	now = t0.Add(10 * time.Second)
	m.Record(envelope.NewHeartbeat("grok", now))
	if seen, _ := m.LastSeen("grok"); !seen.Equal(now) {
		t.Errorf("LastSeen = %v, later heartbeat should apply", seen)
	}

	if m.IsAlive("grok", t0.Add(24*time.Hour)) {
		t.Error("grok should be stale a day later")
	}

	// Small skew is trusted as sent.
	skewed := now.Add(2 * time.Second)
	m.Record(envelope.NewHeartbeat("grok", skewed))
	if seen, _ := m.LastSeen("grok"); !seen.Equal(skewed) {
		t.Errorf("LastSeen = %v, want %v", seen, skewed)
	}
}

func TestMonitor_UnknownAgent(t *testing.T) {
	m := newTestMonitor(t, 30*time.Second)
	if m.IsAlive("nobody", time.Now()) {
		t.Error("unknown agent should not be alive")
	}
	if len(m.Status(time.Now())) != 0 {
		t.Error("status should be empty")
	}
}

func TestMonitor_OnStaleOncePerTransition(t *testing.T) {
	m := newTestMonitor(t, 30*time.Second)
	t0 := time.Unix(1700000000, 0)

	var mu sync.Mutex
	var stale []string
	m.OnStale(func(agent string, age time.Duration) {
		mu.Lock()
		stale = append(stale, agent)
		mu.Unlock()
	})

	m.Record(envelope.NewHeartbeat("grok", t0))
	m.Record(envelope.NewHeartbeat("chatgpt", t0.Add(20*time.Second)))

	m.CheckStale(t0.Add(40 * time.Second))
	m.CheckStale(t0.Add(45 * time.Second))

	if len(stale) != 1 || stale[0] != "grok" {
		t.Fatalf("stale callbacks = %v, want [grok]", stale)
	}

	// Revive and go stale again: one more callback.
	m.Record(envelope.NewHeartbeat("grok", t0.Add(50*time.Second)))
	m.CheckStale(t0.Add(100 * time.Second))

	if len(stale) != 3 {
		t.Errorf("stale callbacks = %v, want grok, chatgpt and grok again", stale)
	}
}

func TestMonitor_Report(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	m, _ := NewMonitor(MonitorConfig{
		Bus:    bus.NewMemoryBus(bus.DefaultConfig()),
		Logger: logger,
	})
	t0 := time.Unix(1700000000, 0)
	m.Record(envelope.NewHeartbeat("grok", t0))
	m.Record(envelope.NewHeartbeat("chatgpt", t0.Add(35*time.Second)))

	m.Report(t0.Add(40 * time.Second))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 status lines, got %q", out)
	}
	if !strings.Contains(lines[0], "agent=chatgpt") || !strings.Contains(lines[0], "state=ONLINE") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "agent=grok") || !strings.Contains(lines[1], "state=STALE") {
		t.Errorf("second line = %q", lines[1])
	}
}

// --- Integration Tests ---

func TestMonitor_FromBus(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	monitor, err := NewMonitor(MonitorConfig{
		Bus:            msgBus,
		ReportInterval: -1,
	})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}

	seen := make(chan *envelope.Heartbeat, 4)
	monitor.OnHeartbeat(func(hb *envelope.Heartbeat) { seen <- hb })

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer monitor.Stop()

	// Malformed and wrong-status messages are ignored.
	msgBus.Publish(bus.TopicHeartbeats, []byte("not json"))
	msgBus.Publish(bus.TopicHeartbeats, []byte(`{"agent":"x","status":"dead","timestamp":1}`))

	sender, _ := NewSender(SenderConfig{Bus: msgBus, Agent: "grok"})
	if err := sender.Beat(); err != nil {
		t.Fatalf("Beat error: %v", err)
	}

	select {
	case hb := <-seen:
		if hb.Agent != "grok" {
			t.Errorf("Agent = %q, want grok", hb.Agent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}

	if !monitor.IsAlive("grok", time.Now()) {
		t.Error("grok should be ONLINE")
	}
	if _, ok := monitor.LastSeen("x"); ok {
		t.Error("invalid heartbeat should not be recorded")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	monitor, _ := NewMonitor(MonitorConfig{Bus: msgBus})

	if err := monitor.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := monitor.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}
