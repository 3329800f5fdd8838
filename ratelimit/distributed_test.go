package ratelimit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vinayprograms/plasma/bus"
)

func newDistributed(t *testing.T, b bus.MessageBus, source string, opts ...func(*DistributedConfig)) *DistributedLimiter {
	t.Helper()
	cfg := DistributedConfig{Bus: b, Source: source}
	for _, o := range opts {
		o(&cfg)
	}
	d, err := NewDistributedLimiter(cfg)
	if err != nil {
		t.Fatalf("NewDistributedLimiter: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDistributedConfig_Validate(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	tests := []struct {
		name    string
		cfg     DistributedConfig
		wantErr bool
	}{
		{"valid", DistributedConfig{Bus: mbus, Source: "grok"}, false},
		{"missing bus", DistributedConfig{Source: "grok"}, true},
		{"missing source", DistributedConfig{Bus: mbus}, true},
		{"reduce factor of one", DistributedConfig{Bus: mbus, Source: "grok", ReduceFactor: 1}, true},
		{"shrinking recovery", DistributedConfig{Bus: mbus, Source: "grok", RecoveryFactor: 0.9}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err != ErrInvalidConfig {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDistributedLimiter_Defaults(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newDistributed(t, mbus, "grok")
	want := DefaultDistributedConfig()
	if d.config.ReduceFactor != want.ReduceFactor ||
		d.config.RecoveryInterval != want.RecoveryInterval ||
		d.config.RecoveryFactor != want.RecoveryFactor {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestDistributedLimiter_AnnouncePublishes(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	sub, err := mbus.Subscribe(bus.TopicCapacity)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	d := newDistributed(t, mbus, "grok")
	d.SetCapacity("xai", 60, time.Minute)
	d.AnnounceReduced("xai", "429 too many requests")

	if got := d.GetCapacity("xai").Total; got != 30 {
		t.Errorf("local capacity = %d, want 30", got)
	}

	select {
	case msg := <-sub.Messages():
		var update CapacityUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			t.Fatalf("update is not JSON: %v", err)
		}
		if update.Resource != "xai" || update.Source != "grok" || update.NewCapacity != 30 {
			t.Errorf("update = %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no capacity update published")
	}
}

func TestDistributedLimiter_PeersFollowReduction(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	seen := make(chan *CapacityUpdate, 1)
	a := newDistributed(t, mbus, "chatgpt")
	b := newDistributed(t, mbus, "judge", func(c *DistributedConfig) {
		c.OnUpdate = func(u *CapacityUpdate) { seen <- u }
	})
	a.SetCapacity("openai", 100, time.Minute)
	b.SetCapacity("openai", 100, time.Minute)

	a.AnnounceReduced("openai", "429")

	waitFor(t, "peer reduction", func() bool {
		return b.GetCapacity("openai").Total == 50
	})
	select {
	case u := <-seen:
		if u.Source != "chatgpt" {
			t.Errorf("callback source = %q", u.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("OnUpdate not called")
	}
	if got := a.GetCapacity("openai").Total; got != 50 {
		t.Errorf("announcer applied its own update twice: %d", got)
	}
}

func TestDistributedLimiter_HandleUpdate(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	update := func(u CapacityUpdate) []byte {
		data, _ := json.Marshal(u)
		return data
	}

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"peer reduction", update(CapacityUpdate{Resource: "openai", Source: "judge", NewCapacity: 10}), 10},
		{"own update", update(CapacityUpdate{Resource: "openai", Source: "chatgpt", NewCapacity: 10}), 40},
		{"higher capacity", update(CapacityUpdate{Resource: "openai", Source: "judge", NewCapacity: 80}), 40},
		{"unknown resource", update(CapacityUpdate{Resource: "xai", Source: "judge", NewCapacity: 10}), 40},
		{"zero capacity", update(CapacityUpdate{Resource: "openai", Source: "judge"}), 40},
		{"malformed", []byte("not json"), 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDistributed(t, mbus, "chatgpt")
			d.SetCapacity("openai", 40, time.Minute)
			d.handleUpdate(tt.data)
			if got := d.GetCapacity("openai").Total; got != tt.want {
				t.Errorf("capacity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDistributedLimiter_Recovery(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newDistributed(t, mbus, "grok", func(c *DistributedConfig) {
		c.RecoveryInterval = time.Hour
		c.RecoveryFactor = 1.5
	})
	d.SetCapacity("xai", 100, time.Minute)
	d.AnnounceReduced("xai", "429")

	now := time.Now()
	d.attemptRecovery(now)
	if got := d.GetCapacity("xai").Total; got != 50 {
		t.Errorf("recovered before the quiet period: %d", got)
	}

	steps := []int{75, 100, 100}
	for i, want := range steps {
		now = now.Add(time.Hour + time.Second)
		d.attemptRecovery(now)
		if got := d.GetCapacity("xai").Total; got != want {
			t.Errorf("step %d: capacity = %d, want %d", i, got, want)
		}
	}
}

func TestDistributedLimiter_RecoveryAlwaysGrows(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newDistributed(t, mbus, "grok", func(c *DistributedConfig) {
		c.RecoveryInterval = time.Hour
	})
	d.SetCapacity("xai", 4, time.Minute)
	d.AnnounceReduced("xai", "429")
	d.AnnounceReduced("xai", "429")
	if got := d.GetCapacity("xai").Total; got != 1 {
		t.Fatalf("capacity = %d, want 1", got)
	}

	d.attemptRecovery(time.Now().Add(2 * time.Hour))
	if got := d.GetCapacity("xai").Total; got != 2 {
		t.Errorf("1 * 1.1 should still grow to 2, got %d", got)
	}
}

func TestDistributedLimiter_TryAcquireExhausts(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newDistributed(t, mbus, "grok")
	d.SetCapacity("xai", 2, time.Hour)
	for i := 0; i < 2; i++ {
		if !d.TryAcquire("xai") {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if d.TryAcquire("xai") {
		t.Error("third acquire should fail on a bucket of two")
	}
}

func TestDistributedLimiter_AnnounceUnknown(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	sub, _ := mbus.Subscribe(bus.TopicCapacity)
	defer sub.Unsubscribe()

	d := newDistributed(t, mbus, "grok")
	d.AnnounceReduced("xai", "429")

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected update %s", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDistributedLimiter_CloseIdempotent(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d, err := NewDistributedLimiter(DistributedConfig{Bus: mbus, Source: "grok"})
	if err != nil {
		t.Fatalf("NewDistributedLimiter: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if d.TryAcquire("xai") {
		t.Error("TryAcquire should fail after Close")
	}
}
