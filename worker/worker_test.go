package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/llm"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/state"
	"github.com/vinayprograms/plasma/tasks"
)

type memSink struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (s *memSink) Append(_ context.Context, e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) kinds() []journal.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]journal.Kind, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Kind
	}
	return out
}

func newWorker(t *testing.T, cfg Config) (*Worker, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	cfg.Bus = b
	if cfg.Agent == "" {
		cfg.Agent = "grok"
	}
	if cfg.Complete == nil {
		cfg.Complete = llm.Offline(cfg.Agent)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewWithOptions(logging.Options{Output: io.Discard})
	}
	w, err := New(cfg)
	require.NoError(t, err)
	return w, b
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatal("worker never became ready")
	}
	return cancel
}

func nextResult(t *testing.T, sub bus.Subscription) *envelope.Result {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		res, err := envelope.DecodeResult(msg.Data)
		require.NoError(t, err)
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	echo := llm.Offline("grok")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Bus: b, Agent: "grok", Complete: echo}, false},
		{"missing bus", Config{Agent: "grok", Complete: echo}, true},
		{"missing agent", Config{Bus: b, Complete: echo}, true},
		{"agent with space", Config{Bus: b, Agent: "gr ok", Complete: echo}, true},
		{"missing completion", Config{Bus: b, Agent: "grok"}, true},
		{"negative tokens", Config{Bus: b, Agent: "grok", Complete: echo, MaxTokens: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() = %v", err)
		})
	}
}

func TestProcess(t *testing.T) {
	var gotTokens int
	complete := func(ctx context.Context, prompt string, p llm.Params) (string, error) {
		gotTokens = p.MaxTokens
		switch prompt {
		case "fail":
			return "", fmt.Errorf("upstream 500")
		case "panic":
			panic("kaboom")
		case "silent":
			return "", fmt.Errorf("")
		}
		return "answer: " + prompt, nil
	}
	w, _ := newWorker(t, Config{Complete: complete})

	tests := []struct {
		name       string
		raw        string
		wantNil    bool
		wantResult string
		wantError  string
		wantTokens int
	}{
		{"success", `{"task_id":"t1","target":"grok","prompt":"hi"}`, false, "answer: hi", "", 200},
		{"max tokens override", `{"task_id":"t1","prompt":"hi","params":{"max_tokens":50}}`, false, "answer: hi", "", 50},
		{"completion failure", `{"task_id":"t2","prompt":"fail"}`, false, "", "upstream 500", 200},
		{"panic", `{"task_id":"t3","prompt":"panic"}`, false, "", "panic: kaboom", 200},
		{"failure without message", `{"task_id":"t9","prompt":"silent"}`, false, "", envelope.UnknownError, 200},
		{"missing prompt", `{"task_id":"t4","target":"grok"}`, false, "", "missing prompt", 0},
		{"empty prompt", `{"task_id":"t4","prompt":""}`, false, "", "missing prompt", 0},
		{"not json", `nope`, true, "", "", 0},
		{"no task id", `{"prompt":"hi"}`, true, "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTokens = 0
			res := w.Process(context.Background(), []byte(tt.raw))
			if tt.wantNil {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, "grok", res.Agent)
			assert.Equal(t, tt.wantResult, res.Result)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, tt.wantTokens, gotTokens)
		})
	}
	assert.Equal(t, uint64(2), w.Skipped())
}

func TestRun_OfflineEcho(t *testing.T) {
	sink := &memSink{}
	w, b := newWorker(t, Config{Agent: "chatgpt", PollInterval: 5 * time.Millisecond, Journal: sink})
	results, _ := b.Subscribe(bus.TopicResults)
	startWorker(t, w)

	require.NoError(t, b.Publish(bus.TaskTopic("chatgpt"), []byte(`{"task_id":"t1","target":"chatgpt","prompt":"hello"}`)))

	res := nextResult(t, results)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "chatgpt", res.Agent)
	assert.Equal(t, "[OFFLINE chatgpt] hello", res.Result)
	assert.Empty(t, res.Error)

	require.Eventually(t, func() bool { return len(sink.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []journal.Kind{journal.KindConsumed, journal.KindResult}, sink.kinds())
}

func TestRun_OneTaskPerTick(t *testing.T) {
	w, b := newWorker(t, Config{PollInterval: 50 * time.Millisecond})
	results, _ := b.Subscribe(bus.TopicResults)
	startWorker(t, w)

	for i := 0; i < 3; i++ {
		raw := fmt.Sprintf(`{"task_id":"t%d","prompt":"p%d"}`, i, i)
		require.NoError(t, b.Publish(bus.TaskTopic("grok"), []byte(raw)))
	}

	// Results come out in order, one per tick.
	start := time.Now()
	for i := 0; i < 3; i++ {
		res := nextResult(t, results)
		assert.Equal(t, fmt.Sprintf("t%d", i), res.TaskID)
	}
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestRun_SurvivesGarbage(t *testing.T) {
	w, b := newWorker(t, Config{PollInterval: 5 * time.Millisecond})
	results, _ := b.Subscribe(bus.TopicResults)
	startWorker(t, w)

	require.NoError(t, b.Publish(bus.TaskTopic("grok"), []byte(`}{`)))
	require.NoError(t, b.Publish(bus.TaskTopic("grok"), []byte(`{"task_id":"ok","prompt":"x"}`)))

	res := nextResult(t, results)
	assert.Equal(t, "ok", res.TaskID)
	assert.Equal(t, uint64(1), w.Skipped())
}

func TestRun_HeartbeatEveryTickWhileIdle(t *testing.T) {
	w, b := newWorker(t, Config{PollInterval: 10 * time.Millisecond})
	hbs, _ := b.Subscribe(bus.TopicHeartbeats)
	startWorker(t, w)

	for i := 0; i < 3; i++ {
		select {
		case msg := <-hbs.Messages():
			hb, err := envelope.DecodeHeartbeat(msg.Data)
			require.NoError(t, err)
			assert.Equal(t, "grok", hb.Agent)
			assert.Equal(t, envelope.StatusAlive, hb.Status)
		case <-time.After(time.Second):
			t.Fatalf("missing heartbeat %d", i)
		}
	}
}

func TestRun_RegistersWhileRunning(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	w, _ := newWorker(t, Config{Registry: reg, Provider: "xai", Model: "grok-2-latest", PollInterval: 5 * time.Millisecond})
	cancel := startWorker(t, w)

	info, err := reg.Get("grok")
	require.NoError(t, err)
	assert.Equal(t, "xai", info.Provider)
	assert.Equal(t, "grok-2-latest", info.Model)

	cancel()
	require.Eventually(t, func() bool { return !registry.Known(reg, "grok") }, time.Second, 5*time.Millisecond)
}

func TestRun_QueueGroupSharesTasks(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	results, _ := b.Subscribe(bus.TopicResults)

	logger := logging.NewWithOptions(logging.Options{Output: io.Discard})
	for i := 0; i < 2; i++ {
		w, err := New(Config{
			Bus:          b,
			Agent:        "grok",
			Complete:     llm.Offline("grok"),
			PollInterval: 5 * time.Millisecond,
			QueueGroup:   true,
			Logger:       logger,
		})
		require.NoError(t, err)
		startWorker(t, w)
	}

	const n = 6
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(bus.TaskTopic("grok"), []byte(fmt.Sprintf(`{"task_id":"t%d","prompt":"x"}`, i))))
	}

	seen := map[string]int{}
	for i := 0; i < n; i++ {
		seen[nextResult(t, results).TaskID]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s answered more than once", id)
	}
}

func TestTick_NotSubscribed(t *testing.T) {
	w, _ := newWorker(t, Config{})
	assert.Error(t, w.Tick(context.Background()))
}

type failingLedger struct{}

func (failingLedger) Claim(context.Context, string, string, string) (bool, error) {
	return false, fmt.Errorf("store unreachable")
}

func (failingLedger) Complete(context.Context, string, string, string) error {
	return fmt.Errorf("store unreachable")
}

func TestProcess_Ledger(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ledger := tasks.NewManager(store)

	complete := func(ctx context.Context, prompt string, p llm.Params) (string, error) {
		if prompt == "fail" {
			return "", fmt.Errorf("upstream 500")
		}
		return "ok", nil
	}
	a, _ := newWorker(t, Config{Complete: complete, Ledger: ledger, WorkerID: "grok-a"})
	b, _ := newWorker(t, Config{Complete: complete, Ledger: ledger, WorkerID: "grok-b"})
	ctx := context.Background()

	raw := []byte(`{"task_id":"t1","prompt":"hi"}`)
	require.NotNil(t, a.Process(ctx, raw))
	assert.Nil(t, b.Process(ctx, raw), "second worker must leave the task alone")
	assert.Equal(t, uint64(1), b.ClaimedElsewhere())

	rec, err := ledger.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, rec.Status)
	assert.Equal(t, "grok-a", rec.ClaimedBy)

	require.NotNil(t, b.Process(ctx, []byte(`{"task_id":"t2","prompt":"fail"}`)))
	rec, err = ledger.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, rec.Status)
	assert.Equal(t, "upstream 500", rec.Error)
}

func TestProcess_LedgerUnavailable(t *testing.T) {
	w, _ := newWorker(t, Config{Ledger: failingLedger{}})

	res := w.Process(context.Background(), []byte(`{"task_id":"t1","prompt":"hi"}`))
	require.NotNil(t, res)
	assert.False(t, res.Failed())
	assert.Zero(t, w.ClaimedElsewhere())
}

func TestNew_DefaultWorkerID(t *testing.T) {
	a, _ := newWorker(t, Config{})
	b, _ := newWorker(t, Config{})
	assert.Contains(t, a.WorkerID(), "grok-")
	assert.NotEqual(t, a.WorkerID(), b.WorkerID())
}
