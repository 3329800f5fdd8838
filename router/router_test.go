package router

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
	"github.com/vinayprograms/plasma/journal"
	"github.com/vinayprograms/plasma/logging"
	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/state"
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

func quietLogger() *logging.Logger {
	return logging.NewWithOptions(logging.Options{Output: io.Discard})
}

func newRouter(t *testing.T, cfg Config) (*Router, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	cfg.Bus = b
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r, b
}

func expectMessage(t *testing.T, sub bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectNothing(t *testing.T, sub bus.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s: %s", msg.Subject, msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	_, err = New(Config{Bus: b, StrictRouting: true})
	assert.Error(t, err, "strict routing without registry")

	r, err := New(Config{Bus: b})
	require.NoError(t, err)
	assert.Equal(t, time.Second, r.hbInterval)
}

func TestHandle_ForwardsIdenticalBytes(t *testing.T) {
	sink := &memSink{}
	r, b := newRouter(t, Config{Journal: sink})

	sub, err := b.Subscribe(bus.TaskTopic("grok"))
	require.NoError(t, err)

	raw := []byte(`{"task_id":"t1","target":"grok","prompt":"hi","params":{"max_tokens":50,"temperature":0.2},"x":1}`)
	require.NoError(t, r.Handle(context.Background(), raw))

	msg := expectMessage(t, sub)
	assert.Equal(t, bus.TaskTopic("grok"), msg.Subject)
	assert.True(t, bytes.Equal(raw, msg.Data), "payload must be forwarded byte for byte")

	assert.Equal(t, Stats{Routed: 1}, r.Stats())
	assert.Equal(t, []journal.Kind{journal.KindRouted}, sink.kinds())
}

func TestHandle_Drops(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code errors.ErrorCode
	}{
		{"not json", `not json`, errors.ErrCodeParse},
		{"array", `[1,2]`, errors.ErrCodeSchema},
		{"missing task_id", `{"target":"grok","prompt":"x"}`, errors.ErrCodeSchema},
		{"target not a string", `{"task_id":"t","target":5}`, errors.ErrCodeSchema},
		{"missing target", `{"task_id":"t3","prompt":"x"}`, errors.ErrCodeRouting},
		{"empty target", `{"task_id":"t3","target":"","prompt":"x"}`, errors.ErrCodeRouting},
		{"target with whitespace", `{"task_id":"t3","target":"gr ok","prompt":"x"}`, errors.ErrCodeRouting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memSink{}
			r, b := newRouter(t, Config{Journal: sink})
			results, _ := b.Subscribe(bus.TopicResults)

			err := r.Handle(context.Background(), []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", errors.Code(err))
			assert.Equal(t, uint64(1), r.Stats().Dropped)
			assert.Equal(t, []journal.Kind{journal.KindDropped}, sink.kinds())
			expectNothing(t, results)
		})
	}
}

func TestHandle_UnknownTargetDroppedSilently(t *testing.T) {
	r, b := newRouter(t, Config{})
	results, _ := b.Subscribe(bus.TopicResults)

	// Nobody listens on plasma_tasks:nobody; the publish still succeeds.
	require.NoError(t, r.Handle(context.Background(), []byte(`{"task_id":"t2","target":"nobody","prompt":"x"}`)))
	expectNothing(t, results)
	assert.Equal(t, uint64(1), r.Stats().Routed)
}

func TestHandle_StrictRoutingRejectsUnknownTarget(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	require.NoError(t, reg.Register(registry.AgentInfo{Name: "grok", Static: true}))

	r, b := newRouter(t, Config{Registry: reg, StrictRouting: true})
	results, _ := b.Subscribe(bus.TopicResults)
	tasks, _ := b.Subscribe(bus.TaskTopic("nobody"))

	err := r.Handle(context.Background(), []byte(`{"task_id":"t2","target":"nobody","prompt":"x"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRouting))

	msg := expectMessage(t, results)
	res, err := envelope.DecodeResult(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "t2", res.TaskID)
	assert.Equal(t, Agent, res.Agent)
	assert.Equal(t, `ROUTING_ERROR: unknown target "nobody"`, res.Error)
	expectNothing(t, tasks)
	assert.Equal(t, uint64(1), r.Stats().Rejected)

	grok, _ := b.Subscribe(bus.TaskTopic("grok"))
	require.NoError(t, r.Handle(context.Background(), []byte(`{"task_id":"t3","target":"grok","prompt":"x"}`)))
	expectMessage(t, grok)
}

func TestRun_RoutesAndSurvivesBadInput(t *testing.T) {
	r, b := newRouter(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	tasks, _ := b.Subscribe(bus.TaskTopic("chatgpt"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("router never became ready")
	}

	require.NoError(t, b.Publish(bus.TopicInbox, []byte(`{{{`)))
	require.NoError(t, b.Publish(bus.TopicInbox, []byte(`{"task_id":"t1","target":"chatgpt","prompt":"hi"}`)))

	msg := expectMessage(t, tasks)
	assert.Equal(t, "t1", envelope.PeekTaskID(msg.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Stats{Routed: 1, Dropped: 1}, r.Stats())
}

func TestRun_HeartbeatAndStateKey(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	r, b := newRouter(t, Config{Store: store, HeartbeatInterval: 10 * time.Millisecond})
	hbs, _ := b.Subscribe(bus.TopicHeartbeats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	msg := expectMessage(t, hbs)
	hb, err := envelope.DecodeHeartbeat(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, Agent, hb.Agent)

	require.Eventually(t, func() bool {
		at, err := state.GetTime(store, state.KeyBrokerHeartbeat)
		return err == nil && time.Since(at) < 5*time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestRun_ObservesHeartbeatsIntoRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	r, b := newRouter(t, Config{Registry: reg, StrictRouting: true, HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	<-r.Ready()

	data, err := envelope.NewHeartbeat("grok", time.Now()).Marshal()
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.TopicHeartbeats, data))

	require.Eventually(t, func() bool {
		return registry.Known(reg, "grok")
	}, time.Second, 10*time.Millisecond)
	assert.False(t, registry.Known(reg, Agent), "router does not register itself")
}
