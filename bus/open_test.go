package bus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vinayprograms/plasma/errors"
)

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), OpenConfig{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("Open(memory) = %T", b)
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, _ := strconv.Atoi(mr.Port())

	cfg := DefaultOpenConfig()
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port

	b, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*RedisBus); !ok {
		t.Errorf("Open(redis) = %T", b)
	}
}

func TestOpen_ExhaustedIsTransportError(t *testing.T) {
	cfg := DefaultOpenConfig()
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1
	cfg.Redis.DialTimeout = 100 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond

	var retries int
	cfg.OnRetry = func(int, error, time.Duration) { retries++ }

	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, errors.ErrCodeTransport) {
		t.Fatalf("expected TRANSPORT_ERROR, got %v", err)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), OpenConfig{Backend: "kafka"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestTaskTopic(t *testing.T) {
	if got := TaskTopic("grok"); got != "plasma_tasks:grok" {
		t.Errorf("TaskTopic = %q", got)
	}
	agent, ok := AgentFromTaskTopic("plasma_tasks:judge")
	if !ok || agent != "judge" {
		t.Errorf("AgentFromTaskTopic = %q, %v", agent, ok)
	}
	if _, ok := AgentFromTaskTopic("plasma_results"); ok {
		t.Error("plasma_results is not a task topic")
	}
	if _, ok := AgentFromTaskTopic("plasma_tasks:"); ok {
		t.Error("empty agent should not parse")
	}
}
