package correlator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vinayprograms/plasma/bus"
	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
)

func TestParsePipeline(t *testing.T) {
	data := []byte(`
name: review
steps:
  - target: planner
    max_tokens: 300
  - target: critic
    role: reviewer
    timeout: 5s
  - target: judge
    aggregate: true
`)
	p, err := ParsePipeline(data)
	require.NoError(t, err)
	assert.Equal(t, "review", p.Name)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, 300, p.Steps[0].MaxTokens)
	assert.Equal(t, "reviewer", p.Steps[1].Role)
	assert.Equal(t, 5*time.Second, p.Steps[1].Timeout)
	assert.True(t, p.Steps[2].Aggregate)
}

func TestParsePipeline_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "steps: [unclosed"},
		{"no steps", "name: empty\n"},
		{"missing target", "steps:\n  - role: x\n"},
		{"negative tokens", "steps:\n  - target: a\n    max_tokens: -1\n"},
		{"aggregate first", "steps:\n  - target: judge\n    aggregate: true\n"},
		{"unknown field", "steps:\n  - target: a\n    temperature: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nsteps:\n  - target: grok\n"), 0o644))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "grok", p.Steps[0].Target)

	_, err = LoadPipeline(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultPipeline(t *testing.T) {
	p := DefaultPipeline()
	require.NoError(t, p.Validate())
	var targets []string
	for _, s := range p.Steps {
		targets = append(targets, s.Target)
	}
	assert.Equal(t, []string{"chatgpt", "grok", "judge"}, targets)
	assert.True(t, p.Steps[2].Aggregate)
}

func TestAggregatePrompt(t *testing.T) {
	got, err := aggregatePrompt([]StepResult{
		{Agent: "chatgpt", Result: "a <b> & c"},
		{Agent: "grok", Result: "d"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, AggregateInstruction))

	var list []map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(got, AggregateInstruction)), &list))
	assert.Equal(t, []map[string]string{
		{"agent": "chatgpt", "result": "a <b> & c"},
		{"agent": "grok", "result": "d"},
	}, list)
	assert.Contains(t, got, "a <b> & c")
}

// fakeAgents answers inbox tasks directly, standing in for router and
// workers.
type fakeAgents struct {
	mu    sync.Mutex
	tasks []*envelope.Task
	raw   [][]byte
}

func (f *fakeAgents) start(t *testing.T, b bus.MessageBus, fail string) {
	t.Helper()
	sub, err := b.Subscribe(bus.TopicInbox)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	go func() {
		for msg := range sub.Messages() {
			task, err := envelope.DecodeTask(msg.Data)
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.tasks = append(f.tasks, task)
			f.raw = append(f.raw, msg.Data)
			f.mu.Unlock()

			res := envelope.NewResult(task.TaskID, task.Target, task.Target+"("+task.Prompt+")")
			if task.Target == fail {
				res = envelope.NewErrorResult(task.TaskID, task.Target, "boom")
			}
			data, _ := res.Marshal()
			b.Publish(bus.TopicResults, data)
		}
	}()
}

func TestRunPipeline_ThreadsResults(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	agents := &fakeAgents{}
	agents.start(t, b, "")
	c := newClient(t, b, nil)

	p := Pipeline{Name: "chain", Steps: []Step{
		{Target: "a", MaxTokens: 42},
		{Target: "b", Role: "critic"},
	}}

	var seen []int
	out, err := c.RunPipeline(context.Background(), p, "start", func(sr StepResult) {
		seen = append(seen, sr.Step)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, seen)
	assert.Equal(t, "b(a(start))", out.Final())
	require.Len(t, out.Steps, 2)
	_, err = uuid.Parse(out.Session)
	assert.NoError(t, err, "session id")
	for _, sr := range out.Steps {
		_, err := uuid.Parse(sr.TaskID)
		assert.NoError(t, err, "step %d task id", sr.Step)
	}
	assert.NotEqual(t, out.Steps[0].TaskID, out.Steps[1].TaskID)

	agents.mu.Lock()
	defer agents.mu.Unlock()
	require.Len(t, agents.tasks, 2)
	assert.Equal(t, 42, agents.tasks[0].MaxTokens(0))
	assert.Nil(t, agents.tasks[1].Params)
	assert.Equal(t, "critic", gjson.GetBytes(agents.raw[1], "metadata.role").Str)
	assert.Equal(t, int64(1), gjson.GetBytes(agents.raw[1], "metadata.step").Int())
	assert.Equal(t, out.Session, gjson.GetBytes(agents.raw[1], "metadata.session_id").Str)
	assert.Equal(t, out.Steps[1].TaskID, agents.tasks[1].TaskID)
}

func TestRunPipeline_Aggregate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	agents := &fakeAgents{}
	agents.start(t, b, "")
	c := newClient(t, b, nil)

	out, err := c.RunPipeline(context.Background(), DefaultPipeline(), "q", nil)
	require.NoError(t, err)
	require.Len(t, out.Steps, 3)

	agents.mu.Lock()
	judgePrompt := agents.tasks[2].Prompt
	agents.mu.Unlock()
	assert.True(t, strings.HasPrefix(judgePrompt, AggregateInstruction))
	assert.Contains(t, judgePrompt, `"agent": "chatgpt"`)
	assert.Contains(t, judgePrompt, `"result": "grok(chatgpt(q))"`)
}

func TestRunPipeline_ErrorResultAborts(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	agents := &fakeAgents{}
	agents.start(t, b, "grok")
	c := newClient(t, b, nil)

	out, err := c.RunPipeline(context.Background(), DefaultPipeline(), "q", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCompletion))
	assert.Equal(t, "grok", errors.AsAgentError(err).AgentID())
	require.NotNil(t, out)
	assert.Len(t, out.Steps, 1, "judge never ran")
}

func TestRunPipeline_StepTimeout(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	c := newClient(t, b, nil)

	p := Pipeline{Steps: []Step{{Target: "silent", Timeout: 30 * time.Millisecond}}}
	_, err := c.RunPipeline(context.Background(), p, "q", nil)
	assert.True(t, errors.IsTimeout(err))
}

func TestRunPipeline_RejectsEmptyPrompt(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	c := newClient(t, b, nil)

	_, err := c.RunPipeline(context.Background(), DefaultPipeline(), "", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeSchema))
}
