package envelope

import (
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/plasma/errors"
)

// Type is the envelope variant tag.
type Type string

const (
	TypeTask      Type = "task"
	TypeResult    Type = "result"
	TypeHeartbeat Type = "heartbeat"
)

// Valid reports whether t is a known variant.
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypeResult, TypeHeartbeat:
		return true
	}
	return false
}

// StatusAlive is the only heartbeat status on the wire.
const StatusAlive = "alive"

// Params carries per-task completion options.
type Params struct {
	// MaxTokens overrides the agent's default token budget when > 0.
	MaxTokens int

	// Extra holds unrecognised option keys.
	Extra map[string]json.RawMessage
}

var paramsFields = []string{"max_tokens"}

// MarshalJSON implements json.Marshaler.
func (p Params) MarshalJSON() ([]byte, error) {
	out := cloneExtra(p.Extra)
	if p.MaxTokens > 0 {
		if err := setField(out, "max_tokens", p.MaxTokens); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["max_tokens"]; ok {
		if err := json.Unmarshal(v, &p.MaxTokens); err != nil {
			return err
		}
	}
	p.Extra = extraFields(raw, paramsFields)
	return nil
}

// Task asks an agent to complete a prompt.
type Task struct {
	TaskID string
	Target string
	Prompt string

	// Params is nil when the task carried no params object.
	Params *Params

	// Source and Timestamp are only present on strict envelopes.
	Source    string
	Timestamp int64

	Extra map[string]json.RawMessage
}

var taskFields = []string{"task_id", "target", "prompt", "params", "source"}

// NewTask creates a task stamped with the current time.
func NewTask(taskID, target, prompt string, params *Params) *Task {
	return &Task{
		TaskID:    taskID,
		Target:    target,
		Prompt:    prompt,
		Params:    params,
		Timestamp: time.Now().Unix(),
	}
}

// MaxTokens returns the task's token budget, or def when none was given.
func (t *Task) MaxTokens(def int) int {
	if t.Params != nil && t.Params.MaxTokens > 0 {
		return t.Params.MaxTokens
	}
	return def
}

// Marshal serializes the task to its wire shape.
func (t *Task) Marshal() ([]byte, error) {
	out := cloneExtra(t.Extra)
	fields := map[string]interface{}{
		"task_id": t.TaskID,
		"target":  t.Target,
		"prompt":  t.Prompt,
	}
	if t.Params != nil {
		fields["params"] = t.Params
	}
	if t.Source != "" {
		fields["source"] = t.Source
	}
	if t.Timestamp != 0 {
		fields["timestamp"] = t.Timestamp
	}
	for k, v := range fields {
		if err := setField(out, k, v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (t *Task) unmarshal(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := getField(raw, "task_id", &t.TaskID); err != nil {
		return err
	}
	if err := getField(raw, "target", &t.Target); err != nil {
		return err
	}
	if err := getField(raw, "prompt", &t.Prompt); err != nil {
		return err
	}
	if err := getField(raw, "source", &t.Source); err != nil {
		return err
	}
	// A non-numeric timestamp is foreign data; keep it in Extra.
	if v, ok := raw["timestamp"]; ok {
		var ts float64
		if json.Unmarshal(v, &ts) == nil {
			t.Timestamp = int64(ts)
			delete(raw, "timestamp")
		}
	}
	if v, ok := raw["params"]; ok && string(v) != "null" {
		t.Params = &Params{}
		if err := json.Unmarshal(v, t.Params); err != nil {
			return err
		}
	}
	t.Extra = extraFields(raw, taskFields)
	return nil
}

// Result is an agent's answer to a task. Exactly one of Result and Error is
// meaningful: a non-empty Error marks a failed task.
type Result struct {
	TaskID string
	Agent  string
	Result string
	Error  string

	Extra map[string]json.RawMessage
}

var resultFields = []string{"task_id", "agent", "result", "error"}

// NewResult creates a successful result.
func NewResult(taskID, agent, text string) *Result {
	return &Result{TaskID: taskID, Agent: agent, Result: text}
}

// UnknownError stands in for a failure that came without a message, so a
// failed result never goes out looking like an empty answer.
const UnknownError = "completion failed"

// NewErrorResult creates a failed result.
func NewErrorResult(taskID, agent, message string) *Result {
	if message == "" {
		message = UnknownError
	}
	return &Result{TaskID: taskID, Agent: agent, Error: message}
}

// Failed reports whether the result carries an error.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Err converts a failed result into a COMPLETION_ERROR naming the agent
// and task. It returns nil for successful results.
func (r *Result) Err() error {
	if !r.Failed() {
		return nil
	}
	return errors.Completion(r.Agent, r.TaskID, stderrors.New(r.Error))
}

// Marshal serializes the result. Only one of "result" and "error" is written.
func (r *Result) Marshal() ([]byte, error) {
	out := cloneExtra(r.Extra)
	delete(out, "result")
	delete(out, "error")
	fields := map[string]interface{}{
		"task_id": r.TaskID,
		"agent":   r.Agent,
	}
	if r.Failed() {
		fields["error"] = r.Error
	} else {
		fields["result"] = r.Result
	}
	for k, v := range fields {
		if err := setField(out, k, v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (r *Result) unmarshal(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"task_id", &r.TaskID},
		{"agent", &r.Agent},
		{"result", &r.Result},
		{"error", &r.Error},
	} {
		if err := getField(raw, f.name, f.dst); err != nil {
			return err
		}
	}
	r.Extra = extraFields(raw, resultFields)
	return nil
}

// Heartbeat announces that an agent is alive.
type Heartbeat struct {
	Agent  string
	Status string

	// Timestamp is fractional unix seconds, as emitted by every sender.
	Timestamp float64
}

// NewHeartbeat creates an "alive" heartbeat for agent at time at.
func NewHeartbeat(agent string, at time.Time) *Heartbeat {
	return &Heartbeat{
		Agent:     agent,
		Status:    StatusAlive,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}

// Time converts the timestamp back to a time.Time.
func (h *Heartbeat) Time() time.Time {
	sec := int64(h.Timestamp)
	nsec := int64((h.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

type heartbeatJSON struct {
	Agent     string  `json:"agent"`
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// Marshal serializes the heartbeat.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(heartbeatJSON{Agent: h.Agent, Status: h.Status, Timestamp: h.Timestamp})
}

// Envelope is a validated message of any variant. Exactly one of Task,
// Result and Heartbeat is set, matching Type. Strict envelopes fill the
// variant from source and payload.
type Envelope struct {
	Type      Type
	TaskID    string
	Source    string
	Target    string
	Payload   map[string]json.RawMessage
	Timestamp int64

	Task      *Task
	Result    *Result
	Heartbeat *Heartbeat
}

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(extra)+4)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func extraFields(raw map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func setField(out map[string]json.RawMessage, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[key] = data
	return nil
}

func getField(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	return json.Unmarshal(v, dst)
}
