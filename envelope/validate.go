package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vinayprograms/plasma/errors"
)

// Strictness selects which schema Validate applies.
type Strictness int

const (
	// Relaxed is the task shape accepted on the inbox: task_id is
	// required, target/prompt/params are type-checked when present.
	Relaxed Strictness = iota

	// Strict requires the full six-field envelope.
	Strict

	// ResultShape validates a result message.
	ResultShape

	// HeartbeatShape validates a heartbeat message.
	HeartbeatShape
)

func (s Strictness) String() string {
	switch s {
	case Relaxed:
		return "relaxed"
	case Strict:
		return "strict"
	case ResultShape:
		return "result"
	case HeartbeatShape:
		return "heartbeat"
	}
	return fmt.Sprintf("strictness(%d)", int(s))
}

// Validate checks raw against the schema selected by mode and returns the
// decoded envelope. It returns a PARSE_ERROR when raw is not well-formed
// JSON and a SCHEMA_ERROR naming the offending field otherwise.
func Validate(raw []byte, mode Strictness) (*Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.Parse(nil)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, errors.Schema("$", "must be an object")
	}

	switch mode {
	case Relaxed:
		return validateRelaxed(raw, doc)
	case Strict:
		return validateStrict(raw, doc)
	case ResultShape:
		return validateResult(raw, doc)
	case HeartbeatShape:
		return validateHeartbeat(raw, doc)
	}
	return nil, errors.Internal(fmt.Sprintf("unknown strictness %d", int(mode)))
}

// DecodeTask validates raw with the relaxed schema and returns the task.
func DecodeTask(raw []byte) (*Task, error) {
	env, err := Validate(raw, Relaxed)
	if err != nil {
		return nil, err
	}
	return env.Task, nil
}

// DecodeResult validates raw as a result message.
func DecodeResult(raw []byte) (*Result, error) {
	env, err := Validate(raw, ResultShape)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// DecodeHeartbeat validates raw as a heartbeat message.
func DecodeHeartbeat(raw []byte) (*Heartbeat, error) {
	env, err := Validate(raw, HeartbeatShape)
	if err != nil {
		return nil, err
	}
	return env.Heartbeat, nil
}

// PeekTaskID extracts task_id without validating the rest of the message.
// It returns "" when the field is absent or not a string.
func PeekTaskID(raw []byte) string {
	v := gjson.GetBytes(raw, "task_id")
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

func validateRelaxed(raw []byte, doc gjson.Result) (*Envelope, error) {
	if err := requireString(doc, "task_id", true); err != nil {
		return nil, err
	}
	for _, f := range []string{"target", "prompt", "source"} {
		if err := optionalString(doc, f); err != nil {
			return nil, err
		}
	}
	if err := checkParams(doc, ""); err != nil {
		return nil, err
	}

	task := &Task{}
	if err := task.unmarshal(raw); err != nil {
		return nil, errors.Parse(err)
	}
	return &Envelope{
		Type:      TypeTask,
		TaskID:    task.TaskID,
		Source:    task.Source,
		Target:    task.Target,
		Timestamp: task.Timestamp,
		Task:      task,
	}, nil
}

func validateStrict(raw []byte, doc gjson.Result) (*Envelope, error) {
	for _, f := range []string{"type", "task_id", "source", "target", "payload", "timestamp"} {
		if !doc.Get(f).Exists() {
			return nil, errors.Schema(f, "required")
		}
	}
	for _, f := range []string{"type", "task_id", "source", "target"} {
		if err := requireString(doc, f, false); err != nil {
			return nil, err
		}
	}
	typ := Type(doc.Get("type").Str)
	if !typ.Valid() {
		return nil, errors.Schema("type", fmt.Sprintf("must be one of task, result, heartbeat; got %q", typ))
	}
	if !doc.Get("payload").IsObject() {
		return nil, errors.Schema("payload", "must be an object")
	}
	if !isInteger(doc.Get("timestamp")) {
		return nil, errors.Schema("timestamp", "must be an integer")
	}

	var wire struct {
		Type      Type                       `json:"type"`
		TaskID    string                     `json:"task_id"`
		Source    string                     `json:"source"`
		Target    string                     `json:"target"`
		Payload   map[string]json.RawMessage `json:"payload"`
		Timestamp int64                      `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.Parse(err)
	}
	env := &Envelope{
		Type:      wire.Type,
		TaskID:    wire.TaskID,
		Source:    wire.Source,
		Target:    wire.Target,
		Payload:   wire.Payload,
		Timestamp: wire.Timestamp,
	}
	payload := doc.Get("payload")
	switch env.Type {
	case TypeTask:
		env.Task = &Task{
			TaskID:    wire.TaskID,
			Target:    wire.Target,
			Source:    wire.Source,
			Timestamp: wire.Timestamp,
		}
		if p := payload.Get("prompt"); p.Type == gjson.String {
			env.Task.Prompt = p.Str
		}
		if err := checkParams(payload, "payload."); err != nil {
			return nil, err
		}
		if p := payload.Get("params"); p.Exists() {
			env.Task.Params = &Params{}
			if err := json.Unmarshal([]byte(p.Raw), env.Task.Params); err != nil {
				return nil, errors.Parse(err)
			}
		}
	case TypeResult:
		env.Result = &Result{
			TaskID: wire.TaskID,
			Agent:  wire.Source,
			Result: payload.Get("result").String(),
			Error:  payload.Get("error").String(),
		}
	case TypeHeartbeat:
		env.Heartbeat = &Heartbeat{
			Agent:     wire.Source,
			Status:    StatusAlive,
			Timestamp: float64(wire.Timestamp),
		}
		if st := payload.Get("status"); st.Type == gjson.String {
			env.Heartbeat.Status = st.Str
		}
	}
	return env, nil
}

func validateResult(raw []byte, doc gjson.Result) (*Envelope, error) {
	if err := requireString(doc, "task_id", true); err != nil {
		return nil, err
	}
	if err := requireString(doc, "agent", false); err != nil {
		return nil, err
	}
	res, errField := doc.Get("result"), doc.Get("error")
	switch {
	case res.Exists() && errField.Exists():
		return nil, errors.Schema("result", "result and error are mutually exclusive")
	case !res.Exists() && !errField.Exists():
		return nil, errors.Schema("result", "one of result or error is required")
	case res.Exists() && res.Type != gjson.String:
		return nil, errors.Schema("result", "must be a string")
	case errField.Exists() && errField.Type != gjson.String:
		return nil, errors.Schema("error", "must be a string")
	}

	r := &Result{}
	if err := r.unmarshal(raw); err != nil {
		return nil, errors.Parse(err)
	}
	return &Envelope{
		Type:   TypeResult,
		TaskID: r.TaskID,
		Source: r.Agent,
		Result: r,
	}, nil
}

func validateHeartbeat(raw []byte, doc gjson.Result) (*Envelope, error) {
	if err := requireString(doc, "agent", true); err != nil {
		return nil, err
	}
	status := doc.Get("status")
	if !status.Exists() {
		return nil, errors.Schema("status", "required")
	}
	if status.Type != gjson.String || status.Str != StatusAlive {
		return nil, errors.Schema("status", fmt.Sprintf("must be %q", StatusAlive))
	}
	ts := doc.Get("timestamp")
	if !ts.Exists() {
		return nil, errors.Schema("timestamp", "required")
	}
	if ts.Type != gjson.Number {
		return nil, errors.Schema("timestamp", "must be a number")
	}

	hb := &Heartbeat{
		Agent:     doc.Get("agent").Str,
		Status:    status.Str,
		Timestamp: ts.Float(),
	}
	return &Envelope{
		Type:      TypeHeartbeat,
		Source:    hb.Agent,
		Timestamp: int64(hb.Timestamp),
		Heartbeat: hb,
	}, nil
}

func requireString(doc gjson.Result, field string, nonEmpty bool) error {
	v := doc.Get(field)
	if !v.Exists() {
		return errors.Schema(field, "required")
	}
	if v.Type != gjson.String {
		return errors.Schema(field, "must be a string")
	}
	if nonEmpty && v.Str == "" {
		return errors.Schema(field, "must not be empty")
	}
	return nil
}

func optionalString(doc gjson.Result, field string) error {
	v := doc.Get(field)
	if v.Exists() && v.Type != gjson.String && v.Type != gjson.Null {
		return errors.Schema(field, "must be a string")
	}
	return nil
}

func checkParams(doc gjson.Result, prefix string) error {
	params := doc.Get("params")
	if !params.Exists() || params.Type == gjson.Null {
		return nil
	}
	if !params.IsObject() {
		return errors.Schema(prefix+"params", "must be an object")
	}
	if mt := params.Get("max_tokens"); mt.Exists() && !isInteger(mt) {
		return errors.Schema(prefix+"params.max_tokens", "must be an integer")
	}
	return nil
}

// isInteger rejects 1.0 and 1e3 as well as non-numbers.
func isInteger(v gjson.Result) bool {
	if v.Type != gjson.Number {
		return false
	}
	return !strings.ContainsAny(v.Raw, ".eE")
}
