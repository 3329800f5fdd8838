package correlator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/plasma/envelope"
	"github.com/vinayprograms/plasma/errors"
)

// AggregateInstruction prefixes the prompt of an aggregating step.
const AggregateInstruction = "Please evaluate the following inputs and pick a winner:\n\n"

// Step is one agent call in a pipeline.
type Step struct {
	Target string `yaml:"target"`

	// Role labels the step in task metadata; defaults to Target.
	Role string `yaml:"role,omitempty"`

	// Aggregate sends every earlier answer instead of just the last one.
	Aggregate bool `yaml:"aggregate,omitempty"`

	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout overrides the client timeout for this step.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// DefaultPipeline is chatgpt, then grok on chatgpt's answer, then the
// judge over both.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Name: "default",
		Steps: []Step{
			{Target: "chatgpt"},
			{Target: "grok"},
			{Target: "judge", Aggregate: true},
		},
	}
}

// ParsePipeline decodes a YAML pipeline definition.
func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// LoadPipeline reads a pipeline definition from path.
func LoadPipeline(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the pipeline can run.
func (p Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps", p.Name)
	}
	for i, s := range p.Steps {
		if s.Target == "" {
			return fmt.Errorf("pipeline %q step %d: target is required", p.Name, i)
		}
		if s.MaxTokens < 0 {
			return fmt.Errorf("pipeline %q step %d: max_tokens must not be negative", p.Name, i)
		}
		if s.Aggregate && i == 0 {
			return fmt.Errorf("pipeline %q step %d: first step has nothing to aggregate", p.Name, i)
		}
	}
	return nil
}

// StepResult is one answered step.
type StepResult struct {
	Step     int           `json:"-"`
	TaskID   string        `json:"-"`
	Agent    string        `json:"agent"`
	Result   string        `json:"result"`
	Duration time.Duration `json:"-"`
}

// PipelineResult collects every step's answer. Each step runs as its own
// task; metadata.session_id and metadata.step tie them to the run.
type PipelineResult struct {
	Session string
	Steps   []StepResult
}

// Final returns the last step's answer.
func (r *PipelineResult) Final() string {
	if r == nil || len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[len(r.Steps)-1].Result
}

// RunPipeline runs p starting from prompt. Step n receives step n-1's
// answer; aggregating steps receive all earlier answers as a JSON list.
//
// onStep, if not nil, is called after each answered step. The first error
// result aborts the run with a COMPLETION_ERROR; a silent agent aborts it
// with a CORRELATION_TIMEOUT. The partial result is returned either way.
func (c *Client) RunPipeline(ctx context.Context, p Pipeline, prompt string, onStep func(StepResult)) (*PipelineResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, errors.Schema("prompt", "missing or empty")
	}

	session := uuid.NewString()
	out := &PipelineResult{Session: session}
	current := prompt

	for i, step := range p.Steps {
		if step.Aggregate {
			agg, err := aggregatePrompt(out.Steps)
			if err != nil {
				return out, err
			}
			current = agg
		}

		task := envelope.NewTask(uuid.NewString(), step.Target, current, stepParams(step))
		if err := setMetadata(task, step, i, session); err != nil {
			return out, err
		}

		c.logger.Info("pipeline step", map[string]interface{}{
			"pipeline": p.Name,
			"step":     i,
			"target":   step.Target,
			"task_id":  task.TaskID,
		})

		start := time.Now()
		res, err := c.SubmitTask(ctx, task, step.Timeout)
		if err != nil {
			return out, err
		}
		if err := res.Err(); err != nil {
			return out, err
		}

		sr := StepResult{
			Step:     i,
			TaskID:   task.TaskID,
			Agent:    res.Agent,
			Result:   res.Result,
			Duration: time.Since(start),
		}
		out.Steps = append(out.Steps, sr)
		if onStep != nil {
			onStep(sr)
		}
		current = res.Result
	}
	return out, nil
}

func stepParams(s Step) *envelope.Params {
	if s.MaxTokens <= 0 {
		return nil
	}
	return &envelope.Params{MaxTokens: s.MaxTokens}
}

func setMetadata(task *envelope.Task, s Step, i int, session string) error {
	role := s.Role
	if role == "" {
		role = s.Target
	}
	meta, err := json.Marshal(map[string]interface{}{
		"role":       role,
		"step":       i,
		"session_id": session,
	})
	if err != nil {
		return err
	}
	task.Extra = map[string]json.RawMessage{"metadata": meta}
	return nil
}

// aggregatePrompt renders earlier answers as an indented JSON list of
// {agent, result} objects behind AggregateInstruction.
func aggregatePrompt(prev []StepResult) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if prev == nil {
		prev = []StepResult{}
	}
	if err := enc.Encode(prev); err != nil {
		return "", err
	}
	return AggregateInstruction + string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
