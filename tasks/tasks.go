package tasks

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask indicates a missing task id.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidWorkerID indicates the worker ID is invalid.
	ErrInvalidWorkerID = errors.New("invalid worker ID")

	// ErrWrongWorker indicates the operation was attempted by the wrong worker.
	ErrWrongWorker = errors.New("task claimed by different worker")

	// ErrTaskCompleted indicates the task already has an outcome.
	ErrTaskCompleted = errors.New("task already completed")

	// ErrStoreClosed indicates the manager has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// StatusClaimed indicates a worker is answering the task.
	StatusClaimed TaskStatus = "claimed"

	// StatusCompleted indicates the worker published a result.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the worker published an error result.
	StatusFailed TaskStatus = "failed"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the record of one task's handling.
type Task struct {
	ID     string     `json:"task_id"`
	Agent  string     `json:"agent"`
	Status TaskStatus `json:"status"`

	// ClaimedBy is the worker ID that holds the task.
	ClaimedBy string    `json:"claimed_by"`
	ClaimedAt time.Time `json:"claimed_at"`

	// CompletedAt is zero until the task has an outcome.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Error is the error result's message for failed tasks.
	Error string `json:"error,omitempty"`
}

// Duration is how long the worker held the task, or zero while it is
// still claimed.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.ClaimedAt)
}

// TaskManager tracks task ownership across workers.
type TaskManager interface {
	// Claim makes workerID the only worker answering taskID. It reports
	// false when another worker already holds the task. Re-claiming by the
	// same worker succeeds.
	Claim(ctx context.Context, taskID, agent, workerID string) (bool, error)

	// Complete records the outcome. errMsg is empty for a successful
	// result. Only the claiming worker can complete the task.
	Complete(ctx context.Context, taskID, workerID, errMsg string) error

	// Get retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns all tasks with the given status, or every task when
	// status is empty.
	List(ctx context.Context, status TaskStatus) ([]*Task, error)

	// Close releases resources held by the manager.
	Close() error
}
