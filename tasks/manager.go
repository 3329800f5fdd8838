package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/plasma/state"
)

const (
	// Key prefixes for state store.
	claimPrefix = "tasks.claim."
	taskPrefix  = "tasks.task."

	// DefaultTTL is how long claims and records are kept.
	DefaultTTL = 24 * time.Hour
)

// Manager implements TaskManager using a state store backend. Claims rely
// on the store's Create, so a Redis or NATS store makes them exclusive
// across processes.
type Manager struct {
	store  state.StateStore
	ttl    time.Duration
	now    func() time.Time
	closed atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets how long claims and records are kept. Zero keeps them
// until the store drops them.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// NewManager creates a new task manager backed by the given state store.
func NewManager(store state.StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Claim takes taskID for workerID.
func (m *Manager) Claim(ctx context.Context, taskID, agent, workerID string) (bool, error) {
	if m.closed.Load() {
		return false, ErrStoreClosed
	}
	if taskID == "" {
		return false, ErrInvalidTask
	}
	if workerID == "" {
		return false, ErrInvalidWorkerID
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	created, err := m.store.Create(claimPrefix+taskID, []byte(workerID), m.ttl)
	if err != nil {
		return false, err
	}
	if !created {
		holder, err := m.holder(taskID)
		if err != nil {
			return false, err
		}
		return holder == workerID, nil
	}

	task := &Task{
		ID:        taskID,
		Agent:     agent,
		Status:    StatusClaimed,
		ClaimedBy: workerID,
		ClaimedAt: m.now().UTC(),
	}
	if err := m.saveTask(task); err != nil {
		return false, err
	}
	return true, nil
}

// Complete records the outcome of a claimed task.
func (m *Manager) Complete(ctx context.Context, taskID, workerID, errMsg string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	task, err := m.getTask(taskID)
	if err != nil {
		return err
	}
	if task.ClaimedBy != workerID {
		return ErrWrongWorker
	}
	if task.Status.IsTerminal() {
		return ErrTaskCompleted
	}

	task.CompletedAt = m.now().UTC()
	task.Status = StatusCompleted
	if errMsg != "" {
		task.Status = StatusFailed
		task.Error = errMsg
	}
	return m.saveTask(task)
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.getTask(taskID)
}

// List returns tasks with the given status, oldest claim first.
func (m *Manager) List(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	keys, err := m.store.Keys(taskPrefix + "*")
	if err != nil {
		return nil, err
	}

	var result []*Task
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, err := m.getTask(strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			// Expired between Keys and Get.
			continue
		}
		if status == "" || task.Status == status {
			result = append(result, task)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ClaimedAt.Before(result[j].ClaimedAt)
	})
	return result, nil
}

// Close marks the manager closed. The store belongs to the caller.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Manager) holder(taskID string) (string, error) {
	data, err := m.store.Get(claimPrefix + taskID)
	if errors.Is(err, state.ErrNotFound) {
		// The claim expired between Create and Get.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) getTask(taskID string) (*Task, error) {
	data, err := m.store.Get(taskPrefix + taskID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (m *Manager) saveTask(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return m.store.Put(taskPrefix+task.ID, data, m.ttl)
}

var _ TaskManager = (*Manager)(nil)
