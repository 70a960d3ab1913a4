package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/whitelie/whitelie/internal/types"
)

// MemoryStore implements Store in process memory. Nothing survives Close.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]map[string]types.Task
	scores      map[string]int
	escalations map[string]types.EscalationState
	outcomes    map[string][]types.OutcomeEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]map[string]types.Task),
		scores:      make(map[string]int),
		escalations: make(map[string]types.EscalationState),
		outcomes:    make(map[string][]types.OutcomeEvent),
	}
}

// Init is a no-op.
func (m *MemoryStore) Init(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) ListTasks(_ context.Context, userID string) ([]types.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Task, 0, len(m.tasks[userID]))
	for _, t := range m.tasks[userID] {
		out = append(out, cloneTask(t))
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) GetTask(_ context.Context, userID, taskID string) (*types.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[userID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	c := cloneTask(t)
	return &c, nil
}

func (m *MemoryStore) PutTask(_ context.Context, userID string, task *types.Task) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if task.ID == "" {
		return ErrTaskIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tasks[userID] == nil {
		m.tasks[userID] = make(map[string]types.Task)
	}
	m.tasks[userID][task.ID] = cloneTask(*task)
	return nil
}

func (m *MemoryStore) CompleteTask(_ context.Context, userID, taskID string, at time.Time) (*types.Task, error) {
	return m.update(userID, taskID, func(t *types.Task) error { return completeInPlace(t, at) })
}

func (m *MemoryStore) SnoozeTask(_ context.Context, userID, taskID string, until *time.Time) (*types.Task, error) {
	return m.update(userID, taskID, func(t *types.Task) error { return snoozeInPlace(t, until) })
}

func (m *MemoryStore) DeleteTask(_ context.Context, userID, taskID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[userID][taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(m.tasks[userID], taskID)
	return nil
}

func (m *MemoryStore) update(userID, taskID string, fn func(*types.Task) error) (*types.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[userID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := fn(&t); err != nil {
		return nil, err
	}
	m.tasks[userID][taskID] = t
	c := cloneTask(t)
	return &c, nil
}

func (m *MemoryStore) GetReliabilityScore(_ context.Context, userID string) (int, bool, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	score, ok := m.scores[userID]
	return score, ok, nil
}

func (m *MemoryStore) SetReliabilityScore(_ context.Context, userID string, score int) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[userID] = score
	return nil
}

func (m *MemoryStore) LoadEscalation(_ context.Context, userID string) (*types.EscalationState, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.escalations[userID]
	return &st, nil
}

func (m *MemoryStore) SaveEscalation(_ context.Context, userID string, st *types.EscalationState) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations[userID] = *st
	return nil
}

func (m *MemoryStore) AppendOutcome(_ context.Context, ev *types.OutcomeEvent) error {
	if err := ValidateUserID(ev.UserID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[ev.UserID] = append(m.outcomes[ev.UserID], *ev)
	return nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, userID string, limit int) ([]types.OutcomeEvent, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(limitTail(m.outcomes[userID], limit)), nil
}

// ResolveTask applies the whole resolution under one write lock.
func (m *MemoryStore) ResolveTask(_ context.Context, r *Resolution) error {
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[r.UserID][r.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, r.TaskID)
	}
	if err := completeInPlace(&t, r.CompletedAt); err != nil {
		return fmt.Errorf("%w: %s", err, r.TaskID)
	}
	m.tasks[r.UserID][r.TaskID] = t
	m.scores[r.UserID] = r.Score
	if r.Escalation != nil {
		m.escalations[r.UserID] = *r.Escalation
	}
	if r.Outcome != nil {
		m.outcomes[r.UserID] = append(m.outcomes[r.UserID], *r.Outcome)
	}
	return nil
}

// sortByCreated orders tasks by creation time, then ID.
func sortByCreated(tasks []types.Task) {
	slices.SortStableFunc(tasks, func(a, b types.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
