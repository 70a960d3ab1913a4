// Package storage provides interfaces and implementations for persisting
// per-user tasks, reliability scores, escalation records and outcome history.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/whitelie/whitelie/internal/types"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// MaxUserIDLength bounds user IDs so they stay usable as directory names.
const MaxUserIDLength = 64

var validUserIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateUserID checks if a user ID is safe for use in file paths and keys.
func ValidateUserID(userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if len(userID) > MaxUserIDLength || userID == "." || userID == ".." {
		return ErrInvalidUserID
	}
	if !validUserIDPattern.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}

// TaskStore persists tasks. Completion and deletion are the external
// operations the tracker awaits before it touches the escalation record.
type TaskStore interface {
	// ListTasks returns every task of the user, pending and completed,
	// ordered by creation time.
	ListTasks(ctx context.Context, userID string) ([]types.Task, error)

	// GetTask returns one task or ErrTaskNotFound.
	GetTask(ctx context.Context, userID, taskID string) (*types.Task, error)

	// PutTask inserts or replaces a task.
	PutTask(ctx context.Context, userID string, task *types.Task) error

	// CompleteTask marks a pending task completed at the given time.
	CompleteTask(ctx context.Context, userID, taskID string, at time.Time) (*types.Task, error)

	// DeleteTask removes a task regardless of status.
	DeleteTask(ctx context.Context, userID, taskID string) error

	// SnoozeTask sets or, with a nil until, clears the snooze of a pending task.
	SnoozeTask(ctx context.Context, userID, taskID string, until *time.Time) (*types.Task, error)
}

// ScoreStore persists reliability scores.
type ScoreStore interface {
	// GetReliabilityScore reports found=false for a user with no score yet.
	GetReliabilityScore(ctx context.Context, userID string) (score int, found bool, err error)
	SetReliabilityScore(ctx context.Context, userID string, score int) error
}

// EscalationStore persists the focus machine record.
type EscalationStore interface {
	// LoadEscalation returns the zero state when the user has no record.
	LoadEscalation(ctx context.Context, userID string) (*types.EscalationState, error)
	SaveEscalation(ctx context.Context, userID string, st *types.EscalationState) error
}

// OutcomeLog is the append-only history of resolved tasks.
type OutcomeLog interface {
	AppendOutcome(ctx context.Context, ev *types.OutcomeEvent) error

	// ListOutcomes returns the newest limit events, oldest first. A
	// non-positive limit returns all of them.
	ListOutcomes(ctx context.Context, userID string, limit int) ([]types.OutcomeEvent, error)
}

// Resolution is everything one completion changes. ResolveTask persists it
// as a unit.
type Resolution struct {
	UserID      string
	TaskID      string
	CompletedAt time.Time
	Score       int
	Escalation  *types.EscalationState
	Outcome     *types.OutcomeEvent
}

// Resolver commits completions.
type Resolver interface {
	// ResolveTask completes a pending task and stores the new score,
	// escalation record and outcome together: either all of it lands or
	// none of it does. It fails with ErrTaskNotFound or ErrTaskNotPending
	// without writing anything.
	ResolveTask(ctx context.Context, r *Resolution) error
}

// Store is the full persistence surface used by the tracker.
type Store interface {
	TaskStore
	ScoreStore
	EscalationStore
	OutcomeLog
	Resolver

	// Init creates the required structure (directories, tables).
	Init(ctx context.Context) error

	// Close releases any resources.
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	// Backend is one of BackendFile, BackendSQLite or BackendMemory.
	Backend string

	// BaseDir is the data root for the file backend and the default
	// location of the SQLite database.
	BaseDir string

	// SQLitePath overrides the database path for the sqlite backend.
	SQLitePath string
}

// Open builds and initializes the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	var s Store
	switch opts.Backend {
	case "", BackendFile:
		s = NewFileStorage(WithBaseDir(opts.BaseDir))
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.BaseDir, DefaultSQLiteFile)
		}
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		s = db
	case BackendMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}

	if err := s.Init(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // init already failed
		return nil, fmt.Errorf("init %s storage: %w", opts.Backend, err)
	}
	return s, nil
}

// limitTail keeps the newest limit events of an oldest-first slice.
func limitTail(events []types.OutcomeEvent, limit int) []types.OutcomeEvent {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

// completeInPlace applies a completion to t or reports why it cannot.
func completeInPlace(t *types.Task, at time.Time) error {
	if !t.IsPending() {
		return ErrTaskNotPending
	}
	t.MarkCompleted(at)
	return nil
}

// snoozeInPlace sets or clears a snooze on a pending task.
func snoozeInPlace(t *types.Task, until *time.Time) error {
	if !t.IsPending() {
		return ErrTaskNotPending
	}
	if until == nil {
		t.SnoozedUntil = nil
		return nil
	}
	u := *until
	t.SnoozedUntil = &u
	return nil
}

// cloneTask returns a deep copy so callers never alias stored pointers.
func cloneTask(t types.Task) types.Task {
	if t.SnoozedUntil != nil {
		u := *t.SnoozedUntil
		t.SnoozedUntil = &u
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	return t
}
