package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/whitelie/whitelie/internal/types"
)

const (
	// DefaultBaseDir is the default storage directory.
	DefaultBaseDir = ".whitelie/data"

	// UsersDir holds one directory per user.
	UsersDir = "users"

	// TasksFile is the per-user task list.
	TasksFile = "tasks.json"

	// ProfileFile holds the reliability score.
	ProfileFile = "profile.json"

	// EscalationFile holds the focus machine record.
	EscalationFile = "escalation.json"

	// OutcomesFile is the append-only outcome history.
	OutcomesFile = "outcomes.jsonl"

	// JournalFile holds a completion that is committed but not yet applied
	// to the files above.
	JournalFile = "resolution.json"
)

// profile is the on-disk shape of ProfileFile.
type profile struct {
	ReliabilityScore int       `json:"reliability_score"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// FileStorage implements Store using the local filesystem. Every operation
// on a user holds an exclusive flock on that user's LockFile, so several
// processes can share one BaseDir.
type FileStorage struct {
	// BaseDir is the root directory (e.g., .whitelie/data).
	BaseDir string
}

// FileStorageOption configures a FileStorage instance.
type FileStorageOption func(*FileStorage)

// WithBaseDir sets the base directory.
func WithBaseDir(dir string) FileStorageOption {
	return func(fs *FileStorage) {
		if dir != "" {
			fs.BaseDir = dir
		}
	}
}

// NewFileStorage creates a new file-based storage.
func NewFileStorage(opts ...FileStorageOption) *FileStorage {
	fs := &FileStorage{
		BaseDir: DefaultBaseDir,
	}

	for _, opt := range opts {
		opt(fs)
	}

	return fs
}

// Init creates the required directory structure.
func (fs *FileStorage) Init(context.Context) error {
	dir := filepath.Join(fs.BaseDir, UsersDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// Close releases any resources.
func (fs *FileStorage) Close() error {
	return nil // No resources to release for file storage
}

// UserDir returns the directory holding a user's files.
func (fs *FileStorage) UserDir(userID string) string {
	return filepath.Join(fs.BaseDir, UsersDir, userID)
}

// LockUser holds userID's lock until the returned func is called. A
// completion left behind by an interrupted process is applied first.
func (fs *FileStorage) LockUser(ctx context.Context, userID string) (context.Context, func(), error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, nil, err
	}
	if holdsLock(ctx, fs, userID) {
		return ctx, func() {}, nil
	}
	unlock, err := fs.lockUser(userID)
	if err != nil {
		return nil, nil, err
	}
	return withHeldLock(ctx, fs, userID), unlock, nil
}

func (fs *FileStorage) lockUser(userID string) (func(), error) {
	unlock, err := flockPath(filepath.Join(fs.UserDir(userID), LockFile))
	if err != nil {
		return nil, err
	}
	if err := fs.replayJournal(userID); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// withUser runs fn while holding userID's lock, unless ctx already holds it.
func (fs *FileStorage) withUser(ctx context.Context, userID string, fn func() error) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if holdsLock(ctx, fs, userID) {
		return fn()
	}
	unlock, err := fs.lockUser(userID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (fs *FileStorage) ListTasks(ctx context.Context, userID string) (tasks []types.Task, err error) {
	err = fs.withUser(ctx, userID, func() error {
		tasks, err = fs.readTasks(userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(tasks)
	return tasks, nil
}

func (fs *FileStorage) GetTask(ctx context.Context, userID, taskID string) (*types.Task, error) {
	tasks, err := fs.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	t := types.FindTask(tasks, taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, nil
}

func (fs *FileStorage) PutTask(ctx context.Context, userID string, task *types.Task) error {
	if task.ID == "" {
		return ErrTaskIDRequired
	}
	return fs.withUser(ctx, userID, func() error {
		tasks, err := fs.readTasks(userID)
		if err != nil {
			return err
		}
		if existing := types.FindTask(tasks, task.ID); existing != nil {
			*existing = cloneTask(*task)
		} else {
			tasks = append(tasks, cloneTask(*task))
		}
		return fs.writeTasks(userID, tasks)
	})
}

func (fs *FileStorage) CompleteTask(ctx context.Context, userID, taskID string, at time.Time) (*types.Task, error) {
	return fs.update(ctx, userID, taskID, func(t *types.Task) error { return completeInPlace(t, at) })
}

func (fs *FileStorage) SnoozeTask(ctx context.Context, userID, taskID string, until *time.Time) (*types.Task, error) {
	return fs.update(ctx, userID, taskID, func(t *types.Task) error { return snoozeInPlace(t, until) })
}

func (fs *FileStorage) DeleteTask(ctx context.Context, userID, taskID string) error {
	return fs.withUser(ctx, userID, func() error {
		return fs.deleteTask(userID, taskID)
	})
}

func (fs *FileStorage) deleteTask(userID, taskID string) error {
	tasks, err := fs.readTasks(userID)
	if err != nil {
		return err
	}
	kept := tasks[:0]
	found := false
	for _, t := range tasks {
		if t.ID == taskID {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return fs.writeTasks(userID, kept)
}

// update applies fn to one task and rewrites the task file.
func (fs *FileStorage) update(ctx context.Context, userID, taskID string, fn func(*types.Task) error) (*types.Task, error) {
	var out types.Task
	err := fs.withUser(ctx, userID, func() error {
		tasks, err := fs.readTasks(userID)
		if err != nil {
			return err
		}
		t := types.FindTask(tasks, taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := fs.writeTasks(userID, tasks); err != nil {
			return err
		}
		out = cloneTask(*t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (fs *FileStorage) GetReliabilityScore(ctx context.Context, userID string) (score int, found bool, err error) {
	err = fs.withUser(ctx, userID, func() error {
		var p profile
		found, err = fs.readJSON(filepath.Join(fs.UserDir(userID), ProfileFile), &p)
		score = p.ReliabilityScore
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return score, found, nil
}

func (fs *FileStorage) SetReliabilityScore(ctx context.Context, userID string, score int) error {
	return fs.withUser(ctx, userID, func() error {
		return fs.writeScore(userID, score, time.Now().UTC())
	})
}

func (fs *FileStorage) writeScore(userID string, score int, at time.Time) error {
	p := profile{ReliabilityScore: score, UpdatedAt: at}
	return fs.writeJSON(filepath.Join(fs.UserDir(userID), ProfileFile), p)
}

func (fs *FileStorage) LoadEscalation(ctx context.Context, userID string) (*types.EscalationState, error) {
	var st types.EscalationState
	err := fs.withUser(ctx, userID, func() error {
		_, err := fs.readJSON(filepath.Join(fs.UserDir(userID), EscalationFile), &st)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (fs *FileStorage) SaveEscalation(ctx context.Context, userID string, st *types.EscalationState) error {
	return fs.withUser(ctx, userID, func() error {
		return fs.writeJSON(filepath.Join(fs.UserDir(userID), EscalationFile), st)
	})
}

// AppendOutcome appends an event to the user's outcome history.
func (fs *FileStorage) AppendOutcome(ctx context.Context, ev *types.OutcomeEvent) error {
	return fs.withUser(ctx, ev.UserID, func() error {
		return fs.appendJSONL(filepath.Join(fs.UserDir(ev.UserID), OutcomesFile), ev)
	})
}

// ListOutcomes returns the newest limit outcome events, oldest first.
func (fs *FileStorage) ListOutcomes(ctx context.Context, userID string, limit int) (events []types.OutcomeEvent, err error) {
	err = fs.withUser(ctx, userID, func() error {
		events, err = fs.readOutcomes(userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return limitTail(events, limit), nil
}

// journal is the on-disk shape of JournalFile.
type journal struct {
	TaskID      string                 `json:"task_id"`
	CompletedAt time.Time              `json:"completed_at"`
	Score       int                    `json:"score"`
	Escalation  *types.EscalationState `json:"escalation"`
	Outcome     *types.OutcomeEvent    `json:"outcome,omitempty"`
}

// ResolveTask writes the completion to JournalFile, which is the commit
// point, then applies it to the task, profile, escalation and outcome files
// and removes the journal. If applying fails part way the journal stays and
// the next operation on the user finishes the job.
func (fs *FileStorage) ResolveTask(ctx context.Context, r *Resolution) error {
	return fs.withUser(ctx, r.UserID, func() error {
		tasks, err := fs.readTasks(r.UserID)
		if err != nil {
			return err
		}
		t := types.FindTask(tasks, r.TaskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, r.TaskID)
		}
		if !t.IsPending() {
			return fmt.Errorf("%w: %s", ErrTaskNotPending, r.TaskID)
		}

		j := &journal{
			TaskID:      r.TaskID,
			CompletedAt: r.CompletedAt,
			Score:       r.Score,
			Escalation:  r.Escalation,
			Outcome:     r.Outcome,
		}
		if err := fs.writeJSON(filepath.Join(fs.UserDir(r.UserID), JournalFile), j); err != nil {
			return fmt.Errorf("write journal: %w", err)
		}
		return fs.applyJournal(r.UserID, j)
	})
}

// replayJournal applies a completion left behind by an interrupted process.
// The caller holds the user's lock.
func (fs *FileStorage) replayJournal(userID string) error {
	var j journal
	found, err := fs.readJSON(filepath.Join(fs.UserDir(userID), JournalFile), &j)
	if err != nil || !found {
		return err
	}
	return fs.applyJournal(userID, &j)
}

// applyJournal is idempotent: a task already completed, or an outcome
// already at the end of the history, is left alone.
func (fs *FileStorage) applyJournal(userID string, j *journal) error {
	tasks, err := fs.readTasks(userID)
	if err != nil {
		return err
	}
	if t := types.FindTask(tasks, j.TaskID); t != nil && t.IsPending() {
		t.MarkCompleted(j.CompletedAt)
		if err := fs.writeTasks(userID, tasks); err != nil {
			return fmt.Errorf("apply completion: %w", err)
		}
	}
	if err := fs.writeScore(userID, j.Score, j.CompletedAt); err != nil {
		return fmt.Errorf("apply score: %w", err)
	}
	if j.Escalation != nil {
		if err := fs.writeJSON(filepath.Join(fs.UserDir(userID), EscalationFile), j.Escalation); err != nil {
			return fmt.Errorf("apply escalation: %w", err)
		}
	}
	if j.Outcome != nil {
		events, err := fs.readOutcomes(userID)
		if err != nil {
			return err
		}
		if n := len(events); n == 0 || !sameOutcome(&events[n-1], j.Outcome) {
			if err := fs.appendJSONL(filepath.Join(fs.UserDir(userID), OutcomesFile), j.Outcome); err != nil {
				return fmt.Errorf("apply outcome: %w", err)
			}
		}
	}
	if err := os.Remove(filepath.Join(fs.UserDir(userID), JournalFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}

func sameOutcome(a, b *types.OutcomeEvent) bool {
	return a.TaskID == b.TaskID && a.RecordedAt.Equal(b.RecordedAt)
}

func (fs *FileStorage) readOutcomes(userID string) (events []types.OutcomeEvent, err error) {
	f, err := os.Open(filepath.Join(fs.UserDir(userID), OutcomesFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev types.OutcomeEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // Skip malformed lines
		}
		events = append(events, ev)
	}

	return events, scanner.Err()
}

func (fs *FileStorage) readTasks(userID string) ([]types.Task, error) {
	var tasks []types.Task
	if _, err := fs.readJSON(filepath.Join(fs.UserDir(userID), TasksFile), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (fs *FileStorage) writeTasks(userID string, tasks []types.Task) error {
	if tasks == nil {
		tasks = []types.Task{}
	}
	return fs.writeJSON(filepath.Join(fs.UserDir(userID), TasksFile), tasks)
}

// readJSON decodes path into v. A missing file leaves v untouched and
// reports found=false.
func (fs *FileStorage) readJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func (fs *FileStorage) writeJSON(path string, v any) error {
	return fs.atomicWrite(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// atomicWrite writes to a temp file and renames atomically.
func (fs *FileStorage) atomicWrite(path string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	// Temp file lives in the same directory so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath) //nolint:errcheck // cleanup in error path
		}
	}()

	if err := writeFunc(tmpFile); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("write content: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("sync file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename to final: %w", err)
	}

	success = true
	return nil
}

// appendJSONL appends one JSON line and syncs it.
func (fs *FileStorage) appendJSONL(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // sync already called, close best-effort
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write line: %w", err)
	}

	return f.Sync()
}
