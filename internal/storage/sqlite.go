package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whitelie/whitelie/internal/types"
)

const (
	// DefaultSQLiteFile is the database name under the base directory.
	DefaultSQLiteFile = "whitelie.db"

	// SQLiteLockDir, next to the database, holds the per-user lock files.
	SQLiteLockDir = "locks"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	user_id TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	real_deadline TEXT NOT NULL,
	status TEXT NOT NULL,
	snoozed_until TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status);

CREATE TABLE IF NOT EXISTS scores (
	user_id TEXT PRIMARY KEY,
	score INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS escalation (
	user_id TEXT PRIMARY KEY,
	pick_count INTEGER NOT NULL DEFAULT 0,
	in_single_task_mode INTEGER NOT NULL DEFAULT 0,
	picked_task_id TEXT NOT NULL DEFAULT '',
	tasks_required INTEGER NOT NULL DEFAULT 0,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	last_dismissed_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS outcomes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	real_deadline TEXT NOT NULL,
	displayed_deadline TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	on_time INTEGER NOT NULL,
	score_before INTEGER NOT NULL,
	score_after INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_user ON outcomes(user_id, seq);
`

// SQLiteStore implements Store on a SQLite database through the pure-Go
// modernc.org/sqlite driver.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (creating if needed) the database at path. Call Init
// before use.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, dbPath: path}, nil
}

// Init creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

const taskColumns = `id, title, real_deadline, status, snoozed_until, created_at, completed_at`

func (s *SQLiteStore) ListTasks(ctx context.Context, userID string) (tasks []types.Task, err error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	// RFC3339Nano text does not sort lexically once fractions are trimmed.
	sortByCreated(tasks)
	return tasks, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, userID, taskID string) (*types.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.getTask(ctx, s.db, userID, taskID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getTask(ctx context.Context, q querier, userID, taskID string) (*types.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND id = ?`, userID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, err
}

func (s *SQLiteStore) PutTask(ctx context.Context, userID string, task *types.Task) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if task.ID == "" {
		return ErrTaskIDRequired
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, `+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			title = excluded.title,
			real_deadline = excluded.real_deadline,
			status = excluded.status,
			snoozed_until = excluded.snoozed_until,
			created_at = excluded.created_at,
			completed_at = excluded.completed_at`,
		userID, task.ID, task.Title, formatTime(task.RealDeadline), string(task.Status),
		formatTimePtr(task.SnoozedUntil), formatTime(task.CreatedAt), formatTimePtr(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("put task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, userID, taskID string, at time.Time) (*types.Task, error) {
	return s.update(ctx, userID, taskID, func(t *types.Task) error { return completeInPlace(t, at) })
}

func (s *SQLiteStore) SnoozeTask(ctx context.Context, userID, taskID string, until *time.Time) (*types.Task, error) {
	return s.update(ctx, userID, taskID, func(t *types.Task) error { return snoozeInPlace(t, until) })
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = ? AND id = ?`, userID, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// update reads, mutates and writes one task inside a transaction.
func (s *SQLiteStore) update(ctx context.Context, userID, taskID string, fn func(*types.Task) error) (*types.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	t, err := s.getTask(ctx, tx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, snoozed_until = ?, completed_at = ? WHERE user_id = ? AND id = ?`,
		string(t.Status), formatTimePtr(t.SnoozedUntil), formatTimePtr(t.CompletedAt), userID, taskID)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetReliabilityScore(ctx context.Context, userID string) (int, bool, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, false, err
	}
	var score int
	err := s.db.QueryRowContext(ctx, `SELECT score FROM scores WHERE user_id = ?`, userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get score: %w", err)
	}
	return score, true, nil
}

func (s *SQLiteStore) SetReliabilityScore(ctx context.Context, userID string, score int) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	return setScore(ctx, s.db, userID, score, time.Now())
}

func setScore(ctx context.Context, e execer, userID string, score int, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO scores (user_id, score, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		userID, score, formatTime(at))
	if err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadEscalation(ctx context.Context, userID string) (*types.EscalationState, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	var (
		st        types.EscalationState
		inMode    int
		updatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pick_count, in_single_task_mode, picked_task_id, tasks_required,
		       tasks_completed, last_dismissed_id, updated_at
		FROM escalation WHERE user_id = ?`, userID).Scan(
		&st.PickCount, &inMode, &st.PickedTaskID, &st.TasksRequiredToEarnOut,
		&st.TasksCompletedTowardEarnOut, &st.LastDismissedID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.EscalationState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escalation: %w", err)
	}
	st.InSingleTaskMode = inMode != 0
	if t, err := parseTimePtr(updatedAt); err != nil {
		return nil, err
	} else if t != nil {
		st.UpdatedAt = *t
	}
	return &st, nil
}

func (s *SQLiteStore) SaveEscalation(ctx context.Context, userID string, st *types.EscalationState) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	return saveEscalation(ctx, s.db, userID, st)
}

func saveEscalation(ctx context.Context, e execer, userID string, st *types.EscalationState) error {
	var updatedAt any
	if !st.UpdatedAt.IsZero() {
		updatedAt = formatTime(st.UpdatedAt)
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO escalation (user_id, pick_count, in_single_task_mode, picked_task_id,
			tasks_required, tasks_completed, last_dismissed_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			pick_count = excluded.pick_count,
			in_single_task_mode = excluded.in_single_task_mode,
			picked_task_id = excluded.picked_task_id,
			tasks_required = excluded.tasks_required,
			tasks_completed = excluded.tasks_completed,
			last_dismissed_id = excluded.last_dismissed_id,
			updated_at = excluded.updated_at`,
		userID, st.PickCount, boolToInt(st.InSingleTaskMode), st.PickedTaskID,
		st.TasksRequiredToEarnOut, st.TasksCompletedTowardEarnOut, st.LastDismissedID, updatedAt)
	if err != nil {
		return fmt.Errorf("save escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendOutcome(ctx context.Context, ev *types.OutcomeEvent) error {
	if err := ValidateUserID(ev.UserID); err != nil {
		return err
	}
	return insertOutcome(ctx, s.db, ev)
}

func insertOutcome(ctx context.Context, e execer, ev *types.OutcomeEvent) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO outcomes (user_id, task_id, real_deadline, displayed_deadline, completed_at,
			on_time, score_before, score_after, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.TaskID, formatTime(ev.RealDeadline), formatTime(ev.Displayed),
		formatTime(ev.CompletedAt), boolToInt(ev.OnTime), ev.ScoreBefore, ev.ScoreAfter,
		formatTime(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// ResolveTask writes the task, score, escalation and outcome rows in one
// transaction.
func (s *SQLiteStore) ResolveTask(ctx context.Context, r *Resolution) error {
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	t, err := s.getTask(ctx, tx, r.UserID, r.TaskID)
	if err != nil {
		return err
	}
	if err := completeInPlace(t, r.CompletedAt); err != nil {
		return fmt.Errorf("%w: %s", err, r.TaskID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, snoozed_until = NULL, completed_at = ? WHERE user_id = ? AND id = ?`,
		string(t.Status), formatTimePtr(t.CompletedAt), r.UserID, r.TaskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", r.TaskID, err)
	}
	if err := setScore(ctx, tx, r.UserID, r.Score, r.CompletedAt); err != nil {
		return err
	}
	if r.Escalation != nil {
		if err := saveEscalation(ctx, tx, r.UserID, r.Escalation); err != nil {
			return err
		}
	}
	if r.Outcome != nil {
		if err := insertOutcome(ctx, tx, r.Outcome); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LockUser holds an flock on the user's file under SQLiteLockDir so that
// read-modify-write sequences spanning several statements do not interleave
// across processes. In-memory databases are never shared and skip it.
func (s *SQLiteStore) LockUser(ctx context.Context, userID string) (context.Context, func(), error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, nil, err
	}
	if s.dbPath == ":memory:" || holdsLock(ctx, s, userID) {
		return ctx, func() {}, nil
	}
	unlock, err := flockPath(filepath.Join(filepath.Dir(s.dbPath), SQLiteLockDir, userID+".lock"))
	if err != nil {
		return nil, nil, err
	}
	return withHeldLock(ctx, s, userID), unlock, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, userID string, limit int) (events []types.OutcomeEvent, err error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, real_deadline, displayed_deadline, completed_at, on_time,
		       score_before, score_after, recorded_at
		FROM (SELECT * FROM outcomes WHERE user_id = ? ORDER BY seq DESC LIMIT ?)
		ORDER BY seq`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for rows.Next() {
		var (
			ev                                     types.OutcomeEvent
			realDL, displayed, completed, recorded string
			onTime                                 int
		)
		if err := rows.Scan(&ev.TaskID, &realDL, &displayed, &completed, &onTime,
			&ev.ScoreBefore, &ev.ScoreAfter, &recorded); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		ev.UserID = userID
		ev.OnTime = onTime != 0
		if ev.RealDeadline, err = parseTime(realDL); err != nil {
			return nil, err
		}
		if ev.Displayed, err = parseTime(displayed); err != nil {
			return nil, err
		}
		if ev.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		if ev.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*types.Task, error) {
	var (
		t                  types.Task
		status             string
		realDL, created    string
		snoozed, completed sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Title, &realDL, &status, &snoozed, &created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = types.TaskStatus(status)

	var err error
	if t.RealDeadline, err = parseTime(realDL); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.SnoozedUntil, err = parseTimePtr(snoozed); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
