package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitelie/whitelie/internal/types"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// backends returns one fresh, initialized instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fileStore := NewFileStorage(WithBaseDir(filepath.Join(t.TempDir(), "data")))
	require.NoError(t, fileStore.Init(ctx))

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "whitelie.db"))
	require.NoError(t, err)
	require.NoError(t, sqliteStore.Init(ctx))

	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendFile:   fileStore,
		BackendSQLite: sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func newTask(id string, offset time.Duration) *types.Task {
	return &types.Task{
		ID:           id,
		Title:        "task " + id,
		RealDeadline: t0.Add(48 * time.Hour),
		Status:       types.TaskStatusPending,
		CreatedAt:    t0.Add(offset),
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutTask(ctx, "alice", newTask("b", time.Minute)))
			require.NoError(t, s.PutTask(ctx, "alice", newTask("a", 0)))
			require.NoError(t, s.PutTask(ctx, "bob", newTask("c", 0)))

			tasks, err := s.ListTasks(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, tasks, 2)
			assert.Equal(t, "a", tasks[0].ID, "tasks ordered by creation")
			assert.True(t, tasks[1].RealDeadline.Equal(t0.Add(48*time.Hour)))

			got, err := s.GetTask(ctx, "alice", "b")
			require.NoError(t, err)
			assert.Equal(t, "task b", got.Title)
			assert.True(t, got.IsPending())

			done, err := s.CompleteTask(ctx, "alice", "b", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, types.TaskStatusCompleted, done.Status)
			require.NotNil(t, done.CompletedAt)
			assert.True(t, done.CompletedAt.Equal(t0.Add(time.Hour)))

			_, err = s.CompleteTask(ctx, "alice", "b", t0.Add(2*time.Hour))
			assert.ErrorIs(t, err, ErrTaskNotPending)

			require.NoError(t, s.DeleteTask(ctx, "alice", "a"))
			assert.ErrorIs(t, s.DeleteTask(ctx, "alice", "a"), ErrTaskNotFound)

			_, err = s.GetTask(ctx, "alice", "a")
			assert.ErrorIs(t, err, ErrTaskNotFound)

			bobs, err := s.ListTasks(ctx, "bob")
			require.NoError(t, err)
			assert.Len(t, bobs, 1, "users are isolated")
		})
	}
}

func TestStore_PutTaskReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			task := newTask("x", 0)
			require.NoError(t, s.PutTask(ctx, "alice", task))
			task.Title = "renamed"
			require.NoError(t, s.PutTask(ctx, "alice", task))

			tasks, err := s.ListTasks(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "renamed", tasks[0].Title)
		})
	}
}

func TestStore_Snooze(t *testing.T) {
	ctx := context.Background()
	until := t0.Add(3 * time.Hour)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutTask(ctx, "alice", newTask("s", 0)))

			got, err := s.SnoozeTask(ctx, "alice", "s", &until)
			require.NoError(t, err)
			require.NotNil(t, got.SnoozedUntil)
			assert.True(t, got.IsSnoozed(t0))
			assert.False(t, got.IsSnoozed(until))

			got, err = s.SnoozeTask(ctx, "alice", "s", nil)
			require.NoError(t, err)
			assert.Nil(t, got.SnoozedUntil)

			_, err = s.SnoozeTask(ctx, "alice", "missing", &until)
			assert.ErrorIs(t, err, ErrTaskNotFound)

			_, err = s.CompleteTask(ctx, "alice", "s", t0)
			require.NoError(t, err)
			_, err = s.SnoozeTask(ctx, "alice", "s", &until)
			assert.ErrorIs(t, err, ErrTaskNotPending)
		})
	}
}

func TestStore_ReliabilityScore(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.GetReliabilityScore(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.SetReliabilityScore(ctx, "alice", 55))
			require.NoError(t, s.SetReliabilityScore(ctx, "alice", 45))

			score, found, err := s.GetReliabilityScore(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 45, score)
		})
	}
}

func TestStore_Escalation(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.LoadEscalation(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, types.EscalationState{}, *st, "missing record loads as zero state")

			want := types.EscalationState{
				PickCount:                   2,
				InSingleTaskMode:            true,
				PickedTaskID:                "t-1",
				TasksRequiredToEarnOut:      2,
				TasksCompletedTowardEarnOut: 1,
				LastDismissedID:             "t-9",
				UpdatedAt:                   t0,
			}
			require.NoError(t, s.SaveEscalation(ctx, "alice", &want))

			got, err := s.LoadEscalation(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt))
			got.UpdatedAt = want.UpdatedAt
			assert.Equal(t, want, *got)
		})
	}
}

func TestStore_Outcomes(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := s.ListOutcomes(ctx, "alice", 0)
			require.NoError(t, err)
			assert.Empty(t, empty)

			for i := range 5 {
				ev := &types.OutcomeEvent{
					UserID:       "alice",
					TaskID:       string(rune('a' + i)),
					RealDeadline: t0,
					Displayed:    t0.Add(-time.Hour),
					CompletedAt:  t0.Add(time.Duration(i-2) * time.Hour),
					OnTime:       i <= 2,
					ScoreBefore:  50,
					ScoreAfter:   55,
					RecordedAt:   t0,
				}
				require.NoError(t, s.AppendOutcome(ctx, ev))
			}

			all, err := s.ListOutcomes(ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "a", all[0].TaskID)

			last, err := s.ListOutcomes(ctx, "alice", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, "d", last[0].TaskID)
			assert.Equal(t, "e", last[1].TaskID)
			assert.False(t, last[1].OnTime)
			assert.Equal(t, "alice", last[1].UserID)
		})
	}
}

func TestStore_RejectsBadUserIDs(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.ListTasks(ctx, "")
			assert.ErrorIs(t, err, ErrUserIDRequired)

			for _, bad := range []string{"..", "../etc", "a/b", "has space"} {
				_, err := s.ListTasks(ctx, bad)
				assert.ErrorIs(t, err, ErrInvalidUserID, "user %q", bad)
			}

			err = s.PutTask(ctx, "alice", &types.Task{Title: "no id"})
			assert.ErrorIs(t, err, ErrTaskIDRequired)
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr error
	}{
		{"alice", nil},
		{"user_01.dev-x", nil},
		{"", ErrUserIDRequired},
		{".", ErrInvalidUserID},
		{"..", ErrInvalidUserID},
		{"a/b", ErrInvalidUserID},
		{string(make([]byte, MaxUserIDLength+1)), ErrInvalidUserID},
	}
	for _, tt := range tests {
		err := ValidateUserID(tt.id)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateUserID(%q) = %v, want %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{name: "default is file", opts: Options{BaseDir: filepath.Join(dir, "f")}},
		{name: "memory", opts: Options{Backend: BackendMemory}},
		{name: "sqlite under base dir", opts: Options{Backend: BackendSQLite, BaseDir: filepath.Join(dir, "s")}},
		{name: "unknown", opts: Options{Backend: "redis"}, wantErr: ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.SetReliabilityScore(ctx, "alice", 60))
		})
	}

	assert.FileExists(t, filepath.Join(dir, "s", DefaultSQLiteFile))
}

func TestStore_ResolveTask(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snoozed := newTask("a", 0)
			until := t0.Add(time.Hour)
			snoozed.SnoozedUntil = &until
			require.NoError(t, s.PutTask(ctx, "alice", snoozed))
			require.NoError(t, s.PutTask(ctx, "alice", newTask("b", time.Minute)))

			at := t0.Add(2 * time.Hour)
			r := &Resolution{
				UserID:      "alice",
				TaskID:      "a",
				CompletedAt: at,
				Score:       55,
				Escalation: &types.EscalationState{
					PickCount:                   2,
					InSingleTaskMode:            true,
					PickedTaskID:                "b",
					TasksRequiredToEarnOut:      2,
					TasksCompletedTowardEarnOut: 1,
					UpdatedAt:                   at,
				},
				Outcome: &types.OutcomeEvent{
					UserID: "alice", TaskID: "a", RealDeadline: t0.Add(48 * time.Hour),
					Displayed: t0.Add(40 * time.Hour), CompletedAt: at, OnTime: true,
					ScoreBefore: 50, ScoreAfter: 55, RecordedAt: at,
				},
			}
			require.NoError(t, s.ResolveTask(ctx, r))

			task, err := s.GetTask(ctx, "alice", "a")
			require.NoError(t, err)
			assert.Equal(t, types.TaskStatusCompleted, task.Status)
			require.NotNil(t, task.CompletedAt)
			assert.True(t, task.CompletedAt.Equal(at))
			assert.Nil(t, task.SnoozedUntil)

			score, found, err := s.GetReliabilityScore(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 55, score)

			st, err := s.LoadEscalation(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 1, st.TasksCompletedTowardEarnOut)
			assert.Equal(t, "b", st.PickedTaskID)

			events, err := s.ListOutcomes(ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, 55, events[0].ScoreAfter)

			// A second resolution of the same task changes nothing.
			again := *r
			again.Score = 60
			err = s.ResolveTask(ctx, &again)
			assert.ErrorIs(t, err, ErrTaskNotPending)
			score, _, err = s.GetReliabilityScore(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 55, score)
			events, err = s.ListOutcomes(ctx, "alice", 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)

			missing := *r
			missing.TaskID = "nope"
			assert.ErrorIs(t, s.ResolveTask(ctx, &missing), ErrTaskNotFound)

			bad := *r
			bad.UserID = "../etc"
			assert.ErrorIs(t, s.ResolveTask(ctx, &bad), ErrInvalidUserID)
		})
	}
}
