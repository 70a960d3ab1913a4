package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/whitelie/whitelie/internal/clock"
	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/reliability"
	"github.com/whitelie/whitelie/internal/storage"
	"github.com/whitelie/whitelie/internal/types"
	"github.com/whitelie/whitelie/internal/urgency"
)

var start = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	clock *clock.Fixed
	store storage.Store
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemoryStore(), opts...)
}

func newFixtureOn(t *testing.T, store storage.Store, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewFixed(start)
	core, logs := observer.New(zap.DebugLevel)

	n := 0
	base := []Option{
		WithClock(clk),
		WithLogger(zap.New(core)),
		WithMachine(escalation.NewMachine(escalation.DefaultPolicy(), escalation.FirstPicker{})),
		WithConcurrency(4),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("t%02d", n)
		}),
	}
	return &fixture{
		svc:   New(store, append(base, opts...)...),
		clock: clk,
		store: store,
		logs:  logs,
	}
}

func (f *fixture) add(t *testing.T, title string, in time.Duration) *types.Task {
	t.Helper()
	task, err := f.svc.AddTask(context.Background(), "alice", title, f.clock.Now().Add(in))
	if err != nil {
		t.Fatalf("AddTask(%q) error = %v", title, err)
	}
	return task
}

func TestAddTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := start.Add(time.Hour)

	if _, err := f.svc.AddTask(ctx, "alice", "   ", due); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("empty title error = %v, want ErrEmptyTitle", err)
	}
	if _, err := f.svc.AddTask(ctx, "alice", "x", time.Time{}); !errors.Is(err, ErrMissingDeadline) {
		t.Errorf("zero deadline error = %v, want ErrMissingDeadline", err)
	}
	if _, err := f.svc.AddTask(ctx, "../root", "x", due); !errors.Is(err, storage.ErrInvalidUserID) {
		t.Errorf("bad user error = %v, want ErrInvalidUserID", err)
	}

	task, err := f.svc.AddTask(ctx, "alice", "  write report ", due)
	if err != nil {
		t.Fatal(err)
	}
	if task.Title != "write report" || task.ID != "t01" || !task.IsPending() {
		t.Errorf("AddTask() = %+v", task)
	}
	if !task.CreatedAt.Equal(start) {
		t.Errorf("CreatedAt = %v, want clock time", task.CreatedAt)
	}
}

func TestBoard_ShowsDisplayedDeadlines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	far := f.add(t, "far", 10*24*time.Hour)
	near := f.add(t, "near", 2*time.Hour)
	done := f.add(t, "done", 24*time.Hour)
	if _, err := f.svc.Complete(ctx, "alice", done.ID); err != nil {
		t.Fatal(err)
	}

	board, err := f.svc.Board(ctx, "alice")
	if err != nil {
		t.Fatalf("Board() error = %v", err)
	}
	if len(board.Tasks) != 2 {
		t.Fatalf("Board has %d tasks, want 2 pending", len(board.Tasks))
	}
	if board.Tasks[0].TaskID != near.ID || board.Tasks[1].TaskID != far.ID {
		t.Errorf("order = %s, %s; want near first", board.Tasks[0].TaskID, board.Tasks[1].TaskID)
	}

	for _, v := range board.Tasks {
		real := near.RealDeadline
		if v.TaskID == far.ID {
			real = far.RealDeadline
		}
		if v.Displayed.After(real) {
			t.Errorf("%s displayed %v after real %v", v.TaskID, v.Displayed, real)
		}
		if !v.Displayed.Before(real) {
			t.Errorf("%s displayed deadline not pulled forward", v.TaskID)
		}
		if v.Remaining != v.Displayed.Sub(start) {
			t.Errorf("%s Remaining = %v", v.TaskID, v.Remaining)
		}
	}
	if board.Tasks[0].Tier != urgency.TierCritical {
		t.Errorf("near task tier = %s, want critical", board.Tasks[0].Tier)
	}
	if board.Score != 55 {
		t.Errorf("Score = %d, want 55 after an on-time completion", board.Score)
	}
	if !board.CanPick {
		t.Error("CanPick = false with two pending tasks")
	}
	if !board.Now.Equal(start) {
		t.Errorf("Now = %v", board.Now)
	}
}

func TestComplete_OnTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.add(t, "taxes", 48*time.Hour)
	f.clock.Advance(12 * time.Hour)

	c, err := f.svc.Complete(ctx, "alice", task.ID)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	r := c.Reveal
	if !r.OnTime || r.ScoreBefore != 50 || r.ScoreAfter != 55 {
		t.Errorf("Reveal = %+v, want on time 50 -> 55", r)
	}
	if !r.Real.Equal(task.RealDeadline) {
		t.Errorf("Reveal.Real = %v, want %v", r.Real, task.RealDeadline)
	}
	if !r.Displayed.Before(r.Real) {
		t.Errorf("Reveal.Displayed %v should precede real %v", r.Displayed, r.Real)
	}
	if r.Slack != 36*time.Hour {
		t.Errorf("Slack = %v, want 36h", r.Slack)
	}

	history, err := f.svc.History(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].TaskID != task.ID || history[0].ScoreAfter != 55 {
		t.Errorf("History() = %+v", history)
	}

	if _, err := f.svc.Complete(ctx, "alice", task.ID); !errors.Is(err, storage.ErrTaskNotPending) {
		t.Errorf("second Complete() error = %v, want ErrTaskNotPending", err)
	}
	if _, err := f.svc.Complete(ctx, "alice", "nope"); !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("Complete(missing) error = %v, want ErrTaskNotFound", err)
	}
}

func TestComplete_LateLowersScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.add(t, "late one", time.Hour)
	f.clock.Advance(3 * time.Hour)

	c, err := f.svc.Complete(ctx, "alice", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Reveal.OnTime || c.Reveal.ScoreAfter != 40 {
		t.Errorf("Reveal = %+v, want late 50 -> 40", c.Reveal)
	}
	if c.Reveal.Slack != -2*time.Hour {
		t.Errorf("Slack = %v, want -2h", c.Reveal.Slack)
	}

	sv, err := f.svc.Score(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sv.Score != 40 || sv.Initial || sv.Band != reliability.BandShaky {
		t.Errorf("Score() = %+v", sv)
	}
}

var errDiskFull = errors.New("disk full")

// failingResolve rejects the first n completions and passes the rest through.
type failingResolve struct {
	*storage.MemoryStore
	n int
}

func (s *failingResolve) ResolveTask(ctx context.Context, r *storage.Resolution) error {
	if s.n > 0 {
		s.n--
		return errDiskFull
	}
	return s.MemoryStore.ResolveTask(ctx, r)
}

func TestComplete_FailedCommitChangesNothing(t *testing.T) {
	store := &failingResolve{MemoryStore: storage.NewMemoryStore(), n: 1}
	f := newFixtureOn(t, store)
	ctx := context.Background()
	for i := range 3 {
		f.add(t, fmt.Sprintf("task %d", i+1), time.Duration(i+2)*24*time.Hour)
	}
	for range 2 {
		if _, err := f.svc.Pick(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	before, err := store.LoadEscalation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !before.InSingleTaskMode || before.PickedTaskID != "t02" {
		t.Fatalf("setup did not escalate: %+v", before)
	}

	if _, err := f.svc.Complete(ctx, "alice", "t02"); !errors.Is(err, errDiskFull) {
		t.Fatalf("Complete() error = %v, want errDiskFull", err)
	}
	task, err := store.GetTask(ctx, "alice", "t02")
	if err != nil {
		t.Fatal(err)
	}
	if !task.IsPending() {
		t.Error("failed completion left the task completed")
	}
	if _, found, _ := store.GetReliabilityScore(ctx, "alice"); found {
		t.Error("failed completion stored a score")
	}
	after, err := store.LoadEscalation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if *after != *before {
		t.Errorf("failed completion moved escalation from %+v to %+v", before, after)
	}
	if events, _ := store.ListOutcomes(ctx, "alice", 0); len(events) != 0 {
		t.Errorf("failed completion recorded %d outcomes", len(events))
	}
	if f.logs.FilterMessage("score adjusted").Len() != 0 {
		t.Error("score adjustment logged for a failed completion")
	}

	c, err := f.svc.Complete(ctx, "alice", "t02")
	if err != nil {
		t.Fatalf("retried Complete() error = %v", err)
	}
	if c.Reveal.ScoreAfter != 55 || c.Focus.Phase != escalation.PhaseEarningOut {
		t.Errorf("retried Complete() = %+v", c)
	}
	st, err := store.LoadEscalation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.TasksCompletedTowardEarnOut != 1 || st.PickCount != 2 {
		t.Errorf("escalation after retry = %+v, want one task toward earn-out", st)
	}
}

func TestScore_Initial(t *testing.T) {
	f := newFixture(t, WithScoring(reliability.DefaultPolicy(), 80))
	sv, err := f.svc.Score(context.Background(), "newcomer")
	if err != nil {
		t.Fatal(err)
	}
	if sv.Score != 80 || !sv.Initial {
		t.Errorf("Score() = %+v, want initial 80", sv)
	}
}

func TestEscalationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 3 {
		f.add(t, fmt.Sprintf("task %d", i+1), time.Duration(i+2)*24*time.Hour)
	}

	first, err := f.svc.Pick(ctx, "alice")
	if err != nil {
		t.Fatalf("first Pick() error = %v", err)
	}
	if first.Result.Escalated || first.Task == nil || first.Task.TaskID != "t01" {
		t.Fatalf("first Pick() = %+v", first)
	}

	second, err := f.svc.Pick(ctx, "alice")
	if err != nil {
		t.Fatalf("second Pick() error = %v", err)
	}
	if !second.Result.Escalated || !second.Focus.InSingleTaskMode {
		t.Fatalf("second Pick() = %+v, want escalation", second)
	}
	if second.Task.TaskID != "t02" || !second.Task.Picked {
		t.Errorf("picked %+v, want t02", second.Task)
	}
	if f.logs.FilterMessage("escalated").Len() != 1 {
		t.Error("expected one escalated log entry")
	}

	_, err = f.svc.Pick(ctx, "alice")
	if !errors.Is(err, escalation.ErrFocusLocked) || !IsPickRefusal(err) {
		t.Errorf("Pick() in focus error = %v, want ErrFocusLocked", err)
	}

	board, err := f.svc.Board(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if visible := board.Visible(); len(visible) != 1 || visible[0].TaskID != "t02" {
		t.Errorf("Visible() = %+v, want only t02", visible)
	}
	if board.CanPick {
		t.Error("CanPick should be false in single-task mode")
	}

	// Completing something other than the pick does not count.
	c, err := f.svc.Complete(ctx, "alice", "t03")
	if err != nil {
		t.Fatal(err)
	}
	if c.Focus.Transition != escalation.TransitionNone {
		t.Errorf("non-pick completion transition = %q", c.Focus.Transition)
	}

	c, err = f.svc.Complete(ctx, "alice", "t02")
	if err != nil {
		t.Fatal(err)
	}
	if c.Focus.Phase != escalation.PhaseEarningOut || c.Focus.PickedTaskID != "t01" {
		t.Errorf("after first earn-out completion: %+v", c.Focus)
	}

	fv, err := f.svc.Focus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fv.TasksRemaining != 1 || fv.Task == nil || fv.Task.TaskID != "t01" {
		t.Errorf("Focus() = %+v", fv)
	}

	c, err = f.svc.Complete(ctx, "alice", "t01")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Focus.Released {
		t.Errorf("expected release, got %+v", c.Focus)
	}
	if f.logs.FilterMessage("released").Len() != 1 {
		t.Error("expected one released log entry")
	}

	st, err := f.store.LoadEscalation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.InSingleTaskMode || st.PickCount != 0 || st.TasksCompletedTowardEarnOut != 0 || st.TasksRequiredToEarnOut != 0 {
		t.Errorf("persisted state after release = %+v", st)
	}
}

func TestDeletePickedTaskRepicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 3 {
		f.add(t, fmt.Sprintf("task %d", i+1), 48*time.Hour)
	}
	for range 2 {
		if _, err := f.svc.Pick(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.svc.Delete(ctx, "alice", "t02")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res.Transition != escalation.TransitionRepicked || res.PickedTaskID == "t02" || res.PickedTaskID == "" {
		t.Errorf("Delete() result = %+v, want repick", res)
	}

	if _, err := f.svc.Delete(ctx, "alice", "t02"); !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestFocusRepairsStaleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "only", 48*time.Hour)

	stale := &types.EscalationState{PickCount: 1, PickedTaskID: "gone"}
	if err := f.store.SaveEscalation(ctx, "alice", stale); err != nil {
		t.Fatal(err)
	}

	fv, err := f.svc.Focus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fv.PickedTaskID != "" || fv.Task != nil {
		t.Errorf("Focus() kept a vanished pick: %+v", fv)
	}
	st, _ := f.store.LoadEscalation(ctx, "alice")
	if st.PickedTaskID != "" {
		t.Errorf("stale pick not persisted as cleared: %+v", st)
	}
}

func TestSnoozeExcludesFromPick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "a", 48*time.Hour)
	f.add(t, "b", 48*time.Hour)

	snoozed, err := f.svc.Snooze(ctx, "alice", a.ID, 2*time.Hour)
	if err != nil {
		t.Fatalf("Snooze() error = %v", err)
	}
	if !snoozed.IsSnoozed(start) {
		t.Error("task not snoozed")
	}

	if _, err := f.svc.Pick(ctx, "alice"); !errors.Is(err, escalation.ErrNotEligible) {
		t.Errorf("Pick() error = %v, want ErrNotEligible", err)
	}
	board, err := f.svc.Board(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if board.CanPick {
		t.Error("CanPick = true with one awake task")
	}
	if len(board.Tasks) != 2 {
		t.Errorf("snoozed tasks still belong on the board, got %d", len(board.Tasks))
	}

	f.clock.Advance(3 * time.Hour)
	if _, err := f.svc.Pick(ctx, "alice"); err != nil {
		t.Errorf("Pick() after snooze expired error = %v", err)
	}

	cleared, err := f.svc.Snooze(ctx, "alice", a.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.SnoozedUntil != nil {
		t.Error("Snooze(0) should clear the snooze")
	}
}

func TestDismiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 3 {
		f.add(t, fmt.Sprintf("task %d", i+1), 48*time.Hour)
	}

	if _, err := f.svc.Dismiss(ctx, "alice"); !errors.Is(err, escalation.ErrNoPick) {
		t.Errorf("Dismiss() without pick error = %v, want ErrNoPick", err)
	}

	if _, err := f.svc.Pick(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Dismiss(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Task == nil || res.Task.TaskID == "t01" {
		t.Errorf("Dismiss() re-picked %+v, want a different task", res.Task)
	}
	if res.Focus.PickCount != 1 {
		t.Errorf("PickCount = %d after dismiss, want 1", res.Focus.PickCount)
	}
}

func TestBoard_UsersAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice's", time.Hour)

	board, err := f.svc.Board(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Tasks) != 0 {
		t.Errorf("bob sees %d of alice's tasks", len(board.Tasks))
	}
}
