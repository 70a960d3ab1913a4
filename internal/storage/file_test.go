package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whitelie/whitelie/internal/types"
)

func TestFileStorage_Init(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), ".whitelie/data")

	fs := NewFileStorage(WithBaseDir(baseDir))
	if err := fs.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(baseDir, UsersDir)); os.IsNotExist(err) {
		t.Errorf("Init() did not create %s", UsersDir)
	}
}

func TestFileStorage_Layout(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStorage(WithBaseDir(t.TempDir()))
	if err := fs.Init(ctx); err != nil {
		t.Fatal(err)
	}

	task := &types.Task{ID: "t1", Title: "x", Status: types.TaskStatusPending, RealDeadline: time.Now().Add(time.Hour)}
	if err := fs.PutTask(ctx, "alice", task); err != nil {
		t.Fatal(err)
	}
	if err := fs.SetReliabilityScore(ctx, "alice", 50); err != nil {
		t.Fatal(err)
	}
	if err := fs.SaveEscalation(ctx, "alice", &types.EscalationState{PickCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := fs.AppendOutcome(ctx, &types.OutcomeEvent{UserID: "alice", TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{TasksFile, ProfileFile, EscalationFile, OutcomesFile, LockFile} {
		path := filepath.Join(fs.UserDir("alice"), name)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("expected %s: %v", name, err)
			continue
		}
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			t.Errorf("%s permissions = %o, want owner-only", name, perm)
		}
	}

	// No temp files left behind by atomic writes.
	entries, err := os.ReadDir(fs.UserDir("alice"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileStorage_SkipsMalformedOutcomeLines(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStorage(WithBaseDir(t.TempDir()))

	if err := fs.AppendOutcome(ctx, &types.OutcomeEvent{UserID: "alice", TaskID: "good-1"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(fs.UserDir("alice"), OutcomesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if err := fs.AppendOutcome(ctx, &types.OutcomeEvent{UserID: "alice", TaskID: "good-2"}); err != nil {
		t.Fatal(err)
	}

	events, err := fs.ListOutcomes(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListOutcomes() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].TaskID != "good-2" {
		t.Errorf("events[1].TaskID = %q, want good-2", events[1].TaskID)
	}
}

func TestFileStorage_CorruptTaskFile(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStorage(WithBaseDir(t.TempDir()))
	dir := fs.UserDir("alice")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, TasksFile), []byte("[{"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.ListTasks(ctx, "alice"); err == nil {
		t.Error("ListTasks() on corrupt file: expected error")
	}
}

func TestFileStorage_AtomicWriteCleansUpOnError(t *testing.T) {
	fs := NewFileStorage(WithBaseDir(t.TempDir()))
	path := filepath.Join(fs.BaseDir, "out.json")

	err := fs.writeJSON(path, map[string]any{"bad": func() {}})
	if err == nil {
		t.Fatal("expected marshal error")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("target file should not exist after failed write")
	}
	entries, _ := os.ReadDir(fs.BaseDir)
	if len(entries) != 0 {
		t.Errorf("expected no leftover files, got %d", len(entries))
	}
}

func TestWithBaseDirIgnoresEmpty(t *testing.T) {
	fs := NewFileStorage(WithBaseDir(""))
	if fs.BaseDir != DefaultBaseDir {
		t.Errorf("BaseDir = %q, want %q", fs.BaseDir, DefaultBaseDir)
	}
}

func TestFileStorage_SharedDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := NewFileStorage(WithBaseDir(dir))
	b := NewFileStorage(WithBaseDir(dir))
	const perStore = 40

	g, gctx := errgroup.WithContext(ctx)
	for i := range perStore {
		for name, s := range map[string]*FileStorage{"a": a, "b": b} {
			g.Go(func() error {
				task := &types.Task{
					ID:           fmt.Sprintf("%s-%02d", name, i),
					Title:        "x",
					Status:       types.TaskStatusPending,
					RealDeadline: time.Now().Add(time.Hour),
				}
				return s.PutTask(gctx, "alice", task)
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	tasks, err := a.ListTasks(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2*perStore {
		t.Errorf("got %d tasks, want %d", len(tasks), 2*perStore)
	}
}

func TestFileStorage_LockUser(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := NewFileStorage(WithBaseDir(dir))
	b := NewFileStorage(WithBaseDir(dir))

	held, release, err := a.LockUser(ctx, "alice")
	if err != nil {
		t.Fatalf("LockUser() error = %v", err)
	}

	// Calls carrying the held context do not wait on themselves.
	task := &types.Task{ID: "t1", Title: "x", Status: types.TaskStatusPending, RealDeadline: time.Now().Add(time.Hour)}
	if err := a.PutTask(held, "alice", task); err != nil {
		t.Fatalf("PutTask under lock: %v", err)
	}

	// Other users are not blocked.
	if _, err := b.ListTasks(ctx, "bob"); err != nil {
		t.Fatalf("ListTasks(bob): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.GetTask(ctx, "alice", "t1")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("second store read alice while locked (err = %v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("GetTask after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("GetTask still blocked after release")
	}

	if _, _, err := a.LockUser(ctx, "../etc"); err == nil {
		t.Error("LockUser accepted an invalid user id")
	}
}

func TestFileStorage_ReplaysJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := NewFileStorage(WithBaseDir(dir))

	due := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	at := due.Add(-time.Hour)
	task := &types.Task{ID: "t1", Title: "x", Status: types.TaskStatusPending, RealDeadline: due}
	if err := fs.PutTask(ctx, "alice", task); err != nil {
		t.Fatal(err)
	}
	ev := &types.OutcomeEvent{UserID: "alice", TaskID: "t1", RealDeadline: due, CompletedAt: at, OnTime: true, ScoreBefore: 50, ScoreAfter: 55, RecordedAt: at}

	// A process that died after committing and appending the outcome, but
	// before the rest landed.
	j := &journal{
		TaskID:      "t1",
		CompletedAt: at,
		Score:       55,
		Escalation:  &types.EscalationState{PickCount: 2, InSingleTaskMode: true, PickedTaskID: "t2", TasksRequiredToEarnOut: 2, TasksCompletedTowardEarnOut: 1},
		Outcome:     ev,
	}
	if err := fs.writeJSON(filepath.Join(fs.UserDir("alice"), JournalFile), j); err != nil {
		t.Fatal(err)
	}
	if err := fs.appendJSONL(filepath.Join(fs.UserDir("alice"), OutcomesFile), ev); err != nil {
		t.Fatal(err)
	}

	next := NewFileStorage(WithBaseDir(dir))
	got, err := next.GetTask(ctx, "alice", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsPending() || got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("task after replay = %+v, want completed at %v", got, at)
	}
	score, found, err := next.GetReliabilityScore(ctx, "alice")
	if err != nil || !found || score != 55 {
		t.Errorf("score after replay = %d, %v, %v; want 55", score, found, err)
	}
	st, err := next.LoadEscalation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.TasksCompletedTowardEarnOut != 1 || st.PickedTaskID != "t2" {
		t.Errorf("escalation after replay = %+v", st)
	}
	events, err := next.ListOutcomes(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("got %d outcomes, want 1", len(events))
	}
	if _, err := os.Stat(filepath.Join(fs.UserDir("alice"), JournalFile)); !os.IsNotExist(err) {
		t.Errorf("journal still present after replay: %v", err)
	}
}
