// Package types defines the task, escalation and outcome records shared by
// the core packages and the stores.
package types

import (
	"time"

	"github.com/whitelie/whitelie/internal/urgency"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending is an open task that still counts toward the board.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusCompleted is a resolved task. Its real deadline may be revealed.
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is a single tracked item owned by one user.
type Task struct {
	// ID is the unique task identifier (UUIDv4).
	ID string `json:"id" yaml:"id"`

	// Title is the user-supplied description.
	Title string `json:"title" yaml:"title"`

	// RealDeadline is the true due time. Immutable after creation and never
	// rendered while the task is pending.
	RealDeadline time.Time `json:"real_deadline" yaml:"real_deadline"`

	// Status is pending or completed.
	Status TaskStatus `json:"status" yaml:"status"`

	// SnoozedUntil hides the task from pick-for-me until the given time.
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty" yaml:"snoozed_until,omitempty"`

	// CreatedAt is when the task was added.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// CompletedAt is set once the task is completed.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// IsPending reports whether the task is still open.
func (t *Task) IsPending() bool {
	return t.Status == TaskStatusPending
}

// IsSnoozed reports whether the task is hidden from picking at now.
func (t *Task) IsSnoozed(now time.Time) bool {
	return t.SnoozedUntil != nil && t.SnoozedUntil.After(now)
}

// MarkCompleted resolves the task at at and drops any snooze.
func (t *Task) MarkCompleted(at time.Time) {
	t.Status = TaskStatusCompleted
	t.CompletedAt = &at
	t.SnoozedUntil = nil
}

// Pickable reports whether pick-for-me may select the task at now.
func (t *Task) Pickable(now time.Time) bool {
	return t.IsPending() && !t.IsSnoozed(now)
}

// FindTask returns the task with the given id, or nil.
func FindTask(tasks []Task, id string) *Task {
	if id == "" {
		return nil
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

// DeadlineView is what the presentation layer receives for a pending task.
// It deliberately carries no real deadline.
type DeadlineView struct {
	TaskID    string        `json:"task_id" yaml:"task_id"`
	Title     string        `json:"title" yaml:"title"`
	Displayed time.Time     `json:"displayed_deadline" yaml:"displayed_deadline"`
	Tier      urgency.Tier  `json:"urgency" yaml:"urgency"`
	Remaining time.Duration `json:"remaining" yaml:"remaining"`
	Snoozed   bool          `json:"snoozed,omitempty" yaml:"snoozed,omitempty"`
	Picked    bool          `json:"picked,omitempty" yaml:"picked,omitempty"`
}

// Reveal is shown once a task is completed: the truth behind the lie.
type Reveal struct {
	TaskID      string    `json:"task_id" yaml:"task_id"`
	Title       string    `json:"title" yaml:"title"`
	Real        time.Time `json:"real_deadline" yaml:"real_deadline"`
	Displayed   time.Time `json:"displayed_deadline" yaml:"displayed_deadline"`
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
	OnTime      bool      `json:"on_time" yaml:"on_time"`

	// Slack is how much real time was left at completion (negative when late).
	Slack time.Duration `json:"slack" yaml:"slack"`

	ScoreBefore int `json:"score_before" yaml:"score_before"`
	ScoreAfter  int `json:"score_after" yaml:"score_after"`
}

// OutcomeEvent records one resolution and the score change it caused.
type OutcomeEvent struct {
	UserID       string    `json:"user_id" yaml:"user_id"`
	TaskID       string    `json:"task_id" yaml:"task_id"`
	RealDeadline time.Time `json:"real_deadline" yaml:"real_deadline"`
	Displayed    time.Time `json:"displayed_deadline" yaml:"displayed_deadline"`
	CompletedAt  time.Time `json:"completed_at" yaml:"completed_at"`
	OnTime       bool      `json:"on_time" yaml:"on_time"`
	ScoreBefore  int       `json:"score_before" yaml:"score_before"`
	ScoreAfter   int       `json:"score_after" yaml:"score_after"`
	RecordedAt   time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// EscalationState is the persisted per-user record of the focus machine.
// The zero value is the valid initial state.
type EscalationState struct {
	// PickCount counts pick-for-me requests since the last completed pick.
	PickCount int `json:"pick_count" yaml:"pick_count"`

	// InSingleTaskMode is true while the user is escalated and has not met
	// the earn-out quota.
	InSingleTaskMode bool `json:"in_single_task_mode" yaml:"in_single_task_mode"`

	// PickedTaskID is a lookup key into the task set, not ownership.
	PickedTaskID string `json:"picked_task_id,omitempty" yaml:"picked_task_id,omitempty"`

	TasksRequiredToEarnOut      int `json:"tasks_required_to_earn_out" yaml:"tasks_required_to_earn_out"`
	TasksCompletedTowardEarnOut int `json:"tasks_completed_toward_earn_out" yaml:"tasks_completed_toward_earn_out"`

	// LastDismissedID is the most recently declined pick.
	LastDismissedID string `json:"last_dismissed_id,omitempty" yaml:"last_dismissed_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// TasksRemaining is how many completions are still needed to earn out.
func (s *EscalationState) TasksRemaining() int {
	if !s.InSingleTaskMode {
		return 0
	}
	if n := s.TasksRequiredToEarnOut - s.TasksCompletedTowardEarnOut; n > 0 {
		return n
	}
	return 0
}
