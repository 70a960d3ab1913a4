// Package escalation implements the pick-for-me focus machine.
//
// A user who keeps asking the system to choose a task without finishing the
// chosen one is escalated into single-task mode. They are released after
// completing an earn-out quota of picked tasks.
//
//	idle --Pick--> deciding --Pick (count >= threshold)--> escalated
//	escalated --CompletePick--> earning_out --CompletePick (quota met)--> idle
//
// The machine mutates a types.EscalationState passed by pointer. It holds no
// per-user state of its own; callers serialize operations per user.
package escalation

import (
	"cmp"
	"slices"
	"time"

	"github.com/whitelie/whitelie/internal/types"
)

// Policy defaults.
const (
	// DefaultTriggerThreshold escalates on the second pick without a completion.
	DefaultTriggerThreshold = 2

	// DefaultEarnOutQuota is the number of picked completions needed to leave
	// single-task mode.
	DefaultEarnOutQuota = 2

	// DefaultMinEligible is the fewest pickable tasks for which pick-for-me
	// makes sense.
	DefaultMinEligible = 2
)

// Phase is the derived state of the machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDeciding   Phase = "deciding"
	PhaseEscalated  Phase = "escalated"
	PhaseEarningOut Phase = "earning_out"
)

// PhaseOf derives the phase from a persisted record.
func PhaseOf(st *types.EscalationState) Phase {
	switch {
	case st.InSingleTaskMode && st.TasksCompletedTowardEarnOut > 0:
		return PhaseEarningOut
	case st.InSingleTaskMode:
		return PhaseEscalated
	case st.PickCount > 0:
		return PhaseDeciding
	default:
		return PhaseIdle
	}
}

// Policy configures the machine.
type Policy struct {
	// Enabled turns escalation on. When false, Pick still picks but never
	// enters single-task mode.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TriggerThreshold is the pick count at which escalation happens.
	TriggerThreshold int `yaml:"trigger_threshold" json:"trigger_threshold"`

	// EarnOutQuota is how many picked tasks must be completed to be released.
	EarnOutQuota int `yaml:"earn_out_quota" json:"earn_out_quota"`

	// MinEligible is the fewest pickable tasks Pick accepts.
	MinEligible int `yaml:"min_eligible" json:"min_eligible"`
}

// DefaultPolicy returns an enabled policy with threshold 2 and quota 2.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          true,
		TriggerThreshold: DefaultTriggerThreshold,
		EarnOutQuota:     DefaultEarnOutQuota,
		MinEligible:      DefaultMinEligible,
	}
}

// Normalize replaces non-positive values with defaults.
func (p Policy) Normalize() Policy {
	if p.TriggerThreshold <= 0 {
		p.TriggerThreshold = DefaultTriggerThreshold
	}
	if p.EarnOutQuota <= 0 {
		p.EarnOutQuota = DefaultEarnOutQuota
	}
	if p.MinEligible <= 0 {
		p.MinEligible = DefaultMinEligible
	}
	return p
}

// Transition names what an operation did.
type Transition string

const (
	TransitionNone      Transition = "none"
	TransitionPicked    Transition = "picked"
	TransitionEscalated Transition = "escalated"
	TransitionCompleted Transition = "completed"
	TransitionReleased  Transition = "released"
	TransitionPhantom   Transition = "phantom"
	TransitionDismissed Transition = "dismissed"
	TransitionRepicked  Transition = "repicked"
	TransitionCleared   Transition = "cleared"
)

// Result reports the outcome of one operation.
type Result struct {
	Transition   Transition `json:"transition" yaml:"transition"`
	Phase        Phase      `json:"phase" yaml:"phase"`
	PickedTaskID string     `json:"picked_task_id,omitempty" yaml:"picked_task_id,omitempty"`
	Escalated    bool       `json:"escalated,omitempty" yaml:"escalated,omitempty"`
	Released     bool       `json:"released,omitempty" yaml:"released,omitempty"`
}

// View is the escalation state as the focus UI needs it.
type View struct {
	Phase            Phase  `json:"phase" yaml:"phase"`
	InSingleTaskMode bool   `json:"in_single_task_mode" yaml:"in_single_task_mode"`
	PickedTaskID     string `json:"picked_task_id,omitempty" yaml:"picked_task_id,omitempty"`
	TasksRemaining   int    `json:"tasks_remaining" yaml:"tasks_remaining"`
	TasksRequired    int    `json:"tasks_required" yaml:"tasks_required"`
	TasksCompleted   int    `json:"tasks_completed" yaml:"tasks_completed"`
	PickCount        int    `json:"pick_count" yaml:"pick_count"`
}

// NewView builds a View from a record.
func NewView(st *types.EscalationState) View {
	return View{
		Phase:            PhaseOf(st),
		InSingleTaskMode: st.InSingleTaskMode,
		PickedTaskID:     st.PickedTaskID,
		TasksRemaining:   st.TasksRemaining(),
		TasksRequired:    st.TasksRequiredToEarnOut,
		TasksCompleted:   st.TasksCompletedTowardEarnOut,
		PickCount:        st.PickCount,
	}
}

// Machine applies Policy to escalation records.
type Machine struct {
	policy Policy
	picker Picker
}

// NewMachine returns a machine. A nil picker falls back to a RandomPicker
// seeded with 1.
func NewMachine(policy Policy, picker Picker) *Machine {
	if picker == nil {
		picker = NewRandomPicker(1)
	}
	return &Machine{policy: policy.Normalize(), picker: picker}
}

// Policy returns the normalized policy in effect.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Eligible returns pending, non-snoozed tasks sorted by ID.
func Eligible(tasks []types.Task, now time.Time) []types.Task {
	out := make([]types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Pickable(now) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b types.Task) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// CanPick reports whether the pick-for-me entry point should be offered.
func (m *Machine) CanPick(st *types.EscalationState, tasks []types.Task, now time.Time) bool {
	return !st.InSingleTaskMode && len(Eligible(tasks, now)) >= m.policy.MinEligible
}

// Pick handles a user's pick-for-me request.
func (m *Machine) Pick(st *types.EscalationState, tasks []types.Task, now time.Time) (Result, error) {
	m.repair(st)
	if st.InSingleTaskMode {
		return m.result(st, TransitionNone), ErrFocusLocked
	}

	eligible := Eligible(tasks, now)
	if len(eligible) < m.policy.MinEligible {
		return m.result(st, TransitionNone), ErrNotEligible
	}

	chosen := m.choose(eligible, st.PickedTaskID)
	st.PickedTaskID = chosen.ID
	st.LastDismissedID = ""
	st.PickCount++
	st.UpdatedAt = now

	if m.policy.Enabled && st.PickCount >= m.policy.TriggerThreshold {
		m.escalate(st)
		res := m.result(st, TransitionEscalated)
		res.Escalated = true
		return res, nil
	}
	return m.result(st, TransitionPicked), nil
}

// CompletePick is called after the external completion of PickedTaskID
// succeeded. tasks is the task set as it stands after that completion.
//
// If the picked task is not found completed in tasks (deleted elsewhere, or
// the completion never landed) the call is a phantom: counters stay put and a
// fresh task is picked automatically.
func (m *Machine) CompletePick(st *types.EscalationState, tasks []types.Task, now time.Time) (Result, error) {
	m.repair(st)
	if st.PickedTaskID == "" {
		if st.InSingleTaskMode {
			m.autoPick(st, tasks, now, "")
			st.UpdatedAt = now
			return m.result(st, TransitionRepicked), nil
		}
		return m.result(st, TransitionNone), ErrNoPick
	}

	picked := types.FindTask(tasks, st.PickedTaskID)
	if picked == nil || picked.Status != types.TaskStatusCompleted {
		gone := st.PickedTaskID
		m.autoPick(st, tasks, now, gone)
		st.UpdatedAt = now
		return m.result(st, TransitionPhantom), nil
	}

	st.PickCount = 0
	st.LastDismissedID = ""
	st.UpdatedAt = now

	if !st.InSingleTaskMode {
		st.PickedTaskID = ""
		return m.result(st, TransitionCompleted), nil
	}

	st.TasksCompletedTowardEarnOut++
	if st.TasksCompletedTowardEarnOut >= st.TasksRequiredToEarnOut {
		release(st)
		res := m.result(st, TransitionReleased)
		res.Released = true
		return res, nil
	}

	m.autoPick(st, tasks, now, picked.ID)
	return m.result(st, TransitionCompleted), nil
}

// Dismiss declines the current pick without completing it. It never resets
// PickCount, never leaves single-task mode and never advances the earn-out.
func (m *Machine) Dismiss(st *types.EscalationState, tasks []types.Task, now time.Time) (Result, error) {
	m.repair(st)
	if st.PickedTaskID == "" {
		return m.result(st, TransitionNone), ErrNoPick
	}

	dismissed := st.PickedTaskID
	st.LastDismissedID = dismissed
	m.autoPick(st, tasks, now, dismissed)
	st.UpdatedAt = now
	return m.result(st, TransitionDismissed), nil
}

// Reconcile restores the invariant that PickedTaskID references a pending
// task after the task set changed out of band.
func (m *Machine) Reconcile(st *types.EscalationState, tasks []types.Task, now time.Time) Result {
	repaired := m.repair(st)

	if st.PickedTaskID != "" {
		if t := types.FindTask(tasks, st.PickedTaskID); t != nil && t.IsPending() {
			if repaired {
				st.UpdatedAt = now
			}
			return m.result(st, TransitionNone)
		}
	}

	if !st.InSingleTaskMode {
		if st.PickedTaskID == "" {
			return m.result(st, TransitionNone)
		}
		st.PickedTaskID = ""
		st.UpdatedAt = now
		return m.result(st, TransitionCleared)
	}

	gone := st.PickedTaskID
	m.autoPick(st, tasks, now, gone)
	st.UpdatedAt = now
	if st.PickedTaskID == "" && gone == "" {
		return m.result(st, TransitionNone)
	}
	return m.result(st, TransitionRepicked)
}

// escalate enters single-task mode with a fresh quota.
func (m *Machine) escalate(st *types.EscalationState) {
	st.InSingleTaskMode = true
	st.TasksRequiredToEarnOut = m.policy.EarnOutQuota
	st.TasksCompletedTowardEarnOut = 0
}

// release returns the record to its initial values.
func release(st *types.EscalationState) {
	st.InSingleTaskMode = false
	st.PickCount = 0
	st.PickedTaskID = ""
	st.LastDismissedID = ""
	st.TasksRequiredToEarnOut = 0
	st.TasksCompletedTowardEarnOut = 0
}

// autoPick selects the next task without counting it as a user request.
// It needs only one eligible task.
func (m *Machine) autoPick(st *types.EscalationState, tasks []types.Task, now time.Time, avoid string) {
	eligible := Eligible(tasks, now)
	if len(eligible) == 0 {
		st.PickedTaskID = ""
		return
	}
	st.PickedTaskID = m.choose(eligible, avoid).ID
}

// choose prefers any candidate other than avoid.
func (m *Machine) choose(eligible []types.Task, avoid string) types.Task {
	if avoid != "" && len(eligible) > 1 {
		others := make([]types.Task, 0, len(eligible)-1)
		for _, t := range eligible {
			if t.ID != avoid {
				others = append(others, t)
			}
		}
		if len(others) > 0 {
			return m.picker.Choose(others)
		}
	}
	return m.picker.Choose(eligible)
}

// repair fixes records that violate the counter invariants, e.g. ones
// persisted by an older policy. Reports whether anything changed.
func (m *Machine) repair(st *types.EscalationState) bool {
	changed := false
	if st.PickCount < 0 {
		st.PickCount = 0
		changed = true
	}
	if !st.InSingleTaskMode {
		if st.TasksRequiredToEarnOut != 0 || st.TasksCompletedTowardEarnOut != 0 {
			st.TasksRequiredToEarnOut = 0
			st.TasksCompletedTowardEarnOut = 0
			changed = true
		}
		return changed
	}
	if st.TasksRequiredToEarnOut <= 0 {
		st.TasksRequiredToEarnOut = m.policy.EarnOutQuota
		changed = true
	}
	if st.TasksCompletedTowardEarnOut < 0 {
		st.TasksCompletedTowardEarnOut = 0
		changed = true
	}
	if st.TasksCompletedTowardEarnOut >= st.TasksRequiredToEarnOut {
		st.TasksCompletedTowardEarnOut = st.TasksRequiredToEarnOut - 1
		changed = true
	}
	return changed
}

func (m *Machine) result(st *types.EscalationState, tr Transition) Result {
	return Result{
		Transition:   tr,
		Phase:        PhaseOf(st),
		PickedTaskID: st.PickedTaskID,
	}
}
