// Package tracker composes the deadline, reliability and escalation logic
// with persistence. Every operation on a user runs under that user's lock,
// which spans processes when the store supports it, so the escalation record
// sees a consistent task set.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whitelie/whitelie/internal/clock"
	"github.com/whitelie/whitelie/internal/deception"
	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/reliability"
	"github.com/whitelie/whitelie/internal/storage"
	"github.com/whitelie/whitelie/internal/types"
	"github.com/whitelie/whitelie/internal/worker"
)

// Service is the application layer behind the CLI.
type Service struct {
	store        storage.Store
	calc         deception.Calculator
	scoring      reliability.Policy
	initialScore int
	machine      *escalation.Machine
	clock        clock.Clock
	logger       *zap.Logger
	pool         *worker.Pool[types.Task, types.DeadlineView]
	locks        *userLocks
	newID        func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCalculator sets the deadline calculator.
func WithCalculator(c deception.Calculator) Option {
	return func(s *Service) { s.calc = c }
}

// WithScoring sets the reliability policy and the score new users start at.
func WithScoring(p reliability.Policy, initialScore int) Option {
	return func(s *Service) {
		s.scoring = p.Normalize()
		s.initialScore = reliability.Clamp(initialScore)
	}
}

// WithMachine sets the escalation machine.
func WithMachine(m *escalation.Machine) Option {
	return func(s *Service) { s.machine = m }
}

// WithConcurrency sets the board worker count (0 = NumCPU).
func WithConcurrency(n int) Option {
	return func(s *Service) { s.pool = worker.NewPool[types.Task, types.DeadlineView](n) }
}

// WithIDGenerator replaces UUIDv4 task ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New builds a Service over store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		calc:         deception.Default(),
		scoring:      reliability.DefaultPolicy(),
		initialScore: reliability.InitialScore,
		clock:        clock.System{},
		logger:       zap.NewNop(),
		pool:         worker.NewPool[types.Task, types.DeadlineView](0),
		locks:        newUserLocks(),
		newID:        func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.machine == nil {
		s.machine = escalation.NewMachine(escalation.DefaultPolicy(), escalation.NewRandomPicker(uint64(s.clock.Now().UnixNano())))
	}
	return s
}

// Board is a user's pending tasks as they should be shown.
type Board struct {
	// Tasks holds every pending task, most urgent displayed deadline first.
	Tasks   []types.DeadlineView `json:"tasks" yaml:"tasks"`
	Focus   escalation.View      `json:"focus" yaml:"focus"`
	Score   int                  `json:"reliability_score" yaml:"reliability_score"`
	CanPick bool                 `json:"can_pick" yaml:"can_pick"`
	Now     time.Time            `json:"now" yaml:"now"`
}

// Visible returns the tasks to render. In single-task mode that is only the
// picked task.
func (b *Board) Visible() []types.DeadlineView {
	if !b.Focus.InSingleTaskMode {
		return b.Tasks
	}
	for _, v := range b.Tasks {
		if v.Picked {
			return []types.DeadlineView{v}
		}
	}
	return nil
}

// Completion is the outcome of completing a task.
type Completion struct {
	Reveal types.Reveal      `json:"reveal" yaml:"reveal"`
	Focus  escalation.Result `json:"focus" yaml:"focus"`
}

// PickResult is the outcome of a pick or dismissal.
type PickResult struct {
	Result escalation.Result   `json:"result" yaml:"result"`
	Task   *types.DeadlineView `json:"task,omitempty" yaml:"task,omitempty"`
	Focus  escalation.View     `json:"focus" yaml:"focus"`
}

// FocusView is the escalation state with the picked task resolved.
type FocusView struct {
	escalation.View `yaml:",inline"`
	Task            *types.DeadlineView `json:"task,omitempty" yaml:"task,omitempty"`
}

// ScoreView is a user's reliability score.
type ScoreView struct {
	UserID string           `json:"user_id" yaml:"user_id"`
	Score  int              `json:"score" yaml:"score"`
	Band   reliability.Band `json:"band" yaml:"band"`

	// Initial is true when the user has no stored score yet.
	Initial bool `json:"initial,omitempty" yaml:"initial,omitempty"`
}

// AddTask creates a pending task.
func (s *Service) AddTask(ctx context.Context, userID, title string, realDeadline time.Time) (*types.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if realDeadline.IsZero() {
		return nil, ErrMissingDeadline
	}
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}

	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task := &types.Task{
		ID:           s.newID(),
		Title:        title,
		RealDeadline: realDeadline,
		Status:       types.TaskStatusPending,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.PutTask(ctx, userID, task); err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}
	s.logger.Debug("task added", zap.String("user", userID), zap.String("task", task.ID))
	return task, nil
}

// Board evaluates every pending task at the current time.
func (s *Service) Board(ctx context.Context, userID string) (*Board, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	score, _, err := s.score(ctx, userID)
	if err != nil {
		return nil, err
	}
	st, err := s.reconcile(ctx, userID, tasks, now)
	if err != nil {
		return nil, err
	}

	pending := make([]types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsPending() {
			pending = append(pending, t)
		}
	}
	results := s.pool.Process(ctx, pending, func(_ context.Context, t types.Task) (types.DeadlineView, error) {
		return s.view(&t, score, now, st.PickedTaskID), nil
	})
	views, err := worker.Values(results)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(views, func(a, b types.DeadlineView) int {
		if c := a.Displayed.Compare(b.Displayed); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})

	return &Board{
		Tasks:   views,
		Focus:   escalation.NewView(st),
		Score:   score,
		CanPick: s.machine.CanPick(st, tasks, now),
		Now:     now,
	}, nil
}

// Complete resolves a task, reveals its real deadline, adjusts the score and
// advances the escalation record. The new task status, score, escalation
// record and outcome are computed up front and committed in one store call,
// so a failed completion leaves the task pending and can be retried.
func (s *Service) Complete(ctx context.Context, userID, taskID string) (*Completion, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	before := types.FindTask(tasks, taskID)
	if before == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, taskID)
	}
	if !before.IsPending() {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotPending, taskID)
	}
	scoreBefore, _, err := s.score(ctx, userID)
	if err != nil {
		return nil, err
	}
	// What the user was looking at when they finished it.
	displayed := s.calc.Displayed(before.RealDeadline, scoreBefore, now)
	onTime := reliability.WasOnTime(now, before.RealDeadline)
	scoreAfter := s.scoring.Adjust(scoreBefore, onTime)

	st, err := s.store.LoadEscalation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load escalation: %w", err)
	}
	// The machine sees the task set as it will be once the commit lands.
	after := slices.Clone(tasks)
	types.FindTask(after, taskID).MarkCompleted(now)

	var res escalation.Result
	if st.PickedTaskID == taskID {
		res, err = s.machine.CompletePick(st, after, now)
		if err != nil {
			return nil, err
		}
	} else {
		res = s.machine.Reconcile(st, after, now)
	}

	err = s.store.ResolveTask(ctx, &storage.Resolution{
		UserID:      userID,
		TaskID:      taskID,
		CompletedAt: now,
		Score:       scoreAfter,
		Escalation:  st,
		Outcome: &types.OutcomeEvent{
			UserID:       userID,
			TaskID:       taskID,
			RealDeadline: before.RealDeadline,
			Displayed:    displayed,
			CompletedAt:  now,
			OnTime:       onTime,
			ScoreBefore:  scoreBefore,
			ScoreAfter:   scoreAfter,
			RecordedAt:   now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	s.logger.Info("score adjusted",
		zap.String("user", userID),
		zap.String("task", taskID),
		zap.Bool("on_time", onTime),
		zap.Int("before", scoreBefore),
		zap.Int("after", scoreAfter))
	s.logTransition(userID, res)

	return &Completion{
		Reveal: types.Reveal{
			TaskID:      before.ID,
			Title:       before.Title,
			Real:        before.RealDeadline,
			Displayed:   displayed,
			CompletedAt: now,
			OnTime:      onTime,
			Slack:       before.RealDeadline.Sub(now),
			ScoreBefore: scoreBefore,
			ScoreAfter:  scoreAfter,
		},
		Focus: res,
	}, nil
}

// Delete removes a task. A deleted pick is replaced or cleared.
func (s *Service) Delete(ctx context.Context, userID, taskID string) (escalation.Result, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return escalation.Result{}, err
	}
	defer unlock()

	if err := s.store.DeleteTask(ctx, userID, taskID); err != nil {
		return escalation.Result{}, err
	}
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return escalation.Result{}, fmt.Errorf("list tasks: %w", err)
	}
	st, err := s.store.LoadEscalation(ctx, userID)
	if err != nil {
		return escalation.Result{}, fmt.Errorf("load escalation: %w", err)
	}
	res := s.machine.Reconcile(st, tasks, s.clock.Now())
	if err := s.saveEscalation(ctx, userID, st, res); err != nil {
		return escalation.Result{}, err
	}
	return res, nil
}

// Snooze hides a task from pick-for-me for d. A non-positive d clears the snooze.
func (s *Service) Snooze(ctx context.Context, userID, taskID string, d time.Duration) (*types.Task, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var until *time.Time
	if d > 0 {
		u := s.clock.Now().Add(d)
		until = &u
	}
	t, err := s.store.SnoozeTask(ctx, userID, taskID, until)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task snoozed", zap.String("user", userID), zap.String("task", taskID), zap.Duration("for", d))
	return t, nil
}

// Pick asks the system to choose a task. It returns escalation.ErrNotEligible
// or escalation.ErrFocusLocked unchanged so callers can match them.
func (s *Service) Pick(ctx context.Context, userID string) (*PickResult, error) {
	return s.pickOp(ctx, userID, s.machine.Pick)
}

// Dismiss declines the current pick and gets another one.
func (s *Service) Dismiss(ctx context.Context, userID string) (*PickResult, error) {
	return s.pickOp(ctx, userID, s.machine.Dismiss)
}

type machineOp func(*types.EscalationState, []types.Task, time.Time) (escalation.Result, error)

func (s *Service) pickOp(ctx context.Context, userID string, op machineOp) (*PickResult, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	st, err := s.store.LoadEscalation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load escalation: %w", err)
	}

	res, err := op(st, tasks, now)
	if err != nil {
		return nil, err
	}
	if err := s.saveEscalation(ctx, userID, st, res); err != nil {
		return nil, err
	}

	out := &PickResult{Result: res, Focus: escalation.NewView(st)}
	if t := types.FindTask(tasks, st.PickedTaskID); t != nil {
		score, _, err := s.score(ctx, userID)
		if err != nil {
			return nil, err
		}
		v := s.view(t, score, now, st.PickedTaskID)
		out.Task = &v
	}
	return out, nil
}

// Focus returns the reconciled escalation view for the focus UI.
func (s *Service) Focus(ctx context.Context, userID string) (*FocusView, error) {
	ctx, unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	st, err := s.reconcile(ctx, userID, tasks, now)
	if err != nil {
		return nil, err
	}

	fv := &FocusView{View: escalation.NewView(st)}
	if t := types.FindTask(tasks, st.PickedTaskID); t != nil {
		score, _, err := s.score(ctx, userID)
		if err != nil {
			return nil, err
		}
		v := s.view(t, score, now, st.PickedTaskID)
		fv.Task = &v
	}
	return fv, nil
}

// Score returns the user's reliability score.
func (s *Service) Score(ctx context.Context, userID string) (*ScoreView, error) {
	score, found, err := s.score(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ScoreView{UserID: userID, Score: score, Band: reliability.BandFor(score), Initial: !found}, nil
}

// History returns the newest limit outcomes, oldest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]types.OutcomeEvent, error) {
	events, err := s.store.ListOutcomes(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return events, nil
}

// score loads the stored score or the initial one.
func (s *Service) score(ctx context.Context, userID string) (int, bool, error) {
	score, found, err := s.store.GetReliabilityScore(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("load score: %w", err)
	}
	if !found {
		return s.initialScore, false, nil
	}
	return reliability.Clamp(score), true, nil
}

// reconcile loads the escalation record and repairs it against tasks,
// saving only when something changed.
func (s *Service) reconcile(ctx context.Context, userID string, tasks []types.Task, now time.Time) (*types.EscalationState, error) {
	st, err := s.store.LoadEscalation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load escalation: %w", err)
	}
	before := *st
	res := s.machine.Reconcile(st, tasks, now)
	if *st != before {
		if err := s.saveEscalation(ctx, userID, st, res); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Service) saveEscalation(ctx context.Context, userID string, st *types.EscalationState, res escalation.Result) error {
	if err := s.store.SaveEscalation(ctx, userID, st); err != nil {
		return fmt.Errorf("save escalation: %w", err)
	}
	s.logTransition(userID, res)
	return nil
}

func (s *Service) logTransition(userID string, res escalation.Result) {
	fields := []zap.Field{
		zap.String("user", userID),
		zap.String("phase", string(res.Phase)),
		zap.String("picked", res.PickedTaskID),
	}
	switch res.Transition {
	case escalation.TransitionEscalated:
		s.logger.Info("escalated", fields...)
	case escalation.TransitionReleased:
		s.logger.Info("released", fields...)
	case escalation.TransitionPhantom:
		s.logger.Warn("phantom_completion", fields...)
	case escalation.TransitionNone:
	default:
		s.logger.Debug(string(res.Transition), fields...)
	}
}

// view builds the presentation record for a pending task. It never carries
// the real deadline.
func (s *Service) view(t *types.Task, score int, now time.Time, pickedID string) types.DeadlineView {
	r := s.calc.Evaluate(t.RealDeadline, score, now)
	return types.DeadlineView{
		TaskID:    t.ID,
		Title:     t.Title,
		Displayed: r.Displayed,
		Tier:      r.Tier,
		Remaining: r.Displayed.Sub(now),
		Snoozed:   t.IsSnoozed(now),
		Picked:    t.ID == pickedID,
	}
}

// IsPickRefusal reports whether err is one of the escalation preconditions a
// UI should turn into a disabled affordance rather than a failure.
func IsPickRefusal(err error) bool {
	return errors.Is(err, escalation.ErrNotEligible) ||
		errors.Is(err, escalation.ErrFocusLocked) ||
		errors.Is(err, escalation.ErrNoPick)
}
