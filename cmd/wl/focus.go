package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/formatter"
	"github.com/whitelie/whitelie/internal/tracker"
	"github.com/whitelie/whitelie/internal/types"
)

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Let wl choose what you work on",
	Long: `Pick a task at random from the pending, non-snoozed ones.

Picking again before finishing the last pick puts you in single-task mode:
the list shrinks to the picked task until you complete enough picks in a row.`,
	GroupID: groupFocus,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPickOp(cmd, "pick", (*tracker.Service).Pick)
	},
}

var dismissCmd = &cobra.Command{
	Use:     "dismiss",
	Short:   "Decline the current pick and get another",
	GroupID: groupFocus,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPickOp(cmd, "dismiss the current pick", (*tracker.Service).Dismiss)
	},
}

var focusCmd = &cobra.Command{
	Use:     "focus",
	Short:   "Show single-task mode status",
	GroupID: groupFocus,
	Args:    cobra.NoArgs,
	RunE:    runFocus,
}

func init() {
	rootCmd.AddCommand(pickCmd, dismissCmd, focusCmd)
}

// pickOutput is the structured form of pick and dismiss. Refused is set
// instead of an error when the affordance is unavailable.
type pickOutput struct {
	Refused string              `json:"refused,omitempty" yaml:"refused,omitempty"`
	Result  *escalation.Result  `json:"result,omitempty" yaml:"result,omitempty"`
	Task    *types.DeadlineView `json:"task,omitempty" yaml:"task,omitempty"`
	Focus   *escalation.View    `json:"focus,omitempty" yaml:"focus,omitempty"`
}

type pickFunc func(*tracker.Service, context.Context, string) (*tracker.PickResult, error)

func runPickOp(cmd *cobra.Command, verb string, op pickFunc) error {
	if GetDryRun() {
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would %s\n", verb)
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		res, err := op(a.svc, cmd.Context(), a.user)
		if tracker.IsPickRefusal(err) {
			out := pickOutput{Refused: refusalText(err, a.cfg.EscalationPolicy())}
			return render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, out.Refused)
				return err
			})
		}
		if err != nil {
			return err
		}

		out := pickOutput{Result: &res.Result, Task: res.Task, Focus: &res.Focus}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) error {
			return pickText(w, res)
		})
	})
}

func refusalText(err error, policy escalation.Policy) string {
	switch {
	case errors.Is(err, escalation.ErrFocusLocked):
		return "Single-task mode is on. Finish the picked task first (wl focus)."
	case errors.Is(err, escalation.ErrNotEligible):
		return fmt.Sprintf("Pick-for-me needs at least %d pending, awake tasks.", policy.MinEligible)
	case errors.Is(err, escalation.ErrNoPick):
		return "Nothing is picked right now (wl pick)."
	default:
		return err.Error()
	}
}

func pickText(w io.Writer, res *tracker.PickResult) error {
	if res.Result.Escalated {
		fmt.Fprintf(w, "Too many picks without finishing. Single-task mode: finish %d picked tasks to get the list back.\n\n",
			res.Focus.TasksRequired)
	}
	if res.Task == nil {
		_, err := fmt.Fprintln(w, "Nothing left to pick.")
		return err
	}
	return focusTask(w, res.Task)
}

func focusTask(w io.Writer, v *types.DeadlineView) error {
	_, err := fmt.Fprintf(w, "Work on: %s\n  id:  %s\n  due: %s (%s)\n",
		v.Title, formatter.ShortID(v.TaskID), formatter.Timestamp(v.Displayed), v.Tier)
	return err
}

func runFocus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		fv, err := a.svc.Focus(cmd.Context(), a.user)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), fv, func(w io.Writer) error {
			return focusText(w, fv)
		})
	})
}

func focusText(w io.Writer, fv *tracker.FocusView) error {
	switch fv.Phase {
	case escalation.PhaseIdle:
		fmt.Fprintln(w, "No pick. Free to choose (wl pick to let wl decide).")
	case escalation.PhaseDeciding:
		fmt.Fprintf(w, "Picked for you (%d pick request(s) so far).\n", fv.PickCount)
	default:
		fmt.Fprintf(w, "Single-task mode: %s, %d to go.\n",
			formatter.Progress(fv.TasksCompleted, fv.TasksRequired), fv.TasksRemaining)
	}
	if fv.Task != nil {
		return focusTask(w, fv.Task)
	}
	return nil
}
