package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/formatter"
	"github.com/whitelie/whitelie/internal/tracker"
	"github.com/whitelie/whitelie/internal/types"
)

var (
	addDue     string
	listAll    bool
	snoozeFor  time.Duration
	snoozeWake bool
)

var addCmd = &cobra.Command{
	Use:     "add <title...>",
	Short:   "Add a task with its real deadline",
	GroupID: groupTasks,
	Example: `  wl add "Quarterly report" --due 3d
  wl add Renew passport --due "2026-11-30 17:00"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show pending tasks with their displayed deadlines",
	Long: `Show pending tasks, most urgent first. Deadlines shown are the displayed
ones, never the real ones.

In single-task mode only the picked task is listed. Use --all to see the
rest anyway.`,
	GroupID: groupTasks,
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var doneCmd = &cobra.Command{
	Use:     "done <task-id>",
	Short:   "Complete a task and reveal its real deadline",
	GroupID: groupTasks,
	Args:    cobra.ExactArgs(1),
	RunE:    runDone,
}

var rmCmd = &cobra.Command{
	Use:     "rm <task-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task without completing it",
	GroupID: groupTasks,
	Args:    cobra.ExactArgs(1),
	RunE:    runRm,
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze <task-id>",
	Short: "Keep a task out of pick-for-me for a while",
	Long: `Snooze a task so pick-for-me skips it. The task stays on the list and its
deadline keeps counting down.`,
	GroupID: groupTasks,
	Args:    cobra.ExactArgs(1),
	RunE:    runSnooze,
}

// addedTask and snoozedTask leave the real deadline out of structured
// output; it stays hidden until completion.
type addedTask struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type snoozedTask struct {
	ID           string     `json:"id" yaml:"id"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty" yaml:"snoozed_until,omitempty"`
}

func init() {
	addCmd.Flags().StringVar(&addDue, "due", "", "Real deadline: duration (36h, 3d) or time")
	_ = addCmd.MarkFlagRequired("due")
	listCmd.Flags().BoolVar(&listAll, "all", false, "List every pending task even in single-task mode")
	snoozeCmd.Flags().DurationVar(&snoozeFor, "for", 4*time.Hour, "How long to snooze")
	snoozeCmd.Flags().BoolVar(&snoozeWake, "wake", false, "Clear an existing snooze")

	rootCmd.AddCommand(addCmd, listCmd, doneCmd, rmCmd, snoozeCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	title := strings.Join(args, " ")
	due, err := parseDue(addDue, time.Now())
	if err != nil {
		return err
	}

	if GetDryRun() {
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would add %q due %s\n", title, formatter.Timestamp(due))
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.svc.AddTask(cmd.Context(), a.user, title, due)
		if err != nil {
			return err
		}
		out := addedTask{ID: task.ID, Title: task.Title, CreatedAt: task.CreatedAt}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Added %s  %s\n", formatter.ShortID(task.ID), task.Title)
			return err
		})
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		board, err := a.svc.Board(cmd.Context(), a.user)
		if err != nil {
			return err
		}
		views := board.Visible()
		if listAll {
			views = board.Tasks
		}
		shown := *board
		shown.Tasks = views
		return render(cmd.OutOrStdout(), &shown, func(w io.Writer) error {
			return boardTable(w, board, views)
		})
	})
}

func boardTable(w io.Writer, board *tracker.Board, views []types.DeadlineView) error {
	if board.Focus.InSingleTaskMode {
		fmt.Fprintf(w, "Single-task mode: %s. Finish the picked task.\n\n",
			formatter.Progress(board.Focus.TasksCompleted, board.Focus.TasksRequired))
	}
	if err := taskTable(w, views, board.Now); err != nil {
		return err
	}
	if hidden := len(board.Tasks) - len(views); hidden > 0 {
		fmt.Fprintf(w, "\n%d more hidden until you earn out (wl ls --all).\n", hidden)
	}
	return nil
}

func runDone(cmd *cobra.Command, args []string) error {
	if GetDryRun() {
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would complete %s\n", args[0])
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		id, err := resolveTaskID(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		c, err := a.svc.Complete(cmd.Context(), a.user, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), c, func(w io.Writer) error {
			return revealText(w, c)
		})
	})
}

func revealText(w io.Writer, c *tracker.Completion) error {
	r := c.Reveal
	verdict := "on time"
	if !r.OnTime {
		verdict = "late"
	}
	fmt.Fprintf(w, "Done: %s (%s)\n", r.Title, verdict)
	fmt.Fprintf(w, "  You were shown: %s\n", formatter.Timestamp(r.Displayed))
	fmt.Fprintf(w, "  Real deadline:  %s (%s)\n", formatter.Timestamp(r.Real), formatter.Slack(r.Slack))
	fmt.Fprintf(w, "  Reliability:    %d -> %d\n", r.ScoreBefore, r.ScoreAfter)

	switch {
	case c.Focus.Released:
		fmt.Fprintln(w, "Single-task mode is over. The full list is back.")
	case c.Focus.Transition == escalation.TransitionPhantom:
		fmt.Fprintln(w, "The picked task was gone, so the streak did not count.")
	case c.Focus.PickedTaskID != "" && c.Focus.PickedTaskID != r.TaskID:
		fmt.Fprintf(w, "Next up: %s\n", formatter.ShortID(c.Focus.PickedTaskID))
	}
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	if GetDryRun() {
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would delete %s\n", args[0])
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		id, err := resolveTaskID(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		res, err := a.svc.Delete(cmd.Context(), a.user, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
			fmt.Fprintf(w, "Deleted %s\n", formatter.ShortID(id))
			if res.Transition == escalation.TransitionRepicked {
				fmt.Fprintf(w, "Next up: %s\n", formatter.ShortID(res.PickedTaskID))
			}
			return nil
		})
	})
}

func runSnooze(cmd *cobra.Command, args []string) error {
	d := snoozeFor
	if snoozeWake {
		d = 0
	}
	if GetDryRun() {
		if d == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would wake %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would snooze %s for %s\n", args[0], d)
		}
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		id, err := resolveTaskID(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		task, err := a.svc.Snooze(cmd.Context(), a.user, id, d)
		if err != nil {
			return err
		}
		out := snoozedTask{ID: task.ID, SnoozedUntil: task.SnoozedUntil}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) error {
			if task.SnoozedUntil == nil {
				_, err := fmt.Fprintf(w, "%s is awake\n", formatter.ShortID(task.ID))
				return err
			}
			_, err := fmt.Fprintf(w, "Snoozed %s until %s\n", formatter.ShortID(task.ID), formatter.Timestamp(*task.SnoozedUntil))
			return err
		})
	})
}
