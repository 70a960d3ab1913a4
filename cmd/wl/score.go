package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/whitelie/whitelie/internal/formatter"
	"github.com/whitelie/whitelie/internal/types"
)

var historyLimit int

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Show your reliability score",
	Long: `Show your reliability score (0-100). On-time completions raise it, late
ones lower it more. The lower the score, the earlier your deadlines look.`,
	Args: cobra.NoArgs,
	RunE: runScore,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent completions with their real deadlines",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of completions to show (0 for all)")
	rootCmd.AddCommand(scoreCmd, historyCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		sv, err := a.svc.Score(cmd.Context(), a.user)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), sv, func(w io.Writer) error {
			suffix := ""
			if sv.Initial {
				suffix = " (starting score, nothing completed yet)"
			}
			_, err := fmt.Fprintf(w, "Reliability for %s: %d, %s%s\n", sv.UserID, sv.Score, sv.Band, suffix)
			return err
		})
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		events, err := a.svc.History(cmd.Context(), a.user, historyLimit)
		if err != nil {
			return err
		}
		if events == nil {
			events = []types.OutcomeEvent{}
		}
		return render(cmd.OutOrStdout(), events, func(w io.Writer) error {
			tbl := formatter.NewTable(w, "COMPLETED", "TASK", "SHOWN", "REAL", "RESULT", "SCORE")
			tbl.SetEmptyText("No completions yet.")
			for _, ev := range events {
				result := formatter.Slack(ev.RealDeadline.Sub(ev.CompletedAt))
				if !ev.OnTime {
					result = "LATE " + result
				}
				tbl.AddRow(
					formatter.Timestamp(ev.CompletedAt),
					formatter.ShortID(ev.TaskID),
					formatter.Timestamp(ev.Displayed),
					formatter.Timestamp(ev.RealDeadline),
					result,
					fmt.Sprintf("%d -> %d", ev.ScoreBefore, ev.ScoreAfter),
				)
			}
			return tbl.Render()
		})
	})
}
