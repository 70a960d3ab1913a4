package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whitelie/whitelie/internal/formatter"
	"github.com/whitelie/whitelie/internal/types"
)

// render writes v as json or yaml, or calls table for the default format.
func render(w io.Writer, v any, table func(io.Writer) error) error {
	switch GetOutput() {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case "yaml":
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()

	default:
		return table(w)
	}
}

// parseDue turns a duration ("90m", "36h", "3d") or a timestamp into an
// absolute deadline. Date-only values mean the end of that day.
func parseDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("--due is required")
	}

	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			if n <= 0 {
				return time.Time{}, fmt.Errorf("due %q: must be in the future", s)
			}
			return now.Add(time.Duration(n) * 24 * time.Hour), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("due %q: must be in the future", s)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t.Add(24*time.Hour - time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("due %q: want a duration like 36h or 3d, or a time like 2006-01-02 15:04", s)
}

// resolveTaskID expands a unique prefix of a pending task's id. Anything
// else is returned unchanged and left for the store to reject.
func resolveTaskID(ctx context.Context, a *app, arg string) (string, error) {
	board, err := a.svc.Board(ctx, a.user)
	if err != nil {
		return "", err
	}
	var match string
	for _, v := range board.Tasks {
		if v.TaskID == arg {
			return arg, nil
		}
		if strings.HasPrefix(v.TaskID, arg) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", arg)
			}
			match = v.TaskID
		}
	}
	if match == "" {
		return arg, nil
	}
	return match, nil
}

// taskTable renders deadline views as a table.
func taskTable(w io.Writer, views []types.DeadlineView, now time.Time) error {
	tbl := formatter.NewTable(w, "ID", "TITLE", "DUE", "WHEN", "URGENCY", "")
	tbl.SetMaxWidth(1, 48)
	tbl.SetEmptyText("No pending tasks.")
	for _, v := range views {
		var flags []string
		if v.Picked {
			flags = append(flags, "picked")
		}
		if v.Snoozed {
			flags = append(flags, "snoozed")
		}
		tbl.AddRow(
			formatter.ShortID(v.TaskID),
			v.Title,
			formatter.Timestamp(v.Displayed),
			formatter.Relative(v.Displayed, now),
			string(v.Tier),
			strings.Join(flags, ","),
		)
	}
	return tbl.Render()
}
