// Package formatter renders command output for terminals and pipes.
package formatter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"
)

// Table renders aligned columns with a dashed rule under the header.
type Table struct {
	out       io.Writer
	w         *tabwriter.Writer
	headers   []string
	maxWidth  map[int]int // column index -> max width in runes (0 = unlimited)
	rows      int
	emptyText string
}

// NewTable returns a table writing to w.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{
		out:      w,
		w:        tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers:  headers,
		maxWidth: make(map[int]int),
	}
}

// SetMaxWidth sets the maximum display width for a column (0-indexed).
// Values exceeding the limit are truncated with "...".
func (t *Table) SetMaxWidth(col, width int) *Table {
	t.maxWidth[col] = width
	return t
}

// SetEmptyText sets a line printed by Render when no rows were added.
// Without it an empty table prints nothing.
func (t *Table) SetEmptyText(s string) *Table {
	t.emptyText = s
	return t
}

// Rows returns the number of rows added so far.
func (t *Table) Rows() int {
	return t.rows
}

// AddRow appends a row, padding or dropping values to match the headers.
// The header is written before the first row.
func (t *Table) AddRow(values ...string) {
	if t.rows == 0 {
		t.writeLine(t.headers)
		seps := make([]string, len(t.headers))
		for i, h := range t.headers {
			seps[i] = strings.Repeat("-", utf8.RuneCountInString(h))
		}
		t.writeLine(seps)
	}
	t.rows++

	cells := make([]string, len(t.headers))
	for i := range cells {
		if i < len(values) {
			cells[i] = t.truncate(i, values[i])
		}
	}
	t.writeLine(cells)
}

// Render flushes the table, or prints the empty text when there are no rows.
func (t *Table) Render() error {
	if t.rows == 0 && t.emptyText != "" {
		_, err := fmt.Fprintln(t.out, t.emptyText)
		return err
	}
	return t.w.Flush()
}

func (t *Table) writeLine(cells []string) {
	//nolint:errcheck // tabwriter buffers; errors surface on Flush
	fmt.Fprintln(t.w, strings.Join(cells, "\t"))
}

// truncate shortens s to the column limit, counting runes so multi-byte
// titles are never cut mid-character.
func (t *Table) truncate(col int, s string) string {
	limit, ok := t.maxWidth[col]
	if !ok || limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
