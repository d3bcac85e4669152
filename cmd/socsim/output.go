package main

// ---------------------------------------------------------------------------
// output.go - --format handling, boxed tables, CSV and JSON writers
// ---------------------------------------------------------------------------

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
	FormatCSV
)

// parseFormat converts a --format value. Anything unrecognised is a table.
func parseFormat(s string) OutputFormat {
	return map[string]OutputFormat{
		"json": FormatJSON,
		"csv":  FormatCSV,
	}[strings.ToLower(strings.TrimSpace(s))]
}

// Table collects rows and renders them with box-drawing borders, each column
// as wide as its widest cell.
type Table struct {
	w       io.Writer
	headers []string
	rows    [][]string
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{w: w, headers: headers}
}

// AddRow appends a row. Missing trailing cells render empty and extra cells
// are ignored.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Rows returns the raw rows, for CSV output of the same data.
func (t *Table) Rows() [][]string { return t.rows }

func (t *Table) widths() []int {
	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}
	return widths
}

func border(widths []int, left, join, right string) string {
	segs := make([]string, len(widths))
	for i, w := range widths {
		segs[i] = strings.Repeat("─", w+2)
	}
	return left + strings.Join(segs, join) + right
}

func row(widths []int, cells []string) string {
	var b strings.Builder
	b.WriteString("│")
	for i, cell := range cells {
		b.WriteString(" " + cell + strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)) + " │")
	}
	return b.String()
}

// Render writes the table. A table without headers renders nothing.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := t.widths()
	lines := []string{
		border(widths, "┌", "┬", "┐"),
		row(widths, t.headers),
		border(widths, "├", "┼", "┤"),
	}
	for _, r := range t.rows {
		lines = append(lines, row(widths, r))
	}
	lines = append(lines, border(widths, "└", "┴", "┘"))
	fmt.Fprintln(t.w, strings.Join(lines, "\n"))
}

func writeCSV(w io.Writer, headers []string, rows [][]string) {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(append([][]string{headers}, rows...)); err != nil {
		errorf("writing CSV: %v", err)
	}
}

// outputWriter returns stdout, or the --output file when one is given,
// together with a func that closes it.
func outputWriter(path string) (io.Writer, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		errorf("opening output file %q: %v", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			warnf("closing %s: %v", path, err)
		}
	}
}

// truncate shortens s to n runes, the last one an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		errorf("encoding output: %v", err)
	}
}
