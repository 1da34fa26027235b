package main

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"

	timeLayout = "2006-01-02 15:04:05"
)

// statusColors maps every status the daemon reports to its terminal color.
// Unknown statuses render unstyled.
var statusColors = map[string]string{
	"completed":         ansiGreen,
	"resolved":          ansiGreen,
	"skipped_unchanged": ansiGreen,

	"failed":                      ansiRed,
	"skipped_prerequisite_failed": ansiRed,

	"pending":                          ansiYellow,
	"in_progress":                      ansiYellow,
	"retrying":                         ansiYellow,
	"deferred_async_retry":             ansiYellow,
	"deferred_prerequisite_retrying":   ansiYellow,
	"skipped_concurrent_first_attempt": ansiYellow,
	"skipped_concurrent_retry":         ansiYellow,
}

func ColorStatus(status string) string {
	color, ok := statusColors[status]
	if !ok {
		return status
	}
	return color + status + ansiReset
}

// RenderTable prints headers, a dashed divider, and rows with two-space
// column gaps. Widths are computed over the printed width of each cell so
// colored cells do not skew alignment.
func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = printedWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := printedWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	divider := make([]string, len(widths))
	for i, w := range widths {
		divider[i] = strings.Repeat("-", w)
	}

	var b strings.Builder
	for _, cols := range append([][]string{headers, divider}, rows...) {
		for i, w := range widths {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := ""
			if i < len(cols) {
				cell = cols[i]
			}
			b.WriteString(cell)
			if pad := w - printedWidth(cell); pad > 0 && i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
		b.WriteByte('\n')
	}
	fmt.Fprint(out, b.String())
}

var ansiSequence = regexp.MustCompile("\x1b\\[[0-9;]*m")

func printedWidth(s string) int {
	if strings.IndexByte(s, '\x1b') >= 0 {
		s = ansiSequence.ReplaceAllString(s, "")
	}
	return utf8.RuneCountInString(s)
}

func PrintJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Truncate caps a cell at max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return string(runes[:1])
	}
	return string(runes[:max-1]) + "…"
}

func FormatTimeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func FormatTimePtrOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return FormatTimeOrDash(*t)
}
