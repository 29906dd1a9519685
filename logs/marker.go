package logs

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MarkerKind names a lifecycle event recorded in a session log.
type MarkerKind string

const (
	MarkStarted     MarkerKind = "Started"
	MarkStopped     MarkerKind = "Stopped"
	MarkRestarted   MarkerKind = "Restarted"
	MarkCrashed     MarkerKind = "Crashed/Exited"
	MarkFailedEarly MarkerKind = "Failed Early"
	MarkAdopted     MarkerKind = "Adopted"
)

const markerRule = "===================="

// FormatMarker renders a marker line, e.g.
//
//	==================== Session Started: 2026-01-02 15:04:05 | PID: 4242 ====================
func FormatMarker(kind MarkerKind, at time.Time, pid int) string {
	body := fmt.Sprintf("Session %s: %s", kind, at.Format("2006-01-02 15:04:05"))
	if pid > 0 {
		body += fmt.Sprintf(" | PID: %d", pid)
	}
	return markerRule + " " + body + " " + markerRule
}

// IsMarker reports whether line was written by FormatMarker.
func IsMarker(line string) bool {
	return strings.HasPrefix(line, markerRule+" Session ") && strings.HasSuffix(line, " "+markerRule)
}

// summaryLimit caps crash summaries shown in status output.
const summaryLimit = 100

// Summarize joins the last three non-marker lines for use as a one-line
// error, keeping at most the final 100 bytes.
func Summarize(lines []string) string {
	var picked []string
	for i := len(lines) - 1; i >= 0 && len(picked) < 3; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || IsMarker(line) {
			continue
		}
		picked = append(picked, line)
	}
	if len(picked) == 0 {
		return "Process exited without output"
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	out := strings.Join(picked, " ")
	if len(out) <= summaryLimit {
		return out
	}
	cut := len(out) - summaryLimit
	for cut < len(out) && !utf8.RuneStart(out[cut]) {
		cut++
	}
	return "..." + out[cut:]
}
