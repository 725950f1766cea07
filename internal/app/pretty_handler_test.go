package app

import (
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments(
		[]string{s1, s2, s3},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)

	lines := wrapSegments(
		[]string{long},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.Contains(lines[0], "…") {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("ZERV_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("ZERV_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestRenderWSEventSummary_PullsSessionCloseAndErr(t *testing.T) {
	h := &prettyHandler{color: false}
	fields := []prettyField{
		{key: "session_id", val: slog.StringValue("abc123")},
		{key: "close_status", val: slog.Int64Value(1006)},
		{key: "err", val: slog.StringValue("boom")},
	}

	parts := h.renderWSEventSummary(&fields)
	joined := strings.Join(parts, " ")
	if !strings.Contains(joined, "session=abc123") {
		t.Fatalf("expected session id in summary, got %q", joined)
	}
	if !strings.Contains(joined, "close=1006") {
		t.Fatalf("expected close status in summary, got %q", joined)
	}
	if !strings.Contains(joined, "err=boom") {
		t.Fatalf("expected err in summary, got %q", joined)
	}
	if len(fields) != 0 {
		t.Fatalf("expected all fields consumed, got %+v", fields)
	}
}

func TestColorizeCloseStatus_NormalVsAbnormal(t *testing.T) {
	if got := colorizeCloseStatus(1000, false); got != "1000" {
		t.Fatalf("colorizeCloseStatus(1000)=%q want plain 1000", got)
	}
	if got := colorizeCloseStatus(1006, true); !strings.Contains(got, "1006") || !strings.Contains(got, ansiYellow) {
		t.Fatalf("colorizeCloseStatus(1006, color)=%q want yellow-highlighted", got)
	}
	if got := colorizeCloseStatus(1000, true); !strings.Contains(got, ansiGreen) {
		t.Fatalf("colorizeCloseStatus(1000, color)=%q want green-highlighted", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("ZERV_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != 100 {
		t.Fatalf("terminalWidth()=%d want 100", got)
	}
}
