package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/KafClaw/arbiter/internal/circuit"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(title))
	fmt.Fprintln(w, strings.Repeat("─", max(20, len(title))))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mark(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}

func stateString(s circuit.State) string {
	switch s {
	case circuit.Closed:
		return color.GreenString(string(s))
	case circuit.HalfOpen:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func outcomeString(outcome string) string {
	switch outcome {
	case "success", "proceed", "succeeded", "applied", "ok":
		return color.GreenString(outcome)
	case "failure", "escalated", "max_retries_exceeded", "persist_failed", "permanent_error", "error":
		return color.RedString(outcome)
	}
	return color.YellowString(outcome)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
