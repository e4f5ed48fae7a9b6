// Package hoard renders stored messages and audit history for the CLI.
package hoard

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/pkg/message"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatTable writes an inbox listing and returns the number of rows.
func FormatTable(w io.Writer, msgs []*message.Message, recipient string, now time.Time) int {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No messages found for '%s'\n", recipient)
		return 0
	}

	fmt.Fprintf(w, "Inbox for '%s':\n\n", recipient)
	fmt.Fprintf(w, "%-10s %-8s %-10s %-14s %-8s %s\n",
		"ID", "PRIO", "TYPE", "FROM", "AGE", "CONTENT")
	fmt.Fprintf(w, "%-10s %-8s %-10s %-14s %-8s %s\n",
		"----------", "--------", "----------", "--------------", "--------", "----------------------------------------")

	for _, m := range msgs {
		fmt.Fprintf(w, "%-10s %-8s %-10s %-14s %-8s %s\n",
			formatID(m.ID),
			string(m.Priority),
			formatType(m.Type),
			orDash(m.Sender),
			formatAge(m.CreatedAt, now),
			formatContent(m.Content),
		)
	}

	noun := "message"
	if len(msgs) != 1 {
		noun = "messages"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(msgs), noun)
	return len(msgs)
}

// FormatHistoryTable writes audit entries in the order given.
func FormatHistoryTable(w io.Writer, entries []audit.Entry, now time.Time) int {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No delivery history recorded")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-12s %-10s %-12s %-4s %-8s %s\n",
		"ID", "RECIPIENT", "OUTCOME", "STRATEGY", "TRY", "AGE", "REASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%-10s %-12s %-10s %-12s %-4d %-8s %s\n",
			formatID(e.MessageID),
			orDash(e.Recipient),
			string(e.Outcome),
			e.Strategy,
			e.Attempts,
			formatAge(e.Timestamp, now),
			formatContent(e.Reason),
		)
	}
	return len(entries)
}

// FormatStats writes aggregate delivery statistics.
func FormatStats(w io.Writer, s audit.Stats) {
	fmt.Fprintf(w, "Total messages:        %d\n", s.Total)
	fmt.Fprintf(w, "Successful deliveries: %d\n", s.Successful)
	fmt.Fprintf(w, "Failed deliveries:     %d\n", s.Failed)
	fmt.Fprintf(w, "Success rate:          %.1f%%\n", s.SuccessRate*100)
}

// FormatJSONL writes one compact JSON object per line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as indented JSON followed by a newline.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatType shortens message types to fit the table column.
func formatType(t message.Type) string {
	switch t {
	case message.TypeAgentToAgent:
		return "peer"
	case message.TypeAgentToCoordinator:
		return "report"
	case message.TypeSystemBroadcast:
		return "broadcast"
	case message.TypeCoordinatorToAgent:
		return "directive"
	case message.TypeHumanToAgent:
		return "human"
	}
	return orDash(string(t))
}

// formatContent shows the first non-blank line, truncated to 40 runes.
func formatContent(s string) string {
	var first string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}
	if r := []rune(first); len(r) > 40 {
		return string(r[:37]) + "..."
	}
	return first
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
