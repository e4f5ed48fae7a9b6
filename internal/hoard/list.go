package hoard

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/parley/internal/filter"
	"github.com/dyluth/parley/pkg/mailbox"
)

// OutputFormat selects how listings are written.
type OutputFormat string

const (
	// OutputFormatDefault is a human-readable table
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL is one complete JSON object per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat accepts "", "default", "table" and "jsonl".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "", "default", "table":
		return OutputFormatDefault, nil
	case "jsonl":
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("unknown output format: %s (use 'default' or 'jsonl')", s)
}

// ListInbox reads a recipient's inbox newest first, applies criteria and
// writes up to limit results. limit <= 0 lists everything that matches.
func ListInbox(ctx context.Context, inbox mailbox.Inbox, recipient string, criteria *filter.Criteria, limit int, format OutputFormat, w io.Writer) error {
	msgs, err := inbox.ListInbox(ctx, recipient, 0)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	if criteria != nil {
		msgs = criteria.Apply(msgs)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, msgs, recipient, time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, msgs); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
