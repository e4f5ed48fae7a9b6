// Package watch follows delivery activity as it happens.
package watch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OutputFormat selects how streamed events are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is one JSON object per line
	OutputFormatJSON OutputFormat = "json"
)

// EventStream is the read side of a delivery subscription.
// *mailbox.Subscription implements it.
type EventStream interface {
	Events() <-chan *mailbox.DeliveryEvent
	Errors() <-chan error
}

// StreamDeliveries writes each delivery event until ctx is cancelled or the
// stream closes. A non-empty recipient limits output to that inbox.
func StreamDeliveries(ctx context.Context, stream EventStream, recipient string, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSON {
		return fmt.Errorf("unknown output format: %s", format)
	}

	errs := stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-stream.Events():
			if !ok {
				return nil
			}
			if recipient != "" && event.Recipient != recipient {
				continue
			}
			if err := writeEvent(w, event, format); err != nil {
				return err
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)
		}
	}
}

func writeEvent(w io.Writer, event *mailbox.DeliveryEvent, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintln(w, FormatEvent(event))
	return err
}

// FormatEvent renders one event as a single line.
func FormatEvent(event *mailbox.DeliveryEvent) string {
	ts := event.StoredAt.Local().Format("15:04:05")
	m := event.Message
	if m == nil {
		return fmt.Sprintf("[%s] 📬 delivered to %s", ts, event.Recipient)
	}

	icon := "📬"
	switch m.Priority {
	case message.PriorityUrgent:
		icon = "🚨"
	case message.PriorityHigh:
		icon = "❗"
	}
	if m.Type == message.TypeSystemBroadcast {
		icon = "📣"
	}

	content := m.Content
	if r := []rune(content); len(r) > 60 {
		content = string(r[:57]) + "..."
	}
	return fmt.Sprintf("[%s] %s %s → %s (%s, %s): %s", ts, icon, m.Sender, event.Recipient, m.Priority, m.Type, content)
}

// PollForMessage polls a recipient's inbox until messageID is readable or
// timeout elapses. Polls every 200ms.
func PollForMessage(ctx context.Context, inbox mailbox.Inbox, recipient, messageID string, timeout time.Duration) (*message.Message, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for message %s after %v", messageID, timeout)

		case <-ticker.C:
			msg, err := inbox.GetMessage(ctx, recipient, messageID)
			if err != nil {
				if mailbox.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to query inbox: %w", err)
			}
			return msg, nil
		}
	}
}
