package hoard

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/google/uuid"
)

// GetMessage writes one stored message as indented JSON.
// messageID must be a full UUID; short prefixes are resolved by the caller.
func GetMessage(ctx context.Context, inbox mailbox.Inbox, recipient, messageID string, w io.Writer) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return fmt.Errorf("invalid message ID format: must be a valid UUID")
	}

	msg, err := inbox.GetMessage(ctx, recipient, messageID)
	if err != nil {
		if mailbox.IsNotFound(err) {
			return &MessageNotFoundError{Recipient: recipient, MessageID: messageID}
		}
		return fmt.Errorf("failed to fetch message: %w", err)
	}

	if err := FormatSingleJSON(w, msg); err != nil {
		return fmt.Errorf("failed to format message: %w", err)
	}
	return nil
}

// MessageNotFoundError is returned when the inbox has no such message.
type MessageNotFoundError struct {
	Recipient string
	MessageID string
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message '%s' not found in inbox of '%s'", e.MessageID, e.Recipient)
}

// IsNotFound returns true if err is a MessageNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*MessageNotFoundError)
	return ok
}
