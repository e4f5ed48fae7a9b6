// Package resolver expands short message ID prefixes typed at the CLI into
// full message IDs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
)

// MinShortIDLength is the shortest prefix accepted.
const MinShortIDLength = 6

// InboxScanner is the part of a mailbox store the resolver needs.
type InboxScanner interface {
	ScanMessageIDs(ctx context.Context, recipientID string) ([]string, error)
	GetMessage(ctx context.Context, recipientID, messageID string) (*message.Message, error)
}

// ResolveMessageID resolves shortID against a recipient's inbox.
// A full UUID is checked for existence and returned unchanged.
func ResolveMessageID(ctx context.Context, inbox InboxScanner, recipient, shortID string) (string, error) {
	if isFullUUID(shortID) {
		if _, err := inbox.GetMessage(ctx, recipient, shortID); err != nil {
			if mailbox.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID, Recipient: recipient}
			}
			return "", fmt.Errorf("failed to verify message existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	ids, err := inbox.ScanMessageIDs(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("failed to search inbox: %w", err)
	}

	prefix := strings.ToLower(shortID)
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(strings.ToLower(id), prefix) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID, Recipient: recipient}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

func isFullUUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

// NotFoundError indicates no message in the inbox matched.
type NotFoundError struct {
	ShortID   string
	Recipient string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no messages for '%s' found matching '%s'", e.Recipient, e.ShortID)
}

// AmbiguousError indicates the prefix matched more than one message.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d messages", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 of the matching IDs.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d messages:\n", err.ShortID, len(err.Matches))

	shown := err.Matches
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the message.")
	return b.String()
}

// IsNotFoundError checks if err is or wraps a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if err is or wraps an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
