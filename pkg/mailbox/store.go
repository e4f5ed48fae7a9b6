package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/parley/pkg/message"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnknownRecipient means the recipient has no mailbox. It is never retryable.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrStoreUnavailable wraps transient backend failures.
	ErrStoreUnavailable = errors.New("mailbox store unavailable")
)

// Store is the physical transport behind the delivery engine.
//
// Put attempts to place msg in the recipient's mailbox within timeout.
// ok reports success; when ok is false, retryable reports whether another
// attempt may succeed. Implementations treat (recipientID, msg.ID) as an
// idempotency key: storing the same message twice succeeds without
// creating a duplicate.
type Store interface {
	Put(ctx context.Context, recipientID string, msg *message.Message, timeout time.Duration) (ok, retryable bool, err error)
}

// Inbox is implemented by stores that can read back stored messages.
type Inbox interface {
	ListInbox(ctx context.Context, recipientID string, limit int) ([]*message.Message, error)
	GetMessage(ctx context.Context, recipientID, messageID string) (*message.Message, error)
}

// Directory is implemented by stores that keep a recipient registry.
type Directory interface {
	RegisterRecipient(ctx context.Context, name string, role message.Role) error
	Recipients(ctx context.Context) (map[string]message.Role, error)
}

// IsNotFound returns true if the error is a "not found" error from GetMessage
// or NextSubmission.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
