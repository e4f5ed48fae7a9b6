package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrAttemptTimeout marks an attempt that exceeded the policy timeout.
	ErrAttemptTimeout = errors.New("delivery attempt timed out")

	// ErrNotStored is used when a store reports failure without an error.
	ErrNotStored = errors.New("mailbox store did not accept the message")

	// ErrCancelled marks a delivery abandoned because its context ended.
	ErrCancelled = errors.New("delivery cancelled")
)

// RetryableDeliveryError reports a transient failure. On an abandoned
// result it means the retry budget ran out.
type RetryableDeliveryError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *RetryableDeliveryError) Error() string {
	return fmt.Sprintf("message %s: delivery failed after %d attempt(s): %v", e.MessageID, e.Attempts, e.Err)
}

func (e *RetryableDeliveryError) Unwrap() error {
	return e.Err
}

// FatalDeliveryError reports a failure that retrying cannot fix, such as an
// unknown recipient.
type FatalDeliveryError struct {
	MessageID string
	Err       error
}

func (e *FatalDeliveryError) Error() string {
	return fmt.Sprintf("message %s: delivery failed permanently: %v", e.MessageID, e.Err)
}

func (e *FatalDeliveryError) Unwrap() error {
	return e.Err
}
