package message

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a message.
// Messages move forward only: pending → routed → {delivered | failed → … → abandoned}.
type Status string

const (
	// StatusPending is the initial state of an accepted or submitted message
	StatusPending Status = "pending"

	// StatusRouted indicates a strategy has been resolved and delivery is underway
	StatusRouted Status = "routed"

	// StatusDelivered is terminal: the mailbox store accepted the message
	StatusDelivered Status = "delivered"

	// StatusFailed indicates the last attempt failed and a retry is still possible
	StatusFailed Status = "failed"

	// StatusAbandoned is terminal: retry budget exhausted or non-retryable failure
	StatusAbandoned Status = "abandoned"
)

// transitions lists the permitted next states for each state.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRouted},
	StatusRouted:    {StatusDelivered, StatusFailed, StatusAbandoned},
	StatusFailed:    {StatusFailed, StatusDelivered, StatusAbandoned},
	StatusDelivered: nil,
	StatusAbandoned: nil,
}

// IsTerminal returns true for delivered and abandoned.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusAbandoned
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change would move a message backwards
// or out of a terminal state.
type TransitionError struct {
	MessageID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %s: illegal status transition %s -> %s", e.MessageID, e.From, e.To)
}

// Advance moves the message to the next status. Reaching a terminal status
// stamps ProcessedAt.
func (m *Message) Advance(next Status, now time.Time) error {
	from := m.Status
	if from == "" {
		from = StatusPending
	}
	if !CanTransition(from, next) {
		return &TransitionError{MessageID: m.ID, From: from, To: next}
	}

	m.Status = next
	if next.IsTerminal() {
		m.ProcessedAt = &now
	}
	return nil
}

// RecordRetry consumes one unit of the retry budget.
// Returns false, leaving the count unchanged, when the budget is exhausted.
func (m *Message) RecordRetry() bool {
	if m.RetryCount >= m.MaxRetries {
		return false
	}
	m.RetryCount++
	return true
}
