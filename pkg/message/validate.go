package message

import (
	"fmt"
	"strings"
)

// ValidationResult is the outcome of checking a candidate message.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err returns a *ValidationError when the result is invalid, nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

// ValidationError reports a message that is missing required fields or carries
// unknown enum values. Such messages are never queued, delivered or audited.
type ValidationError struct {
	MessageID string
	Errors    []string
}

func (e *ValidationError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("invalid message %s: %s", e.MessageID, strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("invalid message: %s", strings.Join(e.Errors, "; "))
}

// Validate checks a message without modifying it.
// Blank (empty or whitespace-only) content, sender or recipient is rejected.
// Empty enum fields are accepted and defaulted by the builder; unknown values
// are rejected.
func Validate(m *Message) ValidationResult {
	if m == nil {
		return ValidationResult{Errors: []string{"message is nil"}}
	}

	var errs []string

	if strings.TrimSpace(m.Content) == "" {
		errs = append(errs, "content is required")
	}
	if strings.TrimSpace(m.Sender) == "" {
		errs = append(errs, "sender is required")
	}
	if strings.TrimSpace(m.Recipient) == "" {
		errs = append(errs, "recipient is required")
	}

	if m.Type != "" {
		if err := m.Type.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if m.Priority != "" {
		if err := m.Priority.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if m.SenderRole != "" {
		if err := m.SenderRole.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if m.RetryCount < 0 || m.MaxRetries < 0 {
		errs = append(errs, "retry counters must be non-negative")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Validate is a convenience wrapper returning a *ValidationError or nil.
func (m *Message) Validate() error {
	err := Validate(m).Err()
	if ve, ok := err.(*ValidationError); ok && m != nil {
		ve.MessageID = m.ID
	}
	return err
}
