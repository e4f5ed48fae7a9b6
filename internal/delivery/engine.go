// Package delivery drives messages through routing, mailbox attempts with
// retries, and auditing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/internal/eventlog"
	"github.com/dyluth/parley/internal/routing"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
)

// DefaultBulkWorkers bounds concurrent deliveries in DeliverBulk.
const DefaultBulkWorkers = 4

// Result describes the outcome of one Deliver call.
type Result struct {
	MessageID string          `json:"message_id"`
	Recipient string          `json:"recipient"`
	Status    message.Status  `json:"status"`
	Strategy  string          `json:"strategy,omitempty"`
	Outcome   routing.Outcome `json:"outcome,omitempty"` // set only when delivered
	Attempts  int             `json:"attempts"`
	Reason    string          `json:"reason,omitempty"`

	// Message is the engine's final copy, carrying status and retry counters.
	Message *message.Message `json:"-"`
	Err     error            `json:"-"`
}

// Delivered reports whether the message reached the recipient's mailbox.
func (r *Result) Delivered() bool {
	return r.Status == message.StatusDelivered
}

// Engine routes and delivers messages. It holds no global state; construct
// one per process and share it.
type Engine struct {
	store    mailbox.Store
	rules    *routing.RuleSet
	policies *routing.PolicyTable
	audit    *audit.Log
	events   *eventlog.Logger

	bulkWorkers int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBulkWorkers sets the DeliverBulk concurrency bound.
func WithBulkWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bulkWorkers = n
		}
	}
}

// WithEventLogger enables structured delivery events.
func WithEventLogger(l *eventlog.Logger) Option {
	return func(e *Engine) { e.events = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine. All four collaborators are required.
func NewEngine(store mailbox.Store, rules *routing.RuleSet, policies *routing.PolicyTable, auditLog *audit.Log, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("mailbox store is required")
	}
	if rules == nil || policies == nil {
		return nil, fmt.Errorf("routing rules and policies are required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit log is required")
	}

	e := &Engine{
		store:       store,
		rules:       rules,
		policies:    policies,
		audit:       auditLog,
		bulkWorkers: DefaultBulkWorkers,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate checks a message without delivering it.
func (e *Engine) Validate(msg *message.Message) message.ValidationResult {
	return message.Validate(msg)
}

// Deliver validates, routes and delivers one message, retrying per the
// routing policy. It works on a copy; the caller's message is not modified.
//
// Invalid messages yield a pending result carrying a *message.ValidationError
// and are not audited. Every other call ends in a terminal status
// (delivered or abandoned) and produces exactly one audit entry.
//
// A message that is already delivered or abandoned is resubmitted: the copy
// starts a new lifecycle from pending with fresh retry counters, while the
// caller's message keeps its terminal status.
func (e *Engine) Deliver(ctx context.Context, msg *message.Message) *Result {
	if err := msg.Validate(); err != nil {
		id := ""
		recipient := ""
		if msg != nil {
			id, recipient = msg.ID, msg.Recipient
		}
		return &Result{
			MessageID: id,
			Recipient: recipient,
			Status:    message.StatusPending,
			Reason:    err.Error(),
			Err:       err,
		}
	}

	m := msg.Clone()
	message.ApplyDefaults(m)
	// Each delivery starts its own lifecycle from pending, terminal input included.
	m.Status = message.StatusPending
	m.RetryCount = 0
	m.ProcessedAt = nil

	strategy := e.rules.Resolve(m)
	policy, err := e.policies.Lookup(strategy)
	if err != nil {
		var use *routing.UnknownStrategyError
		if errors.As(err, &use) {
			log.Printf("[Delivery] WARN: %v, using fallback policy (timeout=%s, max_retries=%d)", err, policy.Timeout, policy.MaxRetries)
			e.events.Warn("unknown_strategy", map[string]interface{}{
				"message_id": m.ID,
				"strategy":   strategy,
			})
		}
	}

	m.MaxRetries = policy.MaxRetries
	e.advance(m, message.StatusRouted)
	label := routing.Refine(m)

	result := &Result{
		MessageID: m.ID,
		Recipient: m.Recipient,
		Strategy:  strategy,
		Message:   m,
	}

	for {
		result.Attempts++
		ok, retryable, putErr := e.attempt(ctx, m, policy.Timeout)

		if ok {
			e.advance(m, message.StatusDelivered)
			result.Status = message.StatusDelivered
			result.Outcome = label
			e.finish(result)
			return result
		}

		if !retryable || errors.Is(putErr, mailbox.ErrUnknownRecipient) {
			result.Err = &FatalDeliveryError{MessageID: m.ID, Err: putErr}
			e.abandon(m, result)
			return result
		}

		e.advance(m, message.StatusFailed)
		e.events.Event("delivery_attempt_failed", map[string]interface{}{
			"message_id":  m.ID,
			"recipient":   m.Recipient,
			"strategy":    strategy,
			"attempt":     result.Attempts,
			"retry_count": m.RetryCount,
			"max_retries": m.MaxRetries,
			"error":       putErr.Error(),
		})

		if ctx.Err() != nil {
			result.Err = &RetryableDeliveryError{MessageID: m.ID, Attempts: result.Attempts, Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())}
			e.abandon(m, result)
			return result
		}

		if !m.RecordRetry() {
			result.Err = &RetryableDeliveryError{MessageID: m.ID, Attempts: result.Attempts, Err: putErr}
			e.abandon(m, result)
			return result
		}

		if err := sleepCtx(ctx, policy.RetryDelay); err != nil {
			result.Err = &RetryableDeliveryError{MessageID: m.ID, Attempts: result.Attempts, Err: fmt.Errorf("%w: %v", ErrCancelled, err)}
			e.abandon(m, result)
			return result
		}
	}
}

type putResult struct {
	ok        bool
	retryable bool
	err       error
}

// attempt runs one Store.Put bounded by timeout. The call runs in its own
// goroutine so a store that ignores its context cannot hold the worker past
// the timeout; a late result is discarded. Store panics become retryable
// failures.
func (e *Engine) attempt(ctx context.Context, m *message.Message, timeout time.Duration) (bool, bool, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	snapshot := m.Clone()
	done := make(chan putResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- putResult{retryable: true, err: fmt.Errorf("mailbox store panicked: %v", r)}
			}
		}()
		ok, retryable, err := e.store.Put(actx, snapshot.Recipient, snapshot, timeout)
		done <- putResult{ok: ok, retryable: retryable, err: err}
	}()

	var r putResult
	select {
	case r = <-done:
	case <-actx.Done():
		select {
		case r = <-done:
		default:
			return false, true, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
	}

	if r.ok {
		return true, false, nil
	}
	if r.err == nil {
		return false, true, ErrNotStored
	}
	return false, r.retryable, r.err
}

func (e *Engine) advance(m *message.Message, next message.Status) {
	if err := m.Advance(next, e.now()); err != nil {
		// Only reachable through a bug in the delivery loop.
		panic(err)
	}
}

func (e *Engine) abandon(m *message.Message, result *Result) {
	e.advance(m, message.StatusAbandoned)
	result.Status = message.StatusAbandoned
	result.Reason = result.Err.Error()
	log.Printf("[Delivery] Abandoned message %s to %s after %d attempt(s): %v", m.ID, m.Recipient, result.Attempts, result.Err)
	e.finish(result)
}

// finish writes the single audit entry for a terminal result.
func (e *Engine) finish(result *Result) {
	entry := audit.Entry{
		Timestamp: e.now(),
		MessageID: result.MessageID,
		Recipient: result.Recipient,
		Strategy:  result.Strategy,
		Outcome:   result.Status,
		Label:     string(result.Outcome),
		Attempts:  result.Attempts,
		Reason:    result.Reason,
	}
	e.audit.Record(entry)

	eventType := "message_delivered"
	if result.Status != message.StatusDelivered {
		eventType = "message_abandoned"
	}
	e.events.Event(eventType, map[string]interface{}{
		"message_id": result.MessageID,
		"recipient":  result.Recipient,
		"strategy":   result.Strategy,
		"outcome":    string(result.Outcome),
		"attempts":   result.Attempts,
		"reason":     result.Reason,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetStats returns aggregate delivery statistics.
func (e *Engine) GetStats() audit.Stats {
	return e.audit.Snapshot()
}

// GetHistory returns up to limit audit entries, most recent first.
// limit <= 0 returns all retained entries.
func (e *Engine) GetHistory(limit int) []audit.Entry {
	return e.audit.History(limit)
}

// UpdateRule changes one routing rule. Deliveries that already resolved
// their strategy are unaffected.
func (e *Engine) UpdateRule(table routing.Table, key, strategy string) error {
	if err := e.rules.UpdateRule(table, key, strategy); err != nil {
		return fmt.Errorf("failed to update %s rule: %w", table, err)
	}
	log.Printf("[Delivery] Routing rule updated: %s[%s] = %s", table, key, strategy)
	e.events.Event("routing_rule_updated", map[string]interface{}{
		"table":    string(table),
		"key":      key,
		"strategy": strategy,
	})
	return nil
}

// Rules returns a copy of the current routing tables.
func (e *Engine) Rules() routing.Snapshot {
	return e.rules.Snapshot()
}
