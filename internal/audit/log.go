// Package audit records one entry per terminal delivery outcome and keeps the
// aggregate counters that back delivery statistics.
package audit

import (
	"sync"
	"time"

	"github.com/dyluth/parley/pkg/message"
)

// DefaultCapacity is the number of entries retained when no capacity is configured.
const DefaultCapacity = 10000

// Entry is one audited delivery outcome.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id"`
	Recipient string         `json:"recipient,omitempty"`
	Strategy  string         `json:"strategy"`
	Outcome   message.Status `json:"outcome"`
	Label     string         `json:"label,omitempty"`
	Attempts  int            `json:"attempts"`
	Reason    string         `json:"reason,omitempty"`
}

// Successful reports whether the entry describes a delivered message.
func (e Entry) Successful() bool {
	return e.Outcome == message.StatusDelivered
}

// Stats aggregates recorded outcomes.
type Stats struct {
	Total       int64   `json:"total_messages"`
	Successful  int64   `json:"successful_deliveries"`
	Failed      int64   `json:"failed_deliveries"`
	SuccessRate float64 `json:"success_rate"`
}

// NewStats derives SuccessRate from the counters. An empty log has rate 0.
func NewStats(total, successful, failed int64) Stats {
	s := Stats{Total: total, Successful: successful, Failed: failed}
	if total > 0 {
		s.SuccessRate = float64(successful) / float64(total)
	}
	return s
}

// Sink receives a copy of every recorded entry.
// Sinks are called outside the log's lock and must be safe for concurrent use.
type Sink interface {
	Append(entry Entry) error
}

// Log is a bounded FIFO of entries plus counters.
// History append and counter updates happen under a single mutex so a
// snapshot never observes one without the other.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	head     int // index of the oldest entry once the buffer is full
	capacity int

	total      int64
	successful int64
	failed     int64

	sink   Sink
	onSink func(error)
}

// Option configures a Log.
type Option func(*Log)

// WithSink mirrors every recorded entry into s. Sink errors are passed to
// onError (which may be nil) and never fail Record.
func WithSink(s Sink, onError func(error)) Option {
	return func(l *Log) {
		l.sink = s
		l.onSink = onError
	}
}

// NewLog creates a log retaining at most capacity entries.
// capacity <= 0 selects DefaultCapacity.
func NewLog(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		entries:  make([]Entry, 0, min(capacity, 1024)),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an entry, evicting the oldest when full, and updates the
// counters. A zero Timestamp is replaced with the current time.
func (l *Log) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, entry)
	} else {
		l.entries[l.head] = entry
		l.head = (l.head + 1) % l.capacity
	}
	l.total++
	if entry.Successful() {
		l.successful++
	} else {
		l.failed++
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(entry); err != nil && l.onSink != nil {
			l.onSink(err)
		}
	}
}

// Snapshot returns the current statistics.
func (l *Log) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return NewStats(l.total, l.successful, l.failed)
}

// History returns up to limit entries, most recent first.
// limit <= 0 returns every retained entry.
func (l *Log) History(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Entry, 0, limit)
	// Newest entry sits just before head (wrapping) once the buffer is full,
	// or at the end of the slice before that.
	newest := n - 1
	if n == l.capacity {
		newest = (l.head - 1 + n) % n
	}
	for i := 0; i < limit; i++ {
		out = append(out, l.entries[(newest-i+n)%n])
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
