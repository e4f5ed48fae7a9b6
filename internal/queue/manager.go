// Package queue buffers validated messages and drains them through a
// bounded pool of delivery workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/pkg/message"
)

const (
	// DefaultCapacity bounds the queue when no capacity is configured.
	DefaultCapacity = 1000

	// DefaultWorkers is the drain pool size when none is configured.
	DefaultWorkers = 4

	defaultPollInterval = 50 * time.Millisecond
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("queue is shut down")
)

// Deliverer delivers one message. *delivery.Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *message.Message) *delivery.Result
}

// Manager is a bounded FIFO of messages plus the workers that drain it.
type Manager struct {
	items     *queue.Queue
	capacity  int
	deliverer Deliverer

	mu     sync.Mutex
	size   int
	closed bool

	shutdown     chan struct{}
	shutdownOnce sync.Once
	pollInterval time.Duration
}

// NewManager creates a queue holding at most capacity messages.
// capacity <= 0 selects DefaultCapacity.
func NewManager(deliverer Deliverer, capacity int) (*Manager, error) {
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		items:        queue.New(int64(capacity)),
		capacity:     capacity,
		deliverer:    deliverer,
		shutdown:     make(chan struct{}),
		pollInterval: defaultPollInterval,
	}, nil
}

// Enqueue validates msg and appends it. Invalid messages are rejected with a
// *message.ValidationError and never queued.
func (m *Manager) Enqueue(msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrQueueClosed
	}
	if m.size >= m.capacity {
		return ErrQueueFull
	}
	if err := m.items.Put(msg); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	m.size++
	return nil
}

// Len returns the number of queued messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Capacity returns the configured bound.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Shutdown stops workers from pulling new messages and rejects further
// Enqueue calls. Deliveries already in progress finish. Safe to call more
// than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.shutdown)
	})
}

// Close shuts the manager down and releases the buffer. Messages still
// queued are dropped.
func (m *Manager) Close() {
	m.Shutdown()
	m.items.Dispose()
}

// Remaining removes and returns every message still queued, oldest first.
// Call after Shutdown once Drain or Serve has returned, so a caller can hand
// undelivered messages back to their source.
func (m *Manager) Remaining() []*message.Message {
	items, err := m.items.TakeUntil(func(interface{}) bool { return true })
	if err != nil {
		return nil
	}

	m.mu.Lock()
	m.size -= len(items)
	m.mu.Unlock()

	out := make([]*message.Message, 0, len(items))
	for _, item := range items {
		out = append(out, item.(*message.Message))
	}
	return out
}

// DrainReport summarizes one Drain or Serve call.
type DrainReport struct {
	mu        sync.Mutex
	Delivered int
	Abandoned int
	Results   []*delivery.Result
}

func (r *DrainReport) add(res *delivery.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	switch res.Status {
	case message.StatusDelivered:
		r.Delivered++
	case message.StatusAbandoned:
		r.Abandoned++
	}
}

// Total returns the number of messages processed.
func (r *DrainReport) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Results)
}

// Drain runs workers concurrent workers until the queue is empty, Shutdown
// is called or ctx is cancelled. A delivery that has started always runs to
// completion; cancellation only stops workers from pulling more messages.
// workers <= 0 selects DefaultWorkers.
func (m *Manager) Drain(ctx context.Context, workers int) *DrainReport {
	return m.run(ctx, workers, true, nil)
}

// Serve is Drain for a long-running process: workers keep polling an empty
// queue until Shutdown or ctx cancellation. onResult, if non-nil, is called
// from the worker goroutine after each delivery.
func (m *Manager) Serve(ctx context.Context, workers int, onResult func(*delivery.Result)) *DrainReport {
	return m.run(ctx, workers, false, onResult)
}

func (m *Manager) run(ctx context.Context, workers int, stopWhenEmpty bool, onResult func(*delivery.Result)) *DrainReport {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	report := &DrainReport{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.worker(ctx, id, stopWhenEmpty, report, onResult)
		}(i)
	}
	wg.Wait()
	return report
}

func (m *Manager) worker(ctx context.Context, id int, stopWhenEmpty bool, report *DrainReport, onResult func(*delivery.Result)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		default:
		}

		items, err := m.items.Poll(1, m.pollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				if stopWhenEmpty && m.Len() == 0 {
					return
				}
				continue
			}
			if !errors.Is(err, queue.ErrDisposed) {
				log.Printf("[Queue] Worker %d: poll failed: %v", id, err)
			}
			return
		}
		if len(items) == 0 {
			continue
		}

		m.mu.Lock()
		m.size--
		m.mu.Unlock()

		msg := items[0].(*message.Message)
		res := m.deliverer.Deliver(context.WithoutCancel(ctx), msg)
		report.add(res)
		if onResult != nil {
			onResult(res)
		}
	}
}
