// Package dispatcher runs parley as a long-lived process: it pulls submitted
// messages from the shared outbox, feeds them through the queue manager's
// worker pool and serves health and statistics over HTTP.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/internal/eventlog"
	"github.com/dyluth/parley/internal/queue"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
)

const (
	defaultPollWait = time.Second
	defaultIdle     = 100 * time.Millisecond
	defaultBackoff  = 250 * time.Millisecond
	requeueTimeout  = 5 * time.Second
)

// Source hands out submitted messages. *mailbox.RedisStore implements it.
// NextSubmission returns an error satisfying mailbox.IsNotFound when nothing
// is waiting.
type Source interface {
	NextSubmission(ctx context.Context, wait time.Duration) (*message.Message, error)
	Requeue(ctx context.Context, msg *message.Message) error
}

// Config tunes a Service. Zero values select defaults.
type Config struct {
	Workers  int           // queue workers; 0 = queue.DefaultWorkers
	PollWait time.Duration // blocking wait per outbox poll; < 0 polls without blocking
	Addr     string        // HTTP listen address; empty disables the server
}

// Service moves messages from a Source into a queue.Manager.
type Service struct {
	source   Source
	queue    *queue.Manager
	health   *HealthServer
	events   *eventlog.Logger
	addr     string
	workers  int
	pollWait time.Duration
	idle     time.Duration
	backoff  time.Duration
}

// NewService wires a dispatcher. pinger may be nil; events may be nil.
func NewService(source Source, mgr *queue.Manager, reporter Reporter, pinger Pinger, cfg Config, events *eventlog.Logger) (*Service, error) {
	if source == nil || mgr == nil || reporter == nil {
		return nil, fmt.Errorf("source, queue manager and reporter are required")
	}

	pollWait := cfg.PollWait
	if pollWait == 0 {
		pollWait = defaultPollWait
	}

	return &Service{
		source:   source,
		queue:    mgr,
		health:   NewHealthServer(pinger, reporter),
		events:   events,
		addr:     cfg.Addr,
		workers:  cfg.Workers,
		pollWait: pollWait,
		idle:     defaultIdle,
		backoff:  defaultBackoff,
	}, nil
}

// Health returns the HTTP server, started by Run when an address is set.
func (s *Service) Health() *HealthServer {
	return s.health
}

// Run blocks until ctx is cancelled. On the way out it stops pulling from
// the source, lets in-flight deliveries finish and returns every message
// still queued to the source.
func (s *Service) Run(ctx context.Context) error {
	if s.addr != "" {
		if err := s.health.Start(s.addr); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer s.health.Shutdown(context.Background())
		log.Printf("[Dispatcher] Serving health on %s", s.health.Addr())
	}

	log.Printf("[Dispatcher] Starting with %d worker(s)", s.workerCount())
	s.events.Event("dispatcher_started", map[string]interface{}{"workers": s.workerCount()})

	served := make(chan *queue.DrainReport, 1)
	go func() {
		served <- s.queue.Serve(context.WithoutCancel(ctx), s.workers, s.onResult)
	}()

	s.fetchLoop(ctx)

	log.Printf("[Dispatcher] Shutting down...")
	s.queue.Shutdown()
	report := <-served

	returned := s.returnRemaining(ctx)

	log.Printf("[Dispatcher] Stopped: %d delivered, %d abandoned, %d returned to outbox",
		report.Delivered, report.Abandoned, returned)
	s.events.Event("dispatcher_stopped", map[string]interface{}{
		"delivered": report.Delivered,
		"abandoned": report.Abandoned,
		"returned":  returned,
	})
	return nil
}

func (s *Service) workerCount() int {
	if s.workers <= 0 {
		return queue.DefaultWorkers
	}
	return s.workers
}

func (s *Service) fetchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		msg, err := s.source.NextSubmission(ctx, s.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if mailbox.IsNotFound(err) {
				if s.pollWait < 0 {
					sleepCtx(ctx, s.idle)
				}
				continue
			}
			log.Printf("[Dispatcher] Outbox poll failed: %v", err)
			sleepCtx(ctx, s.backoff)
			continue
		}
		s.accept(ctx, msg)
	}
}

// accept enqueues msg, waiting while the queue is full. Invalid submissions
// are dropped; anything that cannot be queued goes back to the source.
func (s *Service) accept(ctx context.Context, msg *message.Message) {
	for {
		err := s.queue.Enqueue(msg)
		if err == nil {
			return
		}

		var verr *message.ValidationError
		switch {
		case errors.As(err, &verr):
			log.Printf("[Dispatcher] Rejected submission %s: %v", msg.ID, err)
			s.events.Warn("submission_rejected", map[string]interface{}{
				"message_id": msg.ID,
				"errors":     verr.Errors,
			})
			return
		case errors.Is(err, queue.ErrQueueFull):
			if sleepCtx(ctx, s.backoff) == nil {
				continue
			}
		}

		s.requeue(ctx, msg)
		return
	}
}

func (s *Service) returnRemaining(ctx context.Context) int {
	left := s.queue.Remaining()
	// LPUSH in reverse so the oldest ends up at the head again.
	for i := len(left) - 1; i >= 0; i-- {
		s.requeue(ctx, left[i])
	}
	return len(left)
}

func (s *Service) requeue(ctx context.Context, msg *message.Message) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := s.source.Requeue(rctx, msg); err != nil {
		log.Printf("[Dispatcher] Failed to return message %s to outbox: %v", msg.ID, err)
		s.events.Warn("requeue_failed", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) onResult(res *delivery.Result) {
	log.Printf("[Dispatcher] %s -> %s: %s (%s, %d attempt(s))",
		res.MessageID, res.Recipient, res.Status, res.Strategy, res.Attempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
