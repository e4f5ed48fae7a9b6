package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/parley/pkg/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used by AMQPStore.
type Publisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// AMQPStore delivers messages to a RabbitMQ exchange, using the recipient
// as routing key. Each recipient is expected to consume from a queue bound
// with its own name.
//
// Only recipients in the allow-list are accepted. Broker-side deduplication
// relies on MessageId carrying the message ID. Messages are published as
// mandatory; when WatchReturns is fed the channel's returns, a message the
// broker could not route fails with ErrUnknownRecipient.
type AMQPStore struct {
	pub      Publisher
	exchange string

	mu         sync.RWMutex
	recipients map[string]message.Role

	returnsMu sync.Mutex
	waiting   map[string]chan amqp.Return

	closers []func() error
}

// NewAMQPStore wraps an existing publisher (normally an *amqp.Channel in
// confirm mode).
func NewAMQPStore(pub Publisher, exchange string, recipients ...string) *AMQPStore {
	s := &AMQPStore{
		pub:        pub,
		exchange:   exchange,
		recipients: make(map[string]message.Role, len(recipients)),
		waiting:    make(map[string]chan amqp.Return),
	}
	for _, r := range recipients {
		s.recipients[r] = message.RoleAgent
	}
	return s
}

// DialAMQP connects to a broker, declares a durable direct exchange and puts
// the channel into confirm mode.
func DialAMQP(url, exchange string) (*AMQPStore, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	s := NewAMQPStore(ch, exchange)
	s.WatchReturns(ch.NotifyReturn(make(chan amqp.Return, 1)))
	s.closers = []func() error{ch.Close, conn.Close}
	return s, nil
}

// Close releases the channel and connection opened by DialAMQP.
func (s *AMQPStore) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchReturns consumes basic.return frames until returns is closed and
// fails the matching in-flight Put.
func (s *AMQPStore) WatchReturns(returns <-chan amqp.Return) {
	go func() {
		for r := range returns {
			s.returned(r)
		}
	}()
}

func (s *AMQPStore) returned(r amqp.Return) {
	s.returnsMu.Lock()
	w, ok := s.waiting[returnKey(r.RoutingKey, r.MessageId)]
	s.returnsMu.Unlock()
	if !ok {
		log.Printf("[AMQPStore] Return for message %s to %s with no pending publish: %d %s", r.MessageId, r.RoutingKey, r.ReplyCode, r.ReplyText)
		return
	}
	select {
	case w <- r:
	default:
	}
}

func (s *AMQPStore) awaitReturn(recipientID, id string) (<-chan amqp.Return, func()) {
	key := returnKey(recipientID, id)
	w := make(chan amqp.Return, 1)
	s.returnsMu.Lock()
	s.waiting[key] = w
	s.returnsMu.Unlock()
	return w, func() {
		s.returnsMu.Lock()
		if s.waiting[key] == w {
			delete(s.waiting, key)
		}
		s.returnsMu.Unlock()
	}
}

func returnKey(recipientID, id string) string {
	return recipientID + "\x00" + id
}

// RegisterRecipient adds a recipient to the allow-list.
func (s *AMQPStore) RegisterRecipient(_ context.Context, name string, role message.Role) error {
	if name == "" {
		return fmt.Errorf("recipient name cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.recipients[name] = role
	s.mu.Unlock()
	return nil
}

// Recipients returns the allow-list.
func (s *AMQPStore) Recipients(_ context.Context) (map[string]message.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]message.Role, len(s.recipients))
	for k, v := range s.recipients {
		out[k] = v
	}
	return out, nil
}

// Put publishes msg and waits for the broker confirm within timeout.
// Publish errors, nacks and confirm timeouts are retryable. A message the
// broker returns as unroutable is not.
func (s *AMQPStore) Put(ctx context.Context, recipientID string, msg *message.Message, timeout time.Duration) (bool, bool, error) {
	s.mu.RLock()
	_, known := s.recipients[recipientID]
	s.mu.RUnlock()
	if !known {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return false, false, fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(msg.Priority),
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         string(msg.Type),
		AppId:        "parley",
		Headers: amqp.Table{
			"sender":      msg.Sender,
			"sender_role": string(msg.SenderRole),
		},
		Body: body,
	}

	returns, done := s.awaitReturn(recipientID, msg.ID)
	defer done()

	confirm, err := s.pub.PublishWithDeferredConfirmWithContext(ctx, s.exchange, recipientID, true, false, publishing)
	if err != nil {
		return false, true, fmt.Errorf("%w: publish failed: %v", ErrStoreUnavailable, err)
	}
	// Channels not in confirm mode return no confirmation.
	if confirm == nil {
		return true, false, nil
	}

	// The broker sends basic.return before the ack of an unroutable message.
	select {
	case r := <-returns:
		return false, false, unroutable(recipientID, r)
	case <-confirm.Done():
	case <-ctx.Done():
		return false, true, fmt.Errorf("%w: waiting for confirm: %v", ErrStoreUnavailable, ctx.Err())
	}
	select {
	case r := <-returns:
		return false, false, unroutable(recipientID, r)
	default:
	}

	if !confirm.Acked() {
		return false, true, fmt.Errorf("%w: broker nacked message %s", ErrStoreUnavailable, msg.ID)
	}
	return true, false, nil
}

func unroutable(recipientID string, r amqp.Return) error {
	return fmt.Errorf("%w: %s (broker returned %d %s)", ErrUnknownRecipient, recipientID, r.ReplyCode, r.ReplyText)
}

// amqpPriority maps message priority onto the 0-9 AMQP priority range.
func amqpPriority(p message.Priority) uint8 {
	switch p {
	case message.PriorityUrgent:
		return 9
	case message.PriorityHigh:
		return 6
	case message.PriorityLow:
		return 0
	default:
		return 3
	}
}
