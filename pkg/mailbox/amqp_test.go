package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dyluth/parley/pkg/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	err       error
	exchange  string
	key       string
	mandatory bool
	published []amqp.Publishing

	// unroutable publishes are returned on returns and never confirmed.
	returns chan amqp.Return
}

func (f *fakePublisher) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.exchange = exchange
	f.key = key
	f.mandatory = mandatory
	f.published = append(f.published, msg)
	if f.returns != nil && mandatory {
		f.returns <- amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
		}
		return &amqp.DeferredConfirmation{}, nil
	}
	return nil, nil
}

func TestAMQPStorePut(t *testing.T) {
	pub := &fakePublisher{}
	store := NewAMQPStore(pub, "parley", "coder")
	ctx := context.Background()

	msg := message.New("lead", "coder", "build it").
		Priority(message.PriorityUrgent).
		Role(message.RoleCoordinator).
		Build()

	ok, retryable, err := store.Put(ctx, "coder", msg, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, retryable)

	require.Len(t, pub.published, 1)
	p := pub.published[0]
	assert.Equal(t, "parley", pub.exchange)
	assert.Equal(t, "coder", pub.key)
	assert.True(t, pub.mandatory)
	assert.Equal(t, msg.ID, p.MessageId)
	assert.Equal(t, uint8(9), p.Priority)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "coordinator", p.Headers["sender_role"])

	var decoded message.Message
	require.NoError(t, json.Unmarshal(p.Body, &decoded))
	assert.Equal(t, msg.Content, decoded.Content)
}

func TestAMQPStorePutFailures(t *testing.T) {
	ctx := context.Background()
	msg := message.New("lead", "coder", "x").Build()

	t.Run("recipient outside allow-list", func(t *testing.T) {
		store := NewAMQPStore(&fakePublisher{}, "parley")
		ok, retryable, err := store.Put(ctx, "coder", msg, time.Second)
		assert.False(t, ok)
		assert.False(t, retryable)
		assert.ErrorIs(t, err, ErrUnknownRecipient)
	})

	t.Run("unroutable message is not retryable", func(t *testing.T) {
		pub := &fakePublisher{returns: make(chan amqp.Return, 1)}
		store := NewAMQPStore(pub, "parley", "coder")
		store.WatchReturns(pub.returns)
		defer close(pub.returns)

		ok, retryable, err := store.Put(ctx, "coder", msg, 2*time.Second)
		assert.False(t, ok)
		assert.False(t, retryable)
		assert.ErrorIs(t, err, ErrUnknownRecipient)
		assert.Contains(t, err.Error(), "NO_ROUTE")
	})

	t.Run("publish error is retryable", func(t *testing.T) {
		store := NewAMQPStore(&fakePublisher{err: errors.New("channel closed")}, "parley", "coder")
		ok, retryable, err := store.Put(ctx, "coder", msg, time.Second)
		assert.False(t, ok)
		assert.True(t, retryable)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestAMQPStoreRegisterRecipient(t *testing.T) {
	store := NewAMQPStore(&fakePublisher{}, "parley")
	ctx := context.Background()

	require.NoError(t, store.RegisterRecipient(ctx, "reviewer", message.RoleHuman))
	recipients, err := store.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]message.Role{"reviewer": message.RoleHuman}, recipients)

	assert.NoError(t, store.Close(), "no dialled resources to release")
}
