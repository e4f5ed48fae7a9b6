package watch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanStream struct {
	events chan *mailbox.DeliveryEvent
	errs   chan error
}

func (s *chanStream) Events() <-chan *mailbox.DeliveryEvent { return s.events }
func (s *chanStream) Errors() <-chan error                  { return s.errs }

func newStream() *chanStream {
	return &chanStream{events: make(chan *mailbox.DeliveryEvent, 10), errs: make(chan error, 10)}
}

func event(recipient, content string, p message.Priority) *mailbox.DeliveryEvent {
	return &mailbox.DeliveryEvent{
		Recipient: recipient,
		Message:   message.New("lead", recipient, content).Priority(p).Build(),
		StoredAt:  time.Now(),
	}
}

func TestStreamDeliveries(t *testing.T) {
	stream := newStream()
	stream.events <- event("coder", "first", message.PriorityUrgent)
	stream.events <- event("reviewer", "skipped", message.PriorityNormal)
	stream.errs <- errors.New("bad payload")
	stream.events <- event("coder", "second", message.PriorityNormal)
	close(stream.events)

	var buf bytes.Buffer
	require.NoError(t, StreamDeliveries(context.Background(), stream, "coder", OutputFormatDefault, &buf))

	out := buf.String()
	assert.Contains(t, out, "🚨 lead → coder (urgent, agent_to_agent): first")
	assert.Contains(t, out, "second")
	assert.NotContains(t, out, "skipped")
}

func TestStreamDeliveriesJSON(t *testing.T) {
	stream := newStream()
	stream.events <- event("coder", "hello", message.PriorityNormal)
	close(stream.events)

	var buf bytes.Buffer
	require.NoError(t, StreamDeliveries(context.Background(), stream, "", OutputFormatJSON, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var decoded mailbox.DeliveryEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "hello", decoded.Message.Content)
}

func TestStreamDeliveriesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, StreamDeliveries(ctx, newStream(), "", OutputFormatDefault, &bytes.Buffer{}))

	err := StreamDeliveries(context.Background(), newStream(), "", OutputFormat("xml"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFormatEventTruncates(t *testing.T) {
	e := event("coder", strings.Repeat("x", 80), message.PriorityNormal)
	line := FormatEvent(e)
	assert.Contains(t, line, strings.Repeat("x", 57)+"...")

	assert.Contains(t, FormatEvent(&mailbox.DeliveryEvent{Recipient: "coder"}), "delivered to coder")
}

func TestStreamFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := mailbox.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.RegisterRecipient(ctx, "coder", message.RoleAgent))

	sub, err := store.SubscribeDeliveries(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var buf safeBuffer
	done := make(chan error, 1)
	go func() { done <- StreamDeliveries(ctx, sub, "", OutputFormatDefault, &buf) }()

	ok, _, err := store.Put(ctx, "coder", message.New("lead", "coder", "over redis").Build(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "over redis") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPollForMessage(t *testing.T) {
	store := mailbox.NewMemoryStore("coder")
	ctx := context.Background()
	msg := message.New("lead", "coder", "x").Build()

	go func() {
		time.Sleep(300 * time.Millisecond)
		store.Put(ctx, "coder", msg, 0)
	}()

	got, err := PollForMessage(ctx, store, "coder", msg.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, err = PollForMessage(ctx, store, "coder", "missing", 300*time.Millisecond)
	assert.ErrorContains(t, err, "timeout waiting for message")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = PollForMessage(cctx, store, "coder", "missing", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

// safeBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
