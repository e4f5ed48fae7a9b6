package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/internal/queue"
	"github.com/dyluth/parley/internal/routing"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/dyluth/parley/pkg/message"
	"github.com/fortytw2/leaktest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory outbox. Requeue pushes to the head.
type fakeSource struct {
	mu       sync.Mutex
	pending  []*message.Message
	requeued int
	failNext error
}

func (f *fakeSource) push(msgs ...*message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msgs...)
}

func (f *fakeSource) NextSubmission(ctx context.Context, _ time.Duration) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	if len(f.pending) == 0 {
		return nil, redis.Nil
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, nil
}

func (f *fakeSource) Requeue(_ context.Context, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append([]*message.Message{msg}, f.pending...)
	f.requeued++
	return nil
}

func (f *fakeSource) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.pending))
	for i, m := range f.pending {
		ids[i] = m.ID
	}
	return ids
}

type fakeReporter struct{}

func (fakeReporter) GetStats() audit.Stats { return audit.NewStats(4, 3, 1) }

func (fakeReporter) GetHistory(limit int) []audit.Entry {
	entries := []audit.Entry{
		{MessageID: "m-2", Outcome: message.StatusAbandoned, Strategy: "standard", Attempts: 2},
		{MessageID: "m-1", Outcome: message.StatusDelivered, Strategy: "urgent", Attempts: 1},
	}
	if limit > 0 && limit < len(entries) {
		return entries[:limit]
	}
	return entries
}

func (fakeReporter) Rules() routing.Snapshot {
	return routing.Snapshot{Priority: map[string]string{"urgent": "urgent"}}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestEngine(t *testing.T, store mailbox.Store) *delivery.Engine {
	t.Helper()
	policies := routing.NewPolicyTable(map[string]routing.Policy{
		routing.DefaultStrategy: {Timeout: time.Second, MaxRetries: 1},
	}, time.Second)
	engine, err := delivery.NewEngine(store, routing.NewRuleSet(nil, nil, nil), policies, audit.NewLog(100))
	require.NoError(t, err)
	return engine
}

func TestHealthCheckEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantCode   int
		wantStatus string
		wantBack   string
	}{
		{"no backend", nil, http.StatusOK, "healthy", ""},
		{"backend up", fakePinger{}, http.StatusOK, "healthy", "connected"},
		{"backend down", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unhealthy", "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthServer(tt.pinger, fakeReporter{})
			w := httptest.NewRecorder()
			h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantBack, resp.Backend)
		})
	}
}

func TestHealthCheckAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := mailbox.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHealthServer(store, fakeReporter{})

	w := httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	mr.Close()
	w = httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReportingEndpoints(t *testing.T) {
	h := NewHealthServer(nil, fakeReporter{}).Handler()

	t.Run("stats", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total_messages":4`)
		assert.Contains(t, w.Body.String(), `"success_rate":0.75`)
	})

	t.Run("history with limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=1", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp HistoryResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "m-2", resp.Entries[0].MessageID)
	})

	t.Run("history bad limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=-3", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rules", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rules", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"urgent":"urgent"`)
	})

	t.Run("method not allowed", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/stats", "/history", "/rules"} {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		}
	})
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, Config{}, nil)
	assert.Error(t, err)
}

func TestServiceDeliversSubmissions(t *testing.T) {
	defer leaktest.Check(t)()

	store := mailbox.NewMemoryStore("coder", "reviewer")
	engine := newTestEngine(t, store)
	mgr, err := queue.NewManager(engine, 10)
	require.NoError(t, err)

	source := &fakeSource{}
	for i := 0; i < 6; i++ {
		source.push(message.New("lead", "coder", fmt.Sprintf("task %d", i)).Build())
	}
	source.push(&message.Message{ID: "bad", Sender: "lead", Recipient: "coder"})
	source.push(message.New("lead", "ghost", "lost").Build())
	source.failNext = errors.New("connection reset")

	svc, err := NewService(source, mgr, engine, nil, Config{Workers: 2, PollWait: -1}, nil)
	require.NoError(t, err)
	svc.backoff = 10 * time.Millisecond
	svc.idle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return engine.GetStats().Total == 7 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats := engine.GetStats()
	assert.Equal(t, int64(6), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed, "unknown recipient is abandoned")
	assert.Equal(t, 6, store.Count())
	assert.Empty(t, source.ids())
	assert.Equal(t, 0, source.requeued, "invalid submission is dropped, not requeued")
}

// gatedDeliverer blocks every delivery until gate is closed.
type gatedDeliverer struct {
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedDeliverer) Deliver(_ context.Context, msg *message.Message) *delivery.Result {
	g.started <- struct{}{}
	<-g.gate
	return &delivery.Result{MessageID: msg.ID, Recipient: msg.Recipient, Status: message.StatusDelivered, Attempts: 1}
}

func TestServiceReturnsQueuedMessagesOnShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	d := &gatedDeliverer{started: make(chan struct{}, 10), gate: make(chan struct{})}
	mgr, err := queue.NewManager(d, 4)
	require.NoError(t, err)

	source := &fakeSource{}
	var ids []string
	for i := 0; i < 5; i++ {
		msg := message.New("lead", "coder", "x").Build()
		ids = append(ids, msg.ID)
		source.push(msg)
	}

	svc, err := NewService(source, mgr, fakeReporter{}, nil, Config{Workers: 1, PollWait: -1}, nil)
	require.NoError(t, err)
	svc.backoff = 10 * time.Millisecond
	svc.idle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-d.started
	require.Eventually(t, func() bool { return mgr.Len() == 4 && len(source.ids()) == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	probe := message.New("a", "b", "probe").Build()
	require.Eventually(t, func() bool {
		return errors.Is(mgr.Enqueue(probe), queue.ErrQueueClosed)
	}, 5*time.Second, 10*time.Millisecond)
	close(d.gate)

	require.NoError(t, <-done)
	assert.Equal(t, ids[1:], source.ids(), "queued messages go back to the outbox in order")
}

func TestServiceServesHTTP(t *testing.T) {
	store := mailbox.NewMemoryStore("coder")
	engine := newTestEngine(t, store)
	mgr, err := queue.NewManager(engine, 10)
	require.NoError(t, err)

	svc, err := NewService(&fakeSource{}, mgr, engine, nil, Config{PollWait: -1, Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return svc.Health().Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Health().Addr().String() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"total_messages":0`))
}

func TestServiceWithRedisOutbox(t *testing.T) {
	mr := miniredis.RunT(t)
	outbox, err := mailbox.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { outbox.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, outbox.Submit(ctx, message.New("lead", "coder", "x").Build()))
	}

	store := mailbox.NewMemoryStore("coder")
	engine := newTestEngine(t, store)
	mgr, err := queue.NewManager(engine, 10)
	require.NoError(t, err)

	svc, err := NewService(outbox, mgr, engine, outbox, Config{PollWait: -1}, nil)
	require.NoError(t, err)
	svc.idle = 10 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	require.Eventually(t, func() bool { return store.Count() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, err := outbox.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
