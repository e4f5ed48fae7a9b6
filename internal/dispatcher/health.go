package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/internal/routing"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultHistoryLimit is used by /history when no limit is given.
const DefaultHistoryLimit = 50

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter exposes delivery statistics. *delivery.Engine implements it.
type Reporter interface {
	GetStats() audit.Stats
	GetHistory(limit int) []audit.Entry
	Rules() routing.Snapshot
}

// HealthServer serves health and reporting endpoints:
//
//	GET /healthz  backend connectivity
//	GET /stats    delivery counters
//	GET /history  recent audit entries (?limit=N)
//	GET /rules    current routing rule tables
type HealthServer struct {
	pinger   Pinger // nil when the backend has nothing to ping
	reporter Reporter
	server   *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewHealthServer creates a server. pinger may be nil.
func NewHealthServer(pinger Pinger, reporter Reporter) *HealthServer {
	return &HealthServer{pinger: pinger, reporter: reporter}
}

// Handler returns the endpoint mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/stats", h.statsHandler)
	mux.HandleFunc("/history", h.historyHandler)
	mux.HandleFunc("/rules", h.rulesHandler)
	return mux
}

// Start listens on addr and serves in the background. The listen error, if
// any, is returned directly.
func (h *HealthServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	h.addr = ln.Addr()
	h.mu.Unlock()

	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Dispatcher] Health server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HistoryResponse wraps /history results.
type HistoryResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// healthCheckHandler returns 200 when the backend answers a ping within two
// seconds, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	response := HealthResponse{Status: "healthy"}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Backend = "disconnected"
			response.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		response.Backend = "connected"
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HealthServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.reporter.GetStats())
}

func (h *HealthServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := h.reporter.GetHistory(limit)
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries, Count: len(entries)})
}

func (h *HealthServer) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.reporter.Rules())
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Dispatcher] Failed to write response: %v", err)
	}
}
