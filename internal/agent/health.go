package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/pkg/keystore"
	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateSource supplies the agent view served on /state.
type StateSource interface {
	State() State
}

// HealthServer serves /healthz, /state and /metrics for the agent.
// The server runs in a background goroutine and can be gracefully shut down.
type HealthServer struct {
	server *http.Server
	store  keystore.Store
	agent  StateSource
	log    logging.Logger
}

// HealthResponse represents the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// NewHealthServer creates the HTTP server. reg may be nil, in which case
// /metrics is not registered.
func NewHealthServer(store keystore.Store, agent StateSource, reg *prom.Registry, port int, log logging.Logger) *HealthServer {
	if log == nil {
		log = logging.New("health")
	}

	hs := &HealthServer{
		store: store,
		agent: agent,
		log:   log,
	}
	hs.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hs.Router(reg),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return hs
}

// Router returns the handler tree.
func (hs *HealthServer) Router(reg *prom.Registry) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", hs.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/state", hs.handleState).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})).Methods(http.MethodGet)
	}
	return r
}

// Start listens and serves in the background.
// Returns an error if the port cannot be bound.
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.server.Addr, err)
	}

	go func() {
		hs.log.WithField("addr", hs.server.Addr).Debug("Health server starting")
		if err := hs.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			hs.log.WithError(err).Error("Health server error")
		}
		hs.log.Debug("Health server stopped")
	}()

	return nil
}

// Shutdown waits for in-flight requests, bounded by ctx.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// handleHealthz returns 200 when the store answers a ping and the agent's
// watch is connected, 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	connected := hs.agent.State().Connected
	err := hs.store.Ping(ctx)
	if err == nil && !connected {
		err = fmt.Errorf("store watch not connected")
	}

	response := HealthResponse{Status: "healthy", Connected: connected}
	statusCode := http.StatusOK
	if err != nil {
		response.Status = "unhealthy"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}

	hs.writeJSON(w, statusCode, response)
}

func (hs *HealthServer) handleState(w http.ResponseWriter, r *http.Request) {
	hs.writeJSON(w, http.StatusOK, hs.agent.State())
}

func (hs *HealthServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hs.log.WithError(err).Error("Failed to encode response")
	}
}
