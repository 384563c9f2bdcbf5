package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/efergy-bridge/logger"
)

// Status is a snapshot of the bridge reported by /health.
type Status struct {
	State           string
	UpstreamPID     int
	DownstreamPID   int
	BrokerConnected bool
	Scripted        bool
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status          string `json:"status"`
	State           string `json:"state"`
	UpstreamPID     int    `json:"upstream_pid,omitempty"`
	DownstreamPID   int    `json:"downstream_pid,omitempty"`
	BrokerConnected bool   `json:"broker_connected"`
	PayloadScript   bool   `json:"payload_script"`
	Timestamp       string `json:"timestamp"`
}

// StatusFunc reports the current bridge status.
type StatusFunc func() Status

// Server serves /metrics and /health.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server. healthy decides whether /health
// answers 200 or 503 for a given state.
func NewServer(listen string, gatherer prometheus.Gatherer, status StatusFunc, healthy func(string) bool) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           NewRouter(gatherer, status, healthy),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewRouter returns the handler tree used by Server.
func NewRouter(gatherer prometheus.Gatherer, status StatusFunc, healthy func(string) bool) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler(status, healthy)).Methods(http.MethodGet)
	return r
}

func healthHandler(status StatusFunc, healthy func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		current := status()
		resp := HealthResponse{
			Status:          "healthy",
			State:           current.State,
			UpstreamPID:     current.UpstreamPID,
			DownstreamPID:   current.DownstreamPID,
			BrokerConnected: current.BrokerConnected,
			PayloadScript:   current.Scripted,
			Timestamp:       time.Now().Format(time.RFC3339),
		}
		code := http.StatusOK
		if healthy != nil && !healthy(current.State) {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Debug("writing health response: %v", err)
		}
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	logger.Info("metrics server listening on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
