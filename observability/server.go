package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Server exposes the latest status snapshot over HTTP on the configured
// observability bind address:
//
//	GET /healthz  — health check results; 503 when any check fails
//	GET /statusz  — the full latest StatusSnapshot as JSON
//	GET /metrics  — Prometheus metrics
type Server struct {
	collector *Collector
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates the status server bound to addr.
func NewServer(addr string, collector *Collector, logger *zap.Logger) *Server {
	s := &Server{collector: collector, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "observability"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("observability_server_started", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability_server_failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.collector.Current()
	if snapshot == nil {
		http.Error(w, `{"status":"unknown","message":"no snapshot collected yet"}`, http.StatusServiceUnavailable)
		return
	}

	status := http.StatusOK
	for _, check := range snapshot.Health {
		if check.Status == HealthFail {
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"checks":    snapshot.Health,
		"timestamp": snapshot.Timestamp,
	})
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.collector.Current()
	if snapshot == nil {
		http.Error(w, `{"message":"no snapshot collected yet"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
