// Package metrics exposes the Prometheus metrics shared across the MME's
// subsystems plus the HTTP server that serves them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics common to every task in the process.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_http_requests_total",
			Help: "Total number of requests served by the admin HTTP surface",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mme_http_request_duration_seconds",
			Help:    "Admin HTTP surface request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ServiceUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mme_service_up",
			Help: "Whether the MME process is up (1 = up, 0 = down)",
		},
	)
)

// Server is a Prometheus metrics HTTP server, one per process.
type Server struct {
	port   int
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a new metrics server.
func NewServer(port int, logger *zap.Logger) *Server {
	return &Server{
		port:   port,
		logger: logger,
	}
}

// Start starts the metrics HTTP server. Blocks until Stop is called.
func (m *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", m.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	m.logger.Info("starting metrics server", zap.Int("port", m.port))
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the metrics server.
func (m *Server) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// RecordHTTPRequest records one admin HTTP surface request.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// SetServiceUp sets the process health gauge.
func SetServiceUp(up bool) {
	if up {
		ServiceUp.Set(1)
	} else {
		ServiceUp.Set(0)
	}
}
