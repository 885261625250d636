package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health tracks liveness of the node's consumer loops.
type Health struct {
	mu        sync.RWMutex
	node      string
	started   time.Time
	consumers map[string]bool
}

func NewHealth(node string) *Health {
	return &Health{node: node, started: time.Now(), consumers: make(map[string]bool)}
}

// SetConsumer records whether the named consumer loop is running.
func (h *Health) SetConsumer(name string, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers[name] = running
}

// Ready reports whether every registered consumer is running.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.consumers) == 0 {
		return false
	}
	for _, ok := range h.consumers {
		if !ok {
			return false
		}
	}
	return true
}

type healthResponse struct {
	Status    string          `json:"status"`
	Node      string          `json:"node"`
	Uptime    string          `json:"uptime"`
	Consumers map[string]bool `json:"consumers"`
	Timestamp string          `json:"timestamp"`
}

// Handler serves /health, /health/live, /health/ready and /metrics.
func Handler(health *Health, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		resp := healthResponse{
			Status:    "healthy",
			Node:      health.node,
			Uptime:    time.Since(health.started).Round(time.Second).String(),
			Consumers: make(map[string]bool, len(health.consumers)),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		for k, v := range health.consumers {
			resp.Consumers[k] = v
		}
		health.mu.RUnlock()

		code := http.StatusOK
		if !health.Ready() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Debug("Failed to write health response", zap.Error(err))
		}
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if health.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("READY"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// StartServer serves Handler on addr in the background.
func StartServer(addr string, health *Health, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(health, gatherer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
