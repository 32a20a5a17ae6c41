// Package metrics exposes Prometheus metrics and the health endpoint for
// the signal bot.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the signal bot.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	EvaluationsTotal *prometheus.CounterVec // labels: mode=dual|single|replay
	SignalsEmitted   *prometheus.CounterVec // labels: scenario
	DedupSuppressed  prometheus.Counter
	InsufficientData prometheus.Counter
	FetchErrors      *prometheus.CounterVec // labels: timeframe
	DeliveryFailures prometheus.Counter
	StreamReconnects prometheus.Counter

	EvaluationDur prometheus.Histogram
	FetchDur      prometheus.Histogram
	DeliveryDur   prometheus.Histogram

	FailedQueueSize prometheus.Gauge
	SessionActive   prometheus.Gauge // 0=outside trading window, 1=inside
}

// New registers and returns all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_cycles_total",
			Help: "Total evaluation cycles started",
		}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbot_evaluations_total",
			Help: "Total strategy evaluations (by mode)",
		}, []string{"mode"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbot_signals_emitted_total",
			Help: "Signals that passed dedup and were handed to delivery (by scenario)",
		}, []string{"scenario"}),
		DedupSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_dedup_suppressed_total",
			Help: "Signals suppressed by the idempotency or cooldown check",
		}),
		InsufficientData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_insufficient_data_total",
			Help: "Evaluations skipped for lack of usable bars",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbot_fetch_errors_total",
			Help: "Bar fetch failures (by timeframe)",
		}, []string{"timeframe"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_delivery_failures_total",
			Help: "Signal deliveries that failed after retries",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_stream_reconnects_total",
			Help: "Quote stream reconnection attempts",
		}),

		EvaluationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_evaluation_duration_seconds",
			Help:    "Strategy evaluation latency per symbol",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_fetch_duration_seconds",
			Help:    "Bar fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		DeliveryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_delivery_duration_seconds",
			Help:    "Signal delivery latency",
			Buckets: prometheus.DefBuckets,
		}),

		FailedQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_failed_queue_size",
			Help: "Signals waiting in the failed-delivery queue",
		}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_session_active",
			Help: "Whether the current time is inside a trading window (0/1)",
		}),
	}

	prometheus.MustRegister(
		m.CyclesTotal,
		m.EvaluationsTotal,
		m.SignalsEmitted,
		m.DedupSuppressed,
		m.InsufficientData,
		m.FetchErrors,
		m.DeliveryFailures,
		m.StreamReconnects,
		m.EvaluationDur,
		m.FetchDur,
		m.DeliveryDur,
		m.FailedQueueSize,
		m.SessionActive,
	)

	return m
}

// HealthStatus represents the bot's health, served at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerSessionOK bool      `json:"broker_session_ok"`
	StreamConnected bool      `json:"stream_connected"`
	RedisConnected  bool      `json:"redis_connected"`
	JournalOK       bool      `json:"journal_ok"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
	LastSignalAt    time.Time `json:"last_signal_at"`

	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBrokerSessionOK(v bool) {
	h.mu.Lock()
	h.BrokerSessionOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetJournalOK(v bool) {
	h.mu.Lock()
	h.JournalOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCycleAt(t time.Time) {
	h.mu.Lock()
	h.LastCycleAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSignalAt(t time.Time) {
	h.mu.Lock()
	h.LastSignalAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the journal database and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, journalDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if journalDB != nil {
					h.CheckJournal(probeCtx, journalDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.BrokerSessionOK || !h.JournalOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	cycleAge := ""
	if !h.LastCycleAt.IsZero() {
		cycleAge = time.Since(h.LastCycleAt).Round(time.Second).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		BrokerSessionOK  bool    `json:"broker_session_ok"`
		StreamConnected  bool    `json:"stream_connected"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		JournalOK        bool    `json:"journal_ok"`
		JournalLatencyMs float64 `json:"journal_latency_ms"`
		LastCycleAt      string  `json:"last_cycle_at"`
		CycleAge         string  `json:"cycle_age"`
		LastSignalAt     string  `json:"last_signal_at"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerSessionOK:  h.BrokerSessionOK,
		StreamConnected:  h.StreamConnected,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
		LastCycleAt:      h.LastCycleAt.Format(time.RFC3339),
		CycleAge:         cycleAge,
		LastSignalAt:     h.LastSignalAt.Format(time.RFC3339),
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
