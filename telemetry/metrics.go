// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	SessionsFailed  prometheus.Counter
	PollCycles      prometheus.Counter
	PollErrors      prometheus.Counter
	MessagesRelayed prometheus.Counter

	// Gauges
	ActiveSessions prometheus.Gauge

	// Histograms (seconds)
	PollDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_started_total", Help: "Number of chat sessions started"})
		SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_stopped_total", Help: "Number of chat sessions stopped on request"})
		SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_failed_total", Help: "Number of chat sessions terminated by the error threshold"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_cycles_total", Help: "Number of live chat poll cycles"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_errors_total", Help: "Number of failed live chat poll cycles"})
		MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_relayed_total", Help: "Number of chat messages handed to the relay callback"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_sessions_active", Help: "Current number of active chat sessions"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_poll_duration_seconds", Help: "Live chat fetch duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// CountRelayed adds n to the relayed-messages counter if metrics are initialized.
func CountRelayed(n int) {
	if MessagesRelayed != nil && n > 0 {
		MessagesRelayed.Add(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
