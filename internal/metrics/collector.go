// Package metrics exposes prometheus collectors for one benchmark run.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	toolRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmark_tool_runs_total",
			Help: "Measurement tool invocations by outcome",
		},
		[]string{"tool", "status"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diskmark_tool_duration_seconds",
			Help:    "Wall-clock duration of each tool invocation",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"tool"},
	)

	cleanupActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmark_cleanup_actions_total",
			Help: "Cleanup actions executed by outcome",
		},
		[]string{"outcome"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmark_lifecycle_transitions_total",
			Help: "Lifecycle state transitions",
		},
		[]string{"state"},
	)

	samplerGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diskmark_sampler_gaps_total",
			Help: "Resource samples lost to transient read failures",
		},
	)
)

// RecordToolRun counts one tool invocation.
func RecordToolRun(tool, status string, elapsed time.Duration) {
	toolRunsTotal.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordCleanupAction counts one executed cleanup action.
func RecordCleanupAction(outcome string) {
	cleanupActionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts entry into a lifecycle state.
func RecordTransition(state string) {
	lifecycleTransitions.WithLabelValues(state).Inc()
}

// RecordSamplerGap counts one lost resource sample.
func RecordSamplerGap() {
	samplerGapsTotal.Inc()
}

// Serve starts a /metrics listener for fleet runs. The returned function
// shuts it down.
func Serve(addr string, logger *zap.Logger) func(context.Context) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	return srv.Shutdown
}
