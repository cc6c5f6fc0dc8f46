package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// JobTransitionsTotal counts persisted status changes by target status.
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mamlarr_job_transitions_total",
			Help: "Total number of download job status transitions",
		},
		[]string{"status"},
	)

	// QueueDepth is the number of job ids waiting for the queue consumer.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mamlarr_queue_depth",
			Help: "Number of download jobs waiting in the queue",
		},
	)

	// PollDuration tracks how long one poll cycle takes.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mamlarr_poll_duration_seconds",
			Help:    "Duration of torrent client poll cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FinalizationsTotal counts post-processing runs by result.
	FinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mamlarr_finalizations_total",
			Help: "Total number of post-processing runs",
		},
		[]string{"result"},
	)

	// FinalizeDuration tracks post-processing latency.
	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mamlarr_finalize_duration_seconds",
			Help:    "Duration of post-processing runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// SweepsTotal counts background sweep runs by sweep and result.
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mamlarr_sweeps_total",
			Help: "Total number of background sweep runs",
		},
		[]string{"sweep", "result"},
	)

	// SweepLastRun records when each sweep last finished, as a unix timestamp.
	SweepLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mamlarr_sweep_last_run_timestamp_seconds",
			Help: "Unix time a background sweep last finished",
		},
		[]string{"sweep"},
	)

	// RetirementsTotal counts torrents removed from the client after seeding.
	RetirementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mamlarr_retirements_total",
			Help: "Total number of torrents retired from the download client",
		},
		[]string{"reason"},
	)
)

// RecordTransition records a persisted status change.
func RecordTransition(status string) {
	JobTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordFinalization records one post-processing run.
func RecordFinalization(result string, duration time.Duration) {
	FinalizationsTotal.WithLabelValues(result).Inc()
	FinalizeDuration.Observe(duration.Seconds())
}

// RecordSweep records one sweep run.
func RecordSweep(sweep string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SweepsTotal.WithLabelValues(sweep, result).Inc()
}

// ServeMetrics exposes /metrics on listen until ctx is cancelled.
func ServeMetrics(ctx context.Context, listen string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", listen).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
