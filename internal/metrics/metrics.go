package metrics

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
	// ChecksTotal counts completed price checks by result.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealradar_checks_total",
		Help: "Completed price checks by result (success, failure, degraded).",
	}, []string{"result"})

	// CheckDuration observes end-to-end check latency.
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dealradar_check_duration_seconds",
		Help:    "End-to-end duration of a price check.",
		Buckets: prometheus.DefBuckets,
	})

	// InFlightChecks tracks the number of concurrently running checks.
	InFlightChecks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dealradar_inflight_checks",
		Help: "Price checks currently in flight.",
	})

	// FetchRetriesTotal counts retry attempts against the data source.
	FetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealradar_fetch_retries_total",
		Help: "Retry attempts against the price data source.",
	})

	// AlertsTotal counts emitted alerts by kind.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealradar_alerts_total",
		Help: "Emitted alerts by kind.",
	}, []string{"kind"})

	// DegradedProducts tracks products currently in the degraded state.
	DegradedProducts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dealradar_degraded_products",
		Help: "Products currently degraded after repeated failures.",
	})

	// RetrainsTotal counts completed prediction model retrains.
	RetrainsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealradar_model_retrains_total",
		Help: "Completed prediction model retrains.",
	})
)

// Serve exposes the Prometheus endpoint on its own listener and returns a
// shutdown func.
func Serve(addr string, logger zerolog.Logger) func(context.Context) error {
	log := logger.With().Str("component", "metrics").Logger()

	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped with error")
		}
	}()

	return srv.Shutdown
}
