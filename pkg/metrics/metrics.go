// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curious-containers/agency/pkg/log"
)

var (
	BatchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agency_batches_total",
			Help: "Number of batches by state",
		},
		[]string{"state"},
	)

	NodesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_nodes_online",
			Help: "Number of nodes currently online",
		},
	)

	SchedulingPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_scheduling_passes_total",
			Help: "Total number of scheduling passes",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agency_scheduling_latency_seconds",
			Help:    "Duration of one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_batches_scheduled_total",
			Help: "Total number of batch placements",
		},
	)

	BatchesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_batches_failed_total",
			Help: "Total number of recorded batch failures",
		},
	)

	NotificationsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_notifications_sent_total",
			Help: "Total number of batches whose terminal notification was sent",
		},
	)
)

func init() {
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(NodesOnline)
	prometheus.MustRegister(SchedulingPasses)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BatchesScheduled)
	prometheus.MustRegister(BatchesFailed)
	prometheus.MustRegister(NotificationsSent)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until the context is cancelled. An empty
// addr disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger := log.WithComponent("metrics")
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
