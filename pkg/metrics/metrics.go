// Package metrics holds the host's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector below.
var Registry = prometheus.NewRegistry()

var (
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethwitness",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "JSON-RPC requests by method and outcome.",
	}, []string{"method", "outcome"})

	RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ethwitness",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC request latency by method.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"method"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethwitness",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Provider cache lookups by result.",
	}, []string{"result"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ethwitness",
		Name:      "stage_duration_seconds",
		Help:      "Duration of host and pipeline stages.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	PreflightRounds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ethwitness",
		Name:      "preflight_rounds",
		Help:      "Discovery rounds needed to assemble an input.",
		Buckets:   prometheus.LinearBuckets(1, 1, 8),
	})
)

func init() {
	Registry.MustRegister(RPCRequests, RPCDuration, CacheLookups, StageDuration, PreflightRounds)
}

// ObserveStage starts a timer for a named stage; call the result when done.
func ObserveStage(stage string) func() {
	timer := prometheus.NewTimer(StageDuration.WithLabelValues(stage))
	return func() { timer.ObserveDuration() }
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Default().With("component", "metrics").Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
