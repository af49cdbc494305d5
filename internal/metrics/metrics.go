// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poetry"

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrich_requests_total",
		Help:      "Enrichment requests by provider and outcome (ok, repaired, malformed, error).",
	}, []string{"provider", "outcome"})
	Tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrich_tokens_total",
		Help:      "Tokens reported by the provider.",
	}, []string{"provider"})
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completion_attempts_total",
		Help:      "Completion engine attempts by phase (batch, single).",
	}, []string{"phase"})
	RecordsEnriched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_enriched_total",
		Help:      "Records written to output shards.",
	})
	RecordsWaitlisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_waitlisted_total",
		Help:      "Records moved to the waitlist after exhausting retries.",
	})
	Files = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_total",
		Help:      "Source files finished by outcome (completed, paused, error).",
	}, []string{"outcome"})
	FilesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "files_in_flight",
		Help:      "Source files currently being processed.",
	})
)

var registerOnce sync.Once

// Init registers collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Requests, Tokens, Attempts, RecordsEnriched, RecordsWaitlisted, Files, FilesInFlight)
	})
}

// ObserveRequest counts one enrichment request.
func ObserveRequest(provider, outcome string) {
	Requests.WithLabelValues(provider, outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
