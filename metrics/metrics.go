// Package metrics exposes the prometheus instrumentation shared by the
// server components and serves the optional metrics listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

var (
	// ActiveSessions tracks authenticated control channels.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "overpass",
		Subsystem: "server",
		Name:      "active_sessions",
		Help:      "Number of live agent sessions",
	})

	// RequestsDispatched counts public HTTP requests forwarded to agents.
	RequestsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "overpass",
		Subsystem: "server",
		Name:      "requests_dispatched_total",
		Help:      "Public HTTP requests forwarded over a control channel",
	})

	// RequestOutcomes counts request completions by outcome.
	RequestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overpass",
		Subsystem: "server",
		Name:      "request_outcomes_total",
		Help:      "Dispatched request completions by outcome",
	}, []string{"outcome"})

	// RelayedBytes counts TCP bytes relayed through tunnels, by direction.
	RelayedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overpass",
		Subsystem: "server",
		Name:      "relayed_bytes_total",
		Help:      "Bytes relayed through TCP tunnels",
	}, []string{"direction"})
)

// Outcome labels for RequestOutcomes.
const (
	OutcomeResponded   = "responded"
	OutcomeTimeout     = "timeout"
	OutcomeSessionLost = "session_lost"
)

func init() {
	prometheus.MustRegister(ActiveSessions, RequestsDispatched, RequestOutcomes, RelayedBytes)
}

// ServeMetrics serves /metrics on l until shutdownC closes.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, log *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      mux,
	}

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(l)
	}()
	log.Info().Msgf("Starting metrics server on %s", l.Addr())

	select {
	case <-shutdownC:
	case err := <-errC:
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(ctx)
	log.Info().Msg("Metrics server stopped")
	return nil
}
