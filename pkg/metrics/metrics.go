package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theproductiveprogrammer/pm2/internal/version"
)

var (
	// BuildInfo exposes version, build date, and git commit.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information including version, build date, and git commit",
		},
		[]string{"version", "build_date", "git_commit"},
	)

	// ProcessUptimeSeconds tracks the uptime of the process in seconds.
	ProcessUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	// ListenerUp is 1 while the listener holds its socket.
	ListenerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listener_up",
			Help: "Whether the listener is bound and accepting connections",
		},
	)

	// ConnectionsAcceptedTotal counts accepted connections.
	ConnectionsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connections_accepted_total",
			Help: "Total number of accepted connections",
		},
	)

	// AcceptErrorsTotal counts failed Accept calls.
	AcceptErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accept_errors_total",
			Help: "Total number of failed accept calls",
		},
	)

	// ConnectionErrorsTotal counts connections that ended in an error, by reason.
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_errors_total",
			Help: "Total number of connections that ended in an error",
		},
		[]string{"reason"},
	)

	// ResponsesTotal counts responses written, by method and status code.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_responses_total",
			Help: "Total number of HTTP responses written",
		},
		[]string{"method", "status_code"},
	)

	// ConnectionDuration measures how long a connection was held, from accept to close.
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_duration_seconds",
			Help:    "Time from accept to close of a connection in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// ResponseSizeBytes measures response size in bytes.
	ResponseSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 250, 500, 1000, 2500, 10000},
		},
	)

	startTime time.Time
	initOnce  sync.Once
)

// Init sets the build info and starts the uptime tracker. Calls after the first are no-ops.
func Init() {
	initOnce.Do(func() {
		startTime = time.Now()

		BuildInfo.WithLabelValues(
			version.Version,
			version.BuildDate,
			version.GitCommit,
		).Set(1)

		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				ProcessUptimeSeconds.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// Handler returns the /metrics mux.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes the metrics on addr until ctx is cancelled. It runs next to
// the listener and never shares its socket.
func Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Close() //nolint:errcheck
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
