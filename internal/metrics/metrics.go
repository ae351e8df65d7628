// Package metrics exports the gateway's Prometheus metrics, grounded on
// the teacher's prometheus.go: a set of package-level collectors, a config
// struct controlling whether they're served, and a function that registers
// them and launches the scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satgateway/gateway/internal/logging"
)

var log = logging.SubLogger("MTRC")

var (
	// rpcRequestsTotal counts every dispatched RPC call by method and
	// outcome ("ok", "invalid_request", "method_not_found", or the
	// handler's JSON-RPC error code).
	rpcRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satgateway",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total number of dispatched JSON-RPC requests.",
	}, []string{"method", "outcome"})

	// rpcRequestDuration tracks how long each RPC method takes to handle.
	rpcRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "satgateway",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Latency of dispatched JSON-RPC requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// activeFeeds tracks the number of currently open feeds across all
	// connections.
	activeFeeds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "satgateway",
		Subsystem: "feed",
		Name:      "active_count",
		Help:      "Number of currently open event feeds.",
	})

	// invoiceTransitionsTotal counts invoice lifecycle transitions by the
	// status they land on.
	invoiceTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satgateway",
		Subsystem: "invoice",
		Name:      "transitions_total",
		Help:      "Total number of invoice lifecycle transitions, by resulting status.",
	}, []string{"status"})
)

// Config mirrors the teacher's PrometheusConfig: whether metrics are
// exported and where the scrape endpoint listens.
type Config struct {
	Enabled    bool   `long:"enabled" description:"if true prometheus metrics will be exported"`
	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus"`
}

// RecordRPCCall records one dispatched method's outcome and latency.
func RecordRPCCall(method, outcome string, duration time.Duration) {
	rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
	rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetActiveFeeds sets the current open-feed count.
func SetActiveFeeds(n int) {
	activeFeeds.Set(float64(n))
}

// RecordInvoiceTransition records an invoice landing on status.
func RecordInvoiceTransition(status string) {
	invoiceTransitionsTotal.WithLabelValues(status).Inc()
}

// StartExporter registers the collectors and launches the HTTP server
// Prometheus scrapes, if cfg.Enabled. It returns once the server goroutine
// has been launched; closing shutdown closes the scrape server.
func StartExporter(cfg *Config, shutdown <-chan struct{}) error {
	if !cfg.Enabled {
		return nil
	}

	prometheus.MustRegister(rpcRequestsTotal)
	prometheus.MustRegister(rpcRequestDuration)
	prometheus.MustRegister(activeFeeds)
	prometheus.MustRegister(invoiceTransitionsTotal)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Infof("Prometheus metrics http endpoint being served on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("prometheus exporter stopped: %v", err)
		}
	}()

	go func() {
		<-shutdown
		log.Infof("shutting down Prometheus exporter")
		_ = srv.Close()
	}()

	return nil
}
