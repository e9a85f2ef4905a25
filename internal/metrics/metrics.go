// Package metrics exposes the domain-stack prometheus counters described
// in SPEC_FULL.md §3/§4.10: connection/request/cache counters on a side
// HTTP listener separate from the Gemini listeners, grounded on
// chronos-tachyon-roxy's promhttp.HandlerFor wiring in main.go and its
// PromLoggerBridge in lib/mainutil/logging.go.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/cache"
)

// Collector implements cache.Metrics and also tracks connection/request
// counts, all as prometheus instruments registered against a private
// registry (never the global DefaultRegisterer, so tests can construct
// more than one Collector without a "duplicate metrics collector
// registration" panic).
type Collector struct {
	registry *prometheus.Registry

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheCoalesce prometheus.Counter
	cacheEvicts   prometheus.Counter

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	requestsByStatus  *prometheus.CounterVec
}

// New constructs a Collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gemcaps_cache_hits_total",
		Help: "Cache lookups served from a Ready entry.",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gemcaps_cache_misses_total",
		Help: "Cache lookups for an Absent key.",
	})
	c.cacheCoalesce = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gemcaps_cache_coalesced_total",
		Help: "Cache lookups that subscribed to an in-flight Loading entry.",
	})
	c.cacheEvicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gemcaps_cache_evictions_total",
		Help: "Cache entries evicted to make room for a new admission.",
	})
	c.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gemcaps_connections_total",
		Help: "TLS connections accepted.",
	})
	c.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gemcaps_connections_active",
		Help: "TLS connections currently open.",
	})
	c.requestsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gemcaps_requests_total",
		Help: "Requests dispatched, by response status class.",
	}, []string{"class"})

	c.registry.MustRegister(
		c.cacheHits, c.cacheMisses, c.cacheCoalesce, c.cacheEvicts,
		c.connectionsTotal, c.connectionsActive, c.requestsByStatus,
	)
	return c
}

// Hit, Miss, Coalesce, and Evict implement cache.Metrics.
func (c *Collector) Hit()      { c.cacheHits.Inc() }
func (c *Collector) Miss()     { c.cacheMisses.Inc() }
func (c *Collector) Coalesce() { c.cacheCoalesce.Inc() }
func (c *Collector) Evict()    { c.cacheEvicts.Inc() }

// ConnectionOpened and ConnectionClosed track the active-connection gauge.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// RequestDispatched records a response by its two-digit status code's
// leading digit, e.g. "2x", "4x", "5x".
func (c *Collector) RequestDispatched(statusCode int) {
	class := "xx"
	if statusCode >= 10 && statusCode <= 69 {
		class = string(rune('0'+statusCode/10)) + "x"
	}
	c.requestsByStatus.WithLabelValues(class).Inc()
}

var _ cache.Metrics = (*Collector)(nil)

// Serve starts a side HTTP listener exposing /metrics, per SPEC_FULL.md
// §4.10; the binary only starts it when --metrics-listen is set. It blocks until
// ctx is cancelled or the listener fails; the caller runs it in its own
// goroutine.
func Serve(ctx context.Context, addr string, c *Collector, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: promLoggerBridge{log},
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// promLoggerBridge forwards promhttp's internal logging to zerolog, the
// same role chronos-tachyon-roxy's PromLoggerBridge plays.
type promLoggerBridge struct{ log zerolog.Logger }

func (b promLoggerBridge) Println(v ...interface{}) {
	b.log.Error().Msg(fmt.Sprint(v...))
}
