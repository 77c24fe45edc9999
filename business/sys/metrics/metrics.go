// Package metrics constructs the metrics the application will track.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// This holds the single instance of the metrics value needed for
// collecting metrics. The prometheus default registry is already based
// on a singleton for the different metrics that are registered with the
// package so there isn't much choice here.
var m *metrics

// =============================================================================

// metrics represents the set of metrics we gather. All fields are safe
// for concurrent use thanks to the prometheus collectors.
type metrics struct {
	goroutines prometheus.Gauge
	requests   prometheus.Counter
	errors     prometheus.Counter
	panics     prometheus.Counter

	rejectedConns  *prometheus.CounterVec
	rejectedSubs   *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	blocksIndexed  prometheus.Counter
	notifications  prometheus.Counter

	requestCount uint64
}

// init constructs the metrics value that will be used to capture metrics.
// The metrics value is stored in a package level variable since everything
// inside of the prometheus default registry is registered as a singleton.
func init() {
	m = &metrics{
		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrum",
			Name:      "goroutines",
			Help:      "Number of goroutines running.",
		}),
		requests: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "requests_total",
			Help:      "Requests handled by the web surfaces.",
		}),
		errors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "errors_total",
			Help:      "Errors flowing through web request handling.",
		}),
		panics: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "panics_total",
			Help:      "Panics recovered during request handling.",
		}),
		rejectedConns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "rejected_connections_total",
			Help:      "Connections refused by the admission controller.",
		}, []string{"reason"}),
		rejectedSubs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "rejected_subscriptions_total",
			Help:      "Subscriptions refused by the registry ceilings.",
		}, []string{"scope"}),
		upstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "upstream_errors_total",
			Help:      "Failed node RPC calls by error kind.",
		}, []string{"kind"}),
		blocksIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "blocks_indexed_total",
			Help:      "Blocks committed to the index.",
		}),
		notifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Name:      "notifications_total",
			Help:      "Status notifications pushed to subscribers.",
		}),
	}
}

// =============================================================================
// Capacity and indexing metrics. These record expected operational
// conditions, not errors, so they are counted here and never logged.

// RejectedConnection counts a connection refused for the specified reason.
func RejectedConnection(reason string) {
	m.rejectedConns.WithLabelValues(reason).Inc()
}

// RejectedSubscription counts a subscription refused at the given scope.
func RejectedSubscription(scope string) {
	m.rejectedSubs.WithLabelValues(scope).Inc()
}

// UpstreamError counts a failed node RPC call by error kind.
func UpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// BlockIndexed counts a block committed to the index.
func BlockIndexed() {
	m.blocksIndexed.Inc()
}

// Notifications counts status notifications pushed to subscribers.
func Notifications(n int) {
	m.notifications.Add(float64(n))
}

// RegisterGauge binds a callback as a gauge with the default registry.
// The callback is invoked on every scrape.
func RegisterGauge(name string, help string, fn func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ferrum",
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler returns the endpoint for the prometheus scraper.
func Handler() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// Metrics used by the web framework middleware. The values are carried
// through the request context.

// ctxKey represents the type of value for the context key.
type ctxKey int

// key is how metric values are stored/retrieved.
const key ctxKey = 1

// Set sets the metrics data into the context.
func Set(ctx context.Context) context.Context {
	return context.WithValue(ctx, key, m)
}

// AddGoroutines refreshes the goroutine gauge.
func AddGoroutines(ctx context.Context) int {
	if v, ok := ctx.Value(key).(*metrics); ok {
		g := runtime.NumGoroutine()
		v.goroutines.Set(float64(g))
		return g
	}
	return 0
}

// AddRequests increments the request counter and reports the running total.
func AddRequests(ctx context.Context) uint64 {
	if v, ok := ctx.Value(key).(*metrics); ok {
		v.requests.Inc()
		return atomic.AddUint64(&v.requestCount, 1)
	}
	return 0
}

// AddErrors increments the errors counter.
func AddErrors(ctx context.Context) {
	if v, ok := ctx.Value(key).(*metrics); ok {
		v.errors.Inc()
	}
}

// AddPanics increments the panics counter.
func AddPanics(ctx context.Context) {
	if v, ok := ctx.Value(key).(*metrics); ok {
		v.panics.Inc()
	}
}
