package metrics

import (
	"math/big"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakeledger"

// FeedStats is the part of events.Feed exported as metrics.
type FeedStats interface {
	Subscribers() int
	Published() uint64
	Dropped() uint64
}

// PrometheusCollector wraps the Collector and mirrors its metrics into
// Prometheus format. It implements ledger.Observer, so the ledger can report
// to both views through a single value.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec

	activeStakes   prometheus.Gauge
	custody        prometheus.Gauge
	lockDuration   prometheus.Gauge
	goroutineCount prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Metrics live in a dedicated registry so they do not interfere
// with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	if c == nil {
		c = NewCollector()
	}
	reg := prometheus.NewRegistry()

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Ledger operations by operation and result kind.",
	}, []string{"op", "kind"})

	operationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency, including asset transfers.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"op"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"route", "code"})

	activeStakes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_stakes",
		Help:      "Number of open stake records.",
	})

	custody := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "custody_amount",
		Help:      "Sum of active stake amounts in base units.",
	})

	lockDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lock_duration_seconds",
		Help:      "Lock duration currently in effect.",
	})

	goroutineCnt := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutine_count",
		Help:      "Number of goroutines.",
	})

	uptimeSec := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the daemon started in seconds.",
	})

	reg.MustRegister(operations, operationDuration, httpRequests)
	reg.MustRegister(activeStakes, custody, lockDuration, goroutineCnt, uptimeSec)
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goroutine_panics_total",
		Help:      "Panics recovered in background goroutines.",
	}, func() float64 { return float64(util.RecoveredPanics()) }))

	return &PrometheusCollector{
		collector:         c,
		registry:          reg,
		operations:        operations,
		operationDuration: operationDuration,
		httpRequests:      httpRequests,
		activeStakes:      activeStakes,
		custody:           custody,
		lockDuration:      lockDuration,
		goroutineCount:    goroutineCnt,
		uptimeSeconds:     uptimeSec,
		startTime:         time.Now(),
	}
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveOperation implements ledger.Observer.
func (p *PrometheusCollector) ObserveOperation(op, kind string, d time.Duration) {
	p.collector.ObserveOperation(op, kind, d)
	p.operations.WithLabelValues(op, kind).Inc()
	p.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetActiveStakes implements ledger.Observer.
func (p *PrometheusCollector) SetActiveStakes(n int) {
	p.collector.SetActiveStakes(n)
	p.activeStakes.Set(float64(n))
}

// SetCustody implements ledger.Observer. The gauge is a float64 and loses
// precision above 2^53 base units; the JSON view keeps the exact value.
func (p *PrometheusCollector) SetCustody(amount *big.Int) {
	p.collector.SetCustody(amount)
	f, _ := new(big.Float).SetInt(amount).Float64()
	p.custody.Set(f)
}

// SetLockDuration implements ledger.Observer.
func (p *PrometheusCollector) SetLockDuration(d time.Duration) {
	p.collector.SetLockDuration(d)
	p.lockDuration.Set(d.Seconds())
}

// RecordRequest counts an API request.
func (p *PrometheusCollector) RecordRequest(route string, code int) {
	p.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RegisterFeed exports subscriber and delivery counts of an event feed.
func (p *PrometheusCollector) RegisterFeed(f FeedStats) {
	p.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Live event stream subscribers.",
		}, func() float64 { return float64(f.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Notifications accepted by the event feed.",
		}, func() float64 { return float64(f.Published()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notifications skipped for slow subscribers.",
		}, func() float64 { return float64(f.Dropped()) }),
	)
}

// Sync refreshes process gauges. Call it before serving metrics.
func (p *PrometheusCollector) Sync() {
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())
}

// GetMetrics returns the JSON metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	h := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		h.ServeHTTP(w, r)
	})
}

var _ ledger.Observer = (*PrometheusCollector)(nil)
