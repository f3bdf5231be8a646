// Package telemetry records HTTP and filter session metrics and serves them
// in the Prometheus exposition format. Metric names follow the
// OpenTelemetry HTTP semantic conventions.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	MetricsEnabled *bool // nil = enabled
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// defaultDurationBuckets are in seconds, per the OTel HTTP conventions.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider owns a private registry holding every metric of one server. It
// implements the obstree service's Recorder.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requests       *prometheus.HistogramVec
	activeRequests prometheus.Gauge
	fetch          prometheus.Histogram
	fetchErrors    prometheus.Counter
	operations     *prometheus.CounterVec
	openSessions   prometheus.Gauge
}

func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "obstree-server"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "target_info",
		Help:        "Target metadata.",
		ConstLabels: prometheus.Labels{"service_name": cfg.ServiceName},
	}).Set(1)

	return &Provider{
		cfg:      cfg,
		registry: reg,
		requests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
		fetch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "obstree_fetch_duration_seconds",
			Help:    "Duration of obstree fetch rounds in seconds.",
			Buckets: defaultDurationBuckets,
		}),
		fetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "obstree_fetch_errors_total",
			Help: "Failed obstree fetch rounds.",
		}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "obstree_operation_count",
			Help: "Filter session operations by kind.",
		}, []string{"operation"}),
		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obstree_open_sessions",
			Help: "Number of open filter sessions.",
		}),
	}
}

// CountOperation counts one filter session operation (open, toggle, ...).
func (p *Provider) CountOperation(op string) {
	if p.cfg.metricsOn() {
		p.operations.WithLabelValues(op).Inc()
	}
}

// ObserveFetch records the latency of one tree fetch round.
func (p *Provider) ObserveFetch(d time.Duration, err error) {
	if !p.cfg.metricsOn() {
		return
	}
	p.fetch.Observe(d.Seconds())
	if err != nil {
		p.fetchErrors.Inc()
	}
}

func (p *Provider) SetOpenSessions(n int) {
	if p.cfg.metricsOn() {
		p.openSessions.Set(float64(n))
	}
}

// MetricsMiddleware records request duration by method, route and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Observe(duration)
			return err
		}
	}
}

// PrometheusHandler serves the provider's registry.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
