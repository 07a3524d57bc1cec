package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mgmtagent/internal/domain"
)

type PrometheusMetrics struct {
	registryBinds   *prometheus.CounterVec
	connectorStarts *prometheus.CounterVec
	connectorStops  *prometheus.CounterVec
	startDuration   prometheus.Histogram
	connectorUp     prometheus.Gauge
	authAttempts    *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	watcherJoins    *prometheus.CounterVec
}

// NewRuntimeRegistry returns a registry preloaded with Go runtime and process
// collectors. It is the management data the connector serves.
func NewRuntimeRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		registryBinds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_registry_binds_total",
				Help: "Total number of registry bind attempts",
			},
			[]string{"mode", "status"},
		),
		connectorStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_connector_starts_total",
				Help: "Total number of connector start attempts",
			},
			[]string{"status"},
		),
		connectorStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_connector_stops_total",
				Help: "Total number of connector stops",
			},
			[]string{"status"},
		),
		startDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mgmt_connector_start_duration_seconds",
				Help:    "Duration of connector start in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		connectorUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mgmt_connector_up",
				Help: "Whether the connector is accepting calls",
			},
		),
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_auth_attempts_total",
				Help: "Total number of credential checks by outcome",
			},
			[]string{"outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mgmt_call_duration_seconds",
				Help:    "Duration of remote management calls in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "status"},
		),
		watcherJoins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_watcher_joins_total",
				Help: "Units the shutdown watcher waited on",
			},
			[]string{"unit"},
		),
	}
}

func (p *PrometheusMetrics) ObserveRegistryBind(mode domain.RegistryMode, err error) {
	p.registryBinds.WithLabelValues(string(mode), statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) ObserveConnectorStart(duration time.Duration, err error) {
	p.connectorStarts.WithLabelValues(statusLabel(err)).Inc()
	if err == nil {
		p.startDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusMetrics) ObserveConnectorStop(err error) {
	p.connectorStops.WithLabelValues(statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) SetConnectorUp(up bool) {
	if up {
		p.connectorUp.Set(1)
		return
	}
	p.connectorUp.Set(0)
}

func (p *PrometheusMetrics) ObserveAuthentication(outcome domain.AuthOutcome) {
	p.authAttempts.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusMetrics) ObserveCall(method string, duration time.Duration, err error) {
	p.callDuration.WithLabelValues(method, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveWatcherJoin(unit string) {
	p.watcherJoins.WithLabelValues(unit).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
