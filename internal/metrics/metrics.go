// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wabridge/server/internal/session"
)

const namespace = "wabridge"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	observers      prometheus.Gauge
	eventsTotal    *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	sendsTotal     *prometheus.CounterVec
	status         *prometheus.GaugeVec
	initsTotal     *prometheus.CounterVec
	browserRSSByte prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Number of connected push channel observers",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events relayed to observers by type",
		}, []string{"type"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Per-observer deliveries dropped by reason",
		}, []string{"reason"}),
		sendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send-message commands by result",
		}, []string{"result"}),
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status, 0 otherwise",
		}, []string{"status"}),
		initsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initializations_total",
			Help:      "Initialize commands by outcome",
		}, []string{"outcome"}),
		browserRSSByte: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_rss_bytes",
			Help:      "Resident memory of the headless browser process",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

func (m *Metrics) Event(msgType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Initialize(outcome string) {
	if m == nil {
		return
	}
	m.initsTotal.WithLabelValues(outcome).Inc()
}

// SetStatus marks s as the current status.
func (m *Metrics) SetStatus(s session.Status) {
	if m == nil {
		return
	}
	for _, st := range session.Statuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.status.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) SetBrowserRSS(bytes uint64) {
	if m == nil {
		return
	}
	m.browserRSSByte.Set(float64(bytes))
}
