package offline0

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	requests  *prometheus.CounterVec
	appended  *prometheus.CounterVec
	replayed  *prometheus.CounterVec
	nsDeleted prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_requests_total",
			Help: "Intercepted requests by strategy and response source",
		}, []string{"strategy", "source"}),
		appended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_outbox_appended_total",
			Help: "Mutations queued to the outbox by tag",
		}, []string{"tag"}),
		replayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_replay_total",
			Help: "Outbox replay attempts by tag and result",
		}, []string{"tag", "result"}),
		nsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "offline0_namespaces_deleted_total",
			Help: "Cache namespaces purged during activation",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveRequest(strategy, source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) ObserveAppend(tag string) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(tag).Inc()
}

func (m *Metrics) ObserveReplay(tag string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.replayed.WithLabelValues(tag, result).Inc()
}

func (m *Metrics) ObserveNamespaceDeleted() {
	if m == nil {
		return
	}
	m.nsDeleted.Inc()
}
