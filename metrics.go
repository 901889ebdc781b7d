package microhttpd

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// daemonMetrics are the optional prometheus metrics of a daemon. A nil
// *daemonMetrics records nothing.
type daemonMetrics struct {
	accepted   prometheus.Counter
	refused    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	active     prometheus.Gauge
	upgrades   prometheus.Counter
	responses  *prometheus.CounterVec
}

func newDaemonMetrics(reg prometheus.Registerer, namespace string) *daemonMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &daemonMetrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total number of client connections accepted",
		}),
		refused: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "refused_total",
			Help:      "Total number of client connections refused",
		}, []string{"reason"}),
		terminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "terminated_total",
			Help:      "Total number of requests terminated, by termination code",
		}, []string{"code"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Current number of client connections",
		}),
		upgrades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "upgraded_total",
			Help:      "Total number of connections handed to an upgrade handler",
		}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "responses_total",
			Help:      "Total number of queued responses, by status class",
		}, []string{"class"}),
	}
}

func (m *daemonMetrics) accept() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *daemonMetrics) release() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *daemonMetrics) refuse(reason string) {
	if m == nil {
		return
	}
	m.refused.WithLabelValues(reason).Inc()
}

func (m *daemonMetrics) closed(code TerminationCode) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(code.String()).Inc()
}

func (m *daemonMetrics) upgraded() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
}

func (m *daemonMetrics) response(status int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}
