package agent

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics records the agent's activity. A nil *Metrics records nothing.
type Metrics struct {
	executions     *prom.CounterVec
	rejections     *prom.CounterVec
	actionDuration *prom.HistogramVec
	connected      prom.Gauge
	disconnects    prom.Counter
	storeErrors    prom.Counter
}

// NewMetrics constructs the agent metrics and registers them on reg.
func NewMetrics(reg *prom.Registry) *Metrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	m := &Metrics{
		executions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towerlink",
			Name:      "executions_total",
			Help:      "Action executions by command and outcome",
		}, []string{"command", "outcome"}),
		rejections: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towerlink",
			Name:      "rejections_total",
			Help:      "Requests rejected because the latch was not armed",
		}, []string{"command"}),
		actionDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "towerlink",
			Name:      "action_duration_seconds",
			Help:      "Duration of action runs",
			Buckets:   prom.DefBuckets,
		}, []string{"command"}),
		connected: prom.NewGauge(prom.GaugeOpts{
			Namespace: "towerlink",
			Name:      "store_connected",
			Help:      "1 while the store connection is up",
		}),
		disconnects: prom.NewCounter(prom.CounterOpts{
			Namespace: "towerlink",
			Name:      "store_disconnects_total",
			Help:      "Store connection losses",
		}),
		storeErrors: prom.NewCounter(prom.CounterOpts{
			Namespace: "towerlink",
			Name:      "store_errors_total",
			Help:      "Malformed or unexpected store notifications",
		}),
	}

	reg.MustRegister(m.executions, m.rejections, m.actionDuration, m.connected, m.disconnects, m.storeErrors)
	return m
}

func (m *Metrics) recordExecution(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(command, outcome).Inc()
	m.actionDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) recordRejection(command string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(command).Inc()
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
	m.disconnects.Inc()
}

func (m *Metrics) recordStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
