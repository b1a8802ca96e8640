package moltgate

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "moltgate"

type supervisorMetrics struct {
	spawns        prometheus.Counter
	exits         prometheus.Counter
	startFailures *prometheus.CounterVec
	readyDuration prometheus.Histogram
	state         prometheus.Gauge
}

func newSupervisorMetrics(reg prometheus.Registerer) *supervisorMetrics {
	if reg == nil {
		return nil
	}
	return &supervisorMetrics{
		spawns: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "spawns_total",
			Help:      "Number of gateway processes spawned.",
		})),
		exits: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "exits_total",
			Help:      "Number of gateway process exits observed.",
		})),
		startFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "start_failures_total",
			Help:      "Number of failed start attempts by reason.",
		}, []string{"reason"})),
		readyDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the gateway answered its readiness probe.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		})),
		state: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "state",
			Help:      "Current gateway state (0 not started, 1 starting, 2 running, 3 stopping).",
		})),
	}
}

// register adds c to reg, reusing an identical collector left behind by a
// previous provisioning of the module.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *supervisorMetrics) spawned() {
	if m == nil {
		return
	}
	m.spawns.Inc()
}

func (m *supervisorMetrics) exited() {
	if m == nil {
		return
	}
	m.exits.Inc()
}

func (m *supervisorMetrics) startFailed(reason string) {
	if m == nil {
		return
	}
	m.startFailures.WithLabelValues(reason).Inc()
}

func (m *supervisorMetrics) ready(d time.Duration) {
	if m == nil {
		return
	}
	m.readyDuration.Observe(d.Seconds())
}

func (m *supervisorMetrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
