package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
)

type metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostagent",
			Name:      "commands_total",
			Help:      "Commands executed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hostagent",
			Name:      "command_duration_seconds",
			Help:      "Command execution time, by kind.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.duration)
	}
	return m
}

func outcome(a *command.Answer) string {
	switch {
	case !a.Result:
		return "failure:" + string(a.Fault)
	case len(a.Warnings) > 0:
		return "warning"
	}
	return "success"
}

func (m *metrics) observe(kind command.Kind, a *command.Answer, took time.Duration) {
	m.commands.WithLabelValues(string(kind), outcome(a)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(took.Seconds())
}
