package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type metrics struct {
	saves   *prometheus.CounterVec
	flushed *prometheus.CounterVec
}

// registerCounterVec registers c, returning the already registered collector
// when another context registered the same counter first
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}

	log.Warn().Err(err).Msg("Failed to register context metrics")
	return c
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		saves: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recstore",
			Subsystem: "context",
			Name:      "saves_total",
			Help:      "Number of context saves which reached the store, by result.",
		}, []string{"result"})),
		flushed: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recstore",
			Subsystem: "context",
			Name:      "flushed_records_total",
			Help:      "Number of records written by successful saves, by operation.",
		}, []string{"op"})),
	}
}

func (m *metrics) recordSave(err error, changes Changes) {
	if err != nil {
		m.saves.WithLabelValues("error").Inc()
		return
	}

	m.saves.WithLabelValues("ok").Inc()
	m.flushed.WithLabelValues("insert").Add(float64(changes.Inserted))
	m.flushed.WithLabelValues("update").Add(float64(changes.Updated))
	m.flushed.WithLabelValues("delete").Add(float64(changes.Deleted))
}
