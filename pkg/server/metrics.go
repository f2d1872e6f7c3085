package server

import (
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type runMetrics struct {
	active   prometheus.Gauge
	finished *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func newRunMetrics(reg prometheus.Registerer) *runMetrics {
	f := promauto.With(reg)
	return &runMetrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_runs_active",
			Help: "Runs currently streaming",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_runs_finished_total",
			Help: "Finished runs by outcome",
		}, []string{"outcome"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_events_streamed_total",
			Help: "Events written to clients by type",
		}, []string{"type"}),
	}
}

// track counts h as active until it finishes.
func (m *runMetrics) track(h *session.Handle) {
	m.active.Inc()
	go func() {
		res, _ := h.Wait()
		m.active.Dec()
		m.finished.WithLabelValues(string(res.Outcome)).Inc()
	}()
}

func (m *runMetrics) observe(e events.Event) {
	m.events.WithLabelValues(string(e.Type())).Inc()
}
