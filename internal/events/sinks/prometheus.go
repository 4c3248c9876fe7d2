package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rankhub/internal/events"
)

// PrometheusSink derives fleet counters from the event stream.
type PrometheusSink struct {
	eventsTotal     *prometheus.CounterVec
	agentsConnected prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	failuresByKind  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankhub_events_total",
			Help: "Lifecycle events partitioned by type.",
		}, []string{"type"}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rankhub_agents_connected",
			Help: "Agents currently registered on the control channel.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rankhub_task_duration_seconds",
			Help:    "Assignment-to-report latency partitioned by outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
		}, []string{"outcome"}),
		failuresByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankhub_task_failures_total",
			Help: "Failed tasks partitioned by reported failure kind.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{s.eventsTotal, s.agentsConnected, s.taskDuration, s.failuresByKind} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
		switch evt.Type {
		case events.AgentRegistered:
			s.agentsConnected.Inc()
		case events.AgentDisconnected:
			s.agentsConnected.Dec()
		case events.TaskCompleted:
			s.observe(evt, "completed")
		case events.TaskFailed:
			s.observe(evt, "failed")
			kind := evt.Note
			if kind == "" {
				kind = "UNKNOWN"
			}
			s.failuresByKind.WithLabelValues(kind).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) observe(evt events.Event, outcome string) {
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
