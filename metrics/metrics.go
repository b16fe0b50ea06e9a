package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workfloworchestrator/orchestrator-core-sub000/events"
)

const namespace = "orchestrator"

// Collector turns engine notifications into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	Transitions  *prometheus.CounterVec
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// NewCollector returns a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_transitions_total",
			Help:      "Process status transitions by workflow and new status",
		}, []string{"workflow", "status"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by workflow and outcome",
		}, []string{"workflow", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
	c.registry.MustRegister(c.Transitions, c.Steps, c.StepDuration)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes c to every engine event on bus. The returned function
// detaches it.
func (c *Collector) Attach(bus *events.EventBus) (detach func()) {
	unsubs := []func(){
		bus.Subscribe(events.StatusChanged, c),
		bus.Subscribe(events.StepCompleted, c),
		bus.Subscribe(events.StepFailed, c),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle implements events.EventHandler.
func (c *Collector) Handle(_ context.Context, event events.Event) error {
	wf, _ := event.Data[events.DataWorkflow].(string)
	status, _ := event.Data[events.DataStatus].(string)

	switch event.Type {
	case events.StatusChanged:
		c.Transitions.WithLabelValues(wf, status).Inc()
	case events.StepCompleted, events.StepFailed:
		c.Steps.WithLabelValues(wf, status).Inc()
		if d, ok := event.Data[events.DataDuration].(time.Duration); ok {
			c.StepDuration.WithLabelValues(wf).Observe(d.Seconds())
		}
	}
	return nil
}

var _ events.EventHandler = (*Collector)(nil)
