package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trickstertwo/xmod"
)

// Observer exports xmod lifecycle events as Prometheus metrics.
//
//	obs := prometheus.NewObserver(registry, "app")
//	app, _ := xmod.NewAppBuilder().WithObserver(obs).Build()
type Observer struct {
	events   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ xmod.Observer = (*Observer)(nil)

// NewObserver registers the collectors on reg (prometheus.DefaultRegisterer when nil).
// An empty namespace defaults to "xmod".
func NewObserver(reg prometheus.Registerer, namespace string) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "xmod"
	}
	f := promauto.With(reg)
	labels := []string{"type", "module"}

	return &Observer{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events by type and module",
		}, labels),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Lifecycle events that carried an error",
		}, labels),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Rows or receivers touched by outbox, inbox and publish events",
		}, labels),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Handler and dispatch durations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, labels),
	}
}

func (o *Observer) OnEvent(e xmod.Event) {
	t, m := string(e.Type), e.Module
	o.events.WithLabelValues(t, m).Inc()
	if e.Err != nil || e.Type == xmod.Error {
		o.errors.WithLabelValues(t, m).Inc()
	}
	if e.Count > 0 {
		o.items.WithLabelValues(t, m).Add(float64(e.Count))
	}
	if e.Duration > 0 {
		o.duration.WithLabelValues(t, m).Observe(e.Duration.Seconds())
	}
}
