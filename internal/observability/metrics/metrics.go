// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newsletter/internal/eventbus"
	"newsletter/internal/task/engine"
)

const namespace = "newsletter"

// QueueStats reports the current work queue depth.
type QueueStats func(ctx context.Context) (engine.BackendStats, error)

type Metrics struct {
	reg *prometheus.Registry

	dispatches   *prometheus.CounterVec
	jobsQueued   *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	jobs         *prometheus.CounterVec
	busDropped   prometheus.Counter
}

// New registers the dispatcher series plus Go and process collectors on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatches by outcome (queued, empty, failed).",
		}, []string{"outcome"}),
		jobsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_queued_total",
			Help:      "Delivery jobs queued by channel.",
		}, []string{"channel"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Finished deliveries by channel and outcome (sent, failed, skipped).",
		}, []string{"channel", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Transient delivery failures that were scheduled for retry.",
		}, []string{"channel"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Provider send latency by channel.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Job attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		busDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "events_dropped_total",
			Help:      "Events the metrics subscriber saw as unknown payloads.",
		}),
	}
}

// WatchQueue exports ready and delayed queue depth, read on scrape.
func (m *Metrics) WatchQueue(stats QueueStats) {
	read := func(pick func(engine.BackendStats) int) func() float64 {
		return func() float64 {
			st, err := stats(context.Background())
			if err != nil {
				return 0
			}
			return float64(pick(st))
		}
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "ready_jobs",
			Help: "Jobs ready to run.",
		}, read(func(st engine.BackendStats) int { return st.Ready })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "delayed_jobs",
			Help: "Jobs waiting for their retry time.",
		}, read(func(st engine.BackendStats) int { return st.Delayed })),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run records bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.DispatchEvent:
		m.observeDispatch(ev.Type, d)
	case eventbus.DeliveryEvent:
		m.observeDelivery(ev.Type, d)
	case eventbus.JobEvent:
		m.jobs.WithLabelValues(d.Kind, jobOutcome(ev.Type)).Inc()
	default:
		m.busDropped.Inc()
	}
}

func (m *Metrics) observeDispatch(typ string, d eventbus.DispatchEvent) {
	switch typ {
	case eventbus.DispatchQueued:
		m.dispatches.WithLabelValues("queued").Inc()
		for ch, n := range d.PerChannel {
			m.jobsQueued.WithLabelValues(ch).Add(float64(n))
		}
	case eventbus.DispatchEmpty:
		m.dispatches.WithLabelValues("empty").Inc()
	case eventbus.DispatchFailed:
		m.dispatches.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) observeDelivery(typ string, d eventbus.DeliveryEvent) {
	switch typ {
	case eventbus.DeliverySent:
		m.deliveries.WithLabelValues(d.Channel, "sent").Inc()
	case eventbus.DeliveryFailed:
		m.deliveries.WithLabelValues(d.Channel, "failed").Inc()
	case eventbus.DeliverySkipped:
		m.deliveries.WithLabelValues(d.Channel, "skipped").Inc()
		return
	case eventbus.DeliveryRetry:
		m.retries.WithLabelValues(d.Channel).Inc()
	default:
		return
	}
	if d.Duration > 0 {
		m.sendDuration.WithLabelValues(d.Channel).Observe(d.Duration.Seconds())
	}
}

func jobOutcome(typ string) string {
	switch typ {
	case eventbus.JobSucceeded:
		return "succeeded"
	case eventbus.JobRetry:
		return "retry"
	case eventbus.JobFailed:
		return "failed"
	case eventbus.JobDropped:
		return "dropped"
	}
	return "other"
}
