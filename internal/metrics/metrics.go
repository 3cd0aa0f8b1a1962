// Package metrics holds the prometheus collectors of the attempt core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exstem"

// Metrics bundles the counters exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	attemptsStarted prometheus.Counter
	submissions     *prometheus.CounterVec
	answerWrites    *prometheus.CounterVec
	proctorEvents   *prometheus.CounterVec
	sweeps          prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_started_total",
			Help:      "Attempts moved from PENDING to ONGOING.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_submissions_total",
			Help:      "Attempts moved to SUBMITTED, by trigger.",
		}, []string{"trigger"}),
		answerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_writes_total",
			Help:      "Answer upserts, by result (saved, locked).",
		}, []string{"result"}),
		proctorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proctor_events_total",
			Help:      "Proctor events accepted for storage, by type.",
		}, []string{"type"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Completed expiry sweeper passes.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attemptsStarted,
		m.submissions,
		m.answerWrites,
		m.proctorEvents,
		m.sweeps,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AttemptStarted() {
	if m != nil {
		m.attemptsStarted.Inc()
	}
}

func (m *Metrics) Submitted(trigger string) {
	if m != nil {
		m.submissions.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) AnswerWrite(result string) {
	if m != nil {
		m.answerWrites.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ProctorEvent(typ string) {
	if m != nil {
		m.proctorEvents.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Swept() {
	if m != nil {
		m.sweeps.Inc()
	}
}

// WatchQueue exports the backlog of a worker queue as
// exstem_queue_depth{queue=name}. depth is called on every scrape.
func (m *Metrics) WatchQueue(name string, depth func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Items waiting in a worker queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, depth))
}
