// Package metrics exposes Prometheus metrics for the delivery engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/wadispatch/internal/models"
)

const namespace = "wadispatch"

// Recorder holds all Prometheus metrics for the engine. It implements the
// gateway and dispatch observer interfaces.
type Recorder struct {
	registry *prometheus.Registry

	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	JobsEnqueued    *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	Throttled       *prometheus.CounterVec
	PhantomEchoes   prometheus.Counter
	InboundMessages prometheus.Counter
}

// NewRecorder creates a Recorder on its own registry, including the Go and
// process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_attempts_total",
			Help:      "Gateway requests by kind, encoding and outcome",
		}, []string{"kind", "encoding", "outcome"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_attempt_duration_seconds",
			Help:      "Duration of gateway requests",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Enqueue calls by kind and whether they were duplicates",
		}, []string{"kind", "duplicate"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs leaving the engine by kind and reason",
		}, []string{"kind", "reason"}),
		Throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_ticks_total",
			Help:      "Queue ticks stopped by an exhausted rate budget",
		}, []string{"queue"}),
		PhantomEchoes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phantom_echoes_total",
			Help:      "Inbound messages suppressed as echoes of outbound sends",
		}),
		InboundMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound webhook messages received",
		}),
	}
}

// ObserveAttempt records one gateway request.
func (r *Recorder) ObserveAttempt(kind models.Kind, encoding string, outcome models.Outcome, d time.Duration) {
	r.AttemptsTotal.WithLabelValues(string(kind), encoding, string(outcome)).Inc()
	r.AttemptDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (r *Recorder) JobEnqueued(kind models.Kind, duplicate bool) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	r.JobsEnqueued.WithLabelValues(string(kind), dup).Inc()
}

func (r *Recorder) JobFinished(kind models.Kind, reason string) {
	r.JobsFinished.WithLabelValues(string(kind), reason).Inc()
}

func (r *Recorder) QueueThrottled(queue string) {
	r.Throttled.WithLabelValues(queue).Inc()
}

// PhantomEcho counts a suppressed inbound echo.
func (r *Recorder) PhantomEcho() {
	r.PhantomEchoes.Inc()
}

// Inbound counts an inbound webhook message.
func (r *Recorder) Inbound() {
	r.InboundMessages.Inc()
}

// RegisterGauge registers a gauge whose value is read from fn at scrape time.
func (r *Recorder) RegisterGauge(name, help string, fn func() float64) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the scrape handler for this registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
