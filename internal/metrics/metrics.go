package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rural_health"

// Metrics holds the scheduling metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	BookingsCreated     *prometheus.CounterVec
	ClassifierFallbacks *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	SweepRuns           *prometheus.CounterVec
	SweepCancelled      prometheus.Counter
	SweepDuration       prometheus.Histogram
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BookingsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "bookings_created_total",
			Help:      "Total number of appointments booked, by urgency",
		}, []string{"urgency"}),
		ClassifierFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triage",
			Name:      "classifier_fallbacks_total",
			Help:      "Total number of classifications that fell back to normal urgency",
		}, []string{"reason"}),
		NotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_failed_total",
			Help:      "Total number of notifications that could not be sent",
		}, []string{"kind"}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of auto cancellation sweeps, by outcome",
		}, []string{"outcome"}),
		SweepCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "appointments_cancelled_total",
			Help:      "Total number of appointments cancelled by the sweep",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Time spent in one auto cancellation sweep",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) BookingCreated(urgency string) {
	if m == nil {
		return
	}
	m.BookingsCreated.WithLabelValues(urgency).Inc()
}

func (m *Metrics) ClassifierFallback(reason string) {
	if m == nil {
		return
	}
	m.ClassifierFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) SweepFinished(outcome string, cancelled int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(outcome).Inc()
	m.SweepCancelled.Add(float64(cancelled))
	m.SweepDuration.Observe(took.Seconds())
}
