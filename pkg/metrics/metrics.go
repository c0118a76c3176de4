package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the pipeline counters recorded by birdtag components.
type Metrics interface {
	IncGrantsIssued(mediaType, mode string)
	IncNotifications(outcome string)
	IncDetectionAttempts(mediaType, outcome string)
	ObserveDetection(mediaType string, d time.Duration)
	IncTasksCompleted(mediaType, state string)
	IncFallbackIngests(mediaType string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncGrantsIssued(string, string)         {}
func (Noop) IncNotifications(string)                {}
func (Noop) IncDetectionAttempts(string, string)    {}
func (Noop) ObserveDetection(string, time.Duration) {}
func (Noop) IncTasksCompleted(string, string)       {}
func (Noop) IncFallbackIngests(string)              {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	grants        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	tasks         *prometheus.CounterVec
	fallback      *prometheus.CounterVec
}

// NewProm builds the collectors and registers them with reg. A nil registerer
// uses the default Prometheus registry.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_grants_total",
			Help:      "Upload grants issued by media type and mode",
		}, []string{"media_type", "mode"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_notifications_total",
			Help:      "Object finalize notifications by outcome",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_attempts_total",
			Help:      "Detection capability invocations by media type and outcome",
		}, []string{"media_type", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Detection capability latency per attempt",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600},
		}, []string{"media_type"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_tasks_completed_total",
			Help:      "Detection tasks reaching a terminal state",
		}, []string{"media_type", "state"}),
		fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_ingests_total",
			Help:      "Uploads handled by the local fallback pipeline",
		}, []string{"media_type"}),
	}
	reg.MustRegister(p.grants, p.notifications, p.attempts, p.latency, p.tasks, p.fallback)
	return p
}

func (p *Prom) IncGrantsIssued(mediaType, mode string) {
	p.grants.WithLabelValues(mediaType, mode).Inc()
}

func (p *Prom) IncNotifications(outcome string) {
	p.notifications.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncDetectionAttempts(mediaType, outcome string) {
	p.attempts.WithLabelValues(mediaType, outcome).Inc()
}

func (p *Prom) ObserveDetection(mediaType string, d time.Duration) {
	p.latency.WithLabelValues(mediaType).Observe(d.Seconds())
}

func (p *Prom) IncTasksCompleted(mediaType, state string) {
	p.tasks.WithLabelValues(mediaType, state).Inc()
}

func (p *Prom) IncFallbackIngests(mediaType string) {
	p.fallback.WithLabelValues(mediaType).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
