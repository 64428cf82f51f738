package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mimitalk-agent/internal/domain"
)

// Recorder holds the Prometheus metrics for the conversation pipeline.
type Recorder struct {
	// Conversation metrics
	TurnsRecorded *prometheus.CounterVec

	// Agent metrics
	AgentRequests *prometheus.CounterVec
	AgentDuration *prometheus.HistogramVec

	// Diagnosis metrics
	Diagnoses *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRecorder creates the metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		TurnsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mimitalk_turns_recorded_total",
			Help: "Total number of conversation turns logged",
		}, []string{"fallback"}),

		AgentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mimitalk_agent_requests_total",
			Help: "Total number of agent queries by agent and outcome",
		}, []string{"agent", "outcome"}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mimitalk_agent_request_duration_seconds",
			Help:    "Time spent waiting for agent replies",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}, []string{"agent"}),

		Diagnoses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mimitalk_diagnoses_total",
			Help: "Total number of diagnosis requests by mode and outcome",
		}, []string{"mode", "outcome"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mimitalk_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mimitalk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (r *Recorder) TurnRecorded(fallback bool) {
	r.TurnsRecorded.WithLabelValues(strconv.FormatBool(fallback)).Inc()
}

func (r *Recorder) AgentQueried(agent string, elapsed time.Duration, err error) {
	r.AgentRequests.WithLabelValues(agent, outcome(err == nil)).Inc()
	r.AgentDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

func (r *Recorder) DiagnosisCompleted(mode domain.DiagnosisMode, degraded bool) {
	r.Diagnoses.WithLabelValues(string(mode), outcome(!degraded)).Inc()
}

func (r *Recorder) RequestServed(route string, status int, elapsed time.Duration) {
	r.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
