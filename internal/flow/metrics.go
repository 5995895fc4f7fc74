package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the dialog engine.
type Metrics struct {
	// Turns by transition kind, plus "duplicate" and "error"
	Turns *prometheus.CounterVec

	// End-to-end turn latency including store and submission I/O
	TurnLatency prometheus.Histogram

	// Submission results: submitted, queued, failed, rejected
	Submissions *prometheus.CounterVec

	// Optimistic concurrency conflicts that forced a re-step
	Conflicts prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakepipe_turns_total",
			Help: "Total processed turns by outcome",
		}, []string{"outcome"}),

		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intakepipe_turn_duration_seconds",
			Help:    "Duration of a turn from dedup check to reply",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
		}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakepipe_submissions_total",
			Help: "Registration submissions by result",
		}, []string{"result"}),

		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "intakepipe_session_conflicts_total",
			Help: "Session saves rejected by the version check",
		}),
	}
}

// IncrementTurn records a processed turn.
func (m *Metrics) IncrementTurn(outcome string) {
	if m != nil {
		m.Turns.WithLabelValues(outcome).Inc()
	}
}

// ObserveTurnLatency records the duration of a turn.
func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	if m != nil {
		m.TurnLatency.Observe(d.Seconds())
	}
}

// IncrementSubmission records a submission result.
func (m *Metrics) IncrementSubmission(result SubmissionStatus) {
	if m != nil {
		m.Submissions.WithLabelValues(string(result)).Inc()
	}
}

// IncrementConflict records a version conflict.
func (m *Metrics) IncrementConflict() {
	if m != nil {
		m.Conflicts.Inc()
	}
}
