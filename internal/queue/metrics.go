package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome and drop-reason label values.
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"

	DropMalformed      = "malformed"
	DropUnmatched      = "unmatched"
	DropNoCorrelation  = "no_correlation"
	DropExpired        = "expired"
	DropNoReplyTopic   = "no_response_topic"
	DropHandlerFailure = "handler_failed"
)

type Metrics struct {
	Pending   *prometheus.GaugeVec
	Requests  *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Handled   *prometheus.CounterVec
	PollError *prometheus.CounterVec
}

// NewMetrics builds the template collectors and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tbq", Subsystem: "request_template", Name: "pending",
			Help: "In-flight requests awaiting a response",
		}, []string{"template"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "request_template", Name: "requests_total",
			Help: "Requests by terminal outcome",
		}, []string{"template", "outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "template", Name: "dropped_messages_total",
			Help: "Messages dropped by request/response templates",
		}, []string{"template", "reason"}),
		Handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "response_template", Name: "handled_total",
			Help: "Requests handled by response templates",
		}, []string{"template", "outcome"}),
		PollError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "template", Name: "poll_errors_total",
			Help: "Consumer poll or commit failures inside templates",
		}, []string{"template"}),
	}
	if reg != nil {
		reg.MustRegister(m.Pending, m.Requests, m.Dropped, m.Handled, m.PollError)
	}
	return m
}
