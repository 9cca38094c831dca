package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskTransitions    *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	SequenceGaps       prometheus.Counter
	LockAcquisitions   *prometheus.CounterVec
	SessionEvents      *prometheus.CounterVec
	Notifications      prometheus.Counter
	BatchSize          prometheus.Histogram
	TerminationsSet    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transition attempts by target status and acceptance.",
		}, []string{"to", "accepted"}),
		MessagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Sandbox messages accepted by the delivery step, by result.",
		}, []string{"result"}),
		MessagesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Ledger messages drained by the batch processor, by outcome.",
		}, []string{"outcome"}),
		SequenceGaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Deliveries whose sandbox-assigned seq id disagreed with the expected next seq.",
		}),
		LockAcquisitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Lock facade acquisition attempts by granularity and result.",
		}, []string{"granularity", "result"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_session_events_total",
			Help:      "Sandbox session lifecycle events by type.",
		}, []string{"event"}),
		Notifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_notifications_total",
			Help:      "Notifications forwarded to the client sink.",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_messages",
			Help:      "Pending messages drained per batch invocation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}),
		TerminationsSet: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_set_total",
			Help:      "Termination flags raised for tasks.",
		}),
	}
}

// ObserveTransition records a state machine transition attempt. Rejections are
// silent toward callers, so this counter is the only aggregate signal for them.
func (m *Metrics) ObserveTransition(to string, accepted bool) {
	if m == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	m.TaskTransitions.WithLabelValues(to, label).Inc()
}

func (m *Metrics) ObserveLock(granularity string, acquired bool) {
	if m == nil {
		return
	}
	result := "contended"
	if acquired {
		result = "acquired"
	}
	m.LockAcquisitions.WithLabelValues(granularity, result).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
