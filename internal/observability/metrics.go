package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/smartatm/internal/reliability"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	PollAttempts     *prometheus.CounterVec
	ApprovalOutcomes *prometheus.CounterVec
	RemoteErrors     *prometheus.CounterVec
	ApprovalWait     prometheus.Histogram
	EventDrops       prometheus.Counter

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_login_sessions",
			Help:      "Number of QR login sessions currently pending.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Login session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PollAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Status poll attempts by loop and result.",
		}, []string{"loop", "result"}),
		ApprovalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Issued receipts by outcome.",
		}, []string{"outcome"}),
		RemoteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "IAM backend errors by operation and kind.",
		}, []string{"operation", "kind"}),
		ApprovalWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time from push notification to a final approval status.",
			Buckets:   []float64{2, 5, 10, 20, 30, 60, 120, 300},
		}),
		EventDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_drops_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObservePollAttempt(loop string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollAttempts.WithLabelValues(loop, result).Inc()
}

func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRemoteError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.RemoteErrors.WithLabelValues(operation, string(reliability.Classify(err))).Inc()
	m.stages.ObserveError(operation)
}

func (m *Metrics) ObserveApprovalWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWait.Observe(d.Seconds())
}

func (m *Metrics) IncEventDrop() {
	if m == nil {
		return
	}
	m.EventDrops.Inc()
}

// ObserveStage records one remote round trip in the rolling latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot(time.Now())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
