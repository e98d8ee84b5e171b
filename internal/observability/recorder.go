package observability

import (
	"amm-risk-engine/internal/events"
)

// Recorder mirrors engine events into Prometheus metrics. It satisfies
// events.Recorder so it can be fanned out alongside persistence sinks.
type Recorder struct {
	metrics *Metrics
}

// NewRecorder creates a metrics-backed event recorder. A nil metrics
// falls back to DefaultMetrics.
func NewRecorder(m *Metrics) *Recorder {
	if m == nil {
		m = DefaultMetrics
	}
	return &Recorder{metrics: m}
}

var _ events.Recorder = (*Recorder)(nil)

// Record translates one event into metric updates.
func (r *Recorder) Record(ev events.Event) {
	m := r.metrics
	switch ev.Type {
	case events.TypePriceSample:
		m.PriceSamplesRecorded.Inc()
	case events.TypePoolRiskUpdated:
		m.PoolRiskComputed.Inc()
		m.PoolRiskScore.WithLabelValues(ev.Pool).Set(float64(ev.Score))
	case events.TypeUserRiskUpdated:
		m.UserRiskComputed.Inc()
	case events.TypeControlAction:
		m.ControlActions.WithLabelValues(ev.Action).Inc()
	case events.TypeEmergencyAction:
		m.EmergencyActions.Inc()
	case events.TypePositionClosed:
		m.PositionsClosed.Inc()
	case events.TypeNotification:
		m.NotificationsSent.Inc()
	case events.TypePoolRegistered:
		m.PoolsRegistered.Inc()
	case events.TypeSystemPaused:
		m.SystemPaused.Set(1)
	case events.TypeSystemResumed:
		m.SystemPaused.Set(0)
	}
}
