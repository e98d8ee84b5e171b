// Package events defines the audit events the engine emits for external
// monitoring. Events are observability output only: engine correctness
// never depends on a recorder accepting them.
package events

// Type identifies an audit event kind.
type Type string

// Audit event type constants.
const (
	TypePriceSample     Type = "PRICE_SAMPLE"
	TypePoolRiskUpdated Type = "POOL_RISK_UPDATED"
	TypeUserRiskUpdated Type = "USER_RISK_UPDATED"
	TypeControlAction   Type = "CONTROL_ACTION"
	TypeEmergencyAction Type = "EMERGENCY_ACTION"
	TypePositionClosed  Type = "POSITION_CLOSED"
	TypeNotification    Type = "NOTIFICATION_SENT"
	TypePoolRegistered  Type = "POOL_REGISTERED"
	TypeParamsUpdated   Type = "PARAMS_UPDATED"
	TypeSystemPaused    Type = "SYSTEM_PAUSED"
	TypeSystemResumed   Type = "SYSTEM_RESUMED"
)

// Event is a single audit record. Magnitude fields (prices, sizes) are
// carried as decimal strings so recorders never need big.Int handling.
type Event struct {
	Type        Type
	Pool        string // empty for system-wide events
	User        string // empty unless user-scoped
	Action      string // control action name, when applicable
	Score       int64  // basis points, when applicable
	Level       int    // notification severity, when applicable
	Value       string // decimal string magnitude (price, size), when applicable
	Message     string
	TimestampMs int64
}

// Recorder consumes audit events. Implementations must not block the
// calling operation; slow sinks buffer or drop on their own.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) {}

// MultiRecorder fans an event out to several recorders.
type MultiRecorder []Recorder

// Record implements Recorder.
func (m MultiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = MultiRecorder(nil)
)
