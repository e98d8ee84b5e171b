package domain

// ControlAction identifies a graduated protective action.
type ControlAction string

// Control action constants, ordered by severity.
const (
	ActionWarning   ControlAction = "WARNING"
	ActionThrottle  ControlAction = "THROTTLE"
	ActionPause     ControlAction = "PAUSE"
	ActionEmergency ControlAction = "EMERGENCY"
)

// Per-action cooldowns in milliseconds. A cooldown only blocks a repeat
// of the same action type; different types never block each other.
const (
	CooldownWarningMs   int64 = 1 * 60 * 60 * 1000
	CooldownThrottleMs  int64 = 4 * 60 * 60 * 1000
	CooldownPauseMs     int64 = 12 * 60 * 60 * 1000
	CooldownEmergencyMs int64 = 24 * 60 * 60 * 1000
)

// ThrottleWindowMs is how long an activated throttle remains in force.
// Expiry is checked lazily at read time; the flag is never auto-cleared.
const ThrottleWindowMs int64 = 1 * 60 * 60 * 1000

// AutoThrottleActionCount is the number of successful control actions
// after which a pool is throttled regardless of the action type mix.
const AutoThrottleActionCount = 3

// Severity associated with each action's notification.
const (
	SeverityWarning   = 1
	SeverityThrottle  = 2
	SeverityPause     = 3
	SeverityEmergency = 4
)

// ControlStatus is the per-pool state mutated only by the controller.
type ControlStatus struct {
	Paused        bool
	Throttled     bool
	ActionCount   int
	LastAction    ControlAction // empty until the first successful action
	LastActionMs  int64
	ThrottleEndMs int64
}
