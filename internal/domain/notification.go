package domain

// NotificationCap is the maximum number of live notifications per user.
// Once reached, further sends fail until the caller prunes; there is no
// silent drop and no FIFO eviction.
const NotificationCap = 100

// Notification severity bounds (inclusive).
const (
	MinNotificationLevel = 1
	MaxNotificationLevel = 4
)

// Notification is a single risk alert delivered to a user.
type Notification struct {
	Level     int    // 1..4
	Message   string // never empty
	Timestamp int64  // Unix timestamp in milliseconds
}
