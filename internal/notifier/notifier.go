// Package notifier keeps bounded per-user queues of risk
// notifications produced by allow-listed senders.
package notifier

import (
	"errors"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
)

// Notifier errors.
var (
	// ErrQueueFull is returned when a user's queue is at capacity.
	ErrQueueFull = errors.New("notification limit exceeded")

	// ErrInvalidLevel is returned for levels outside [1, 4].
	ErrInvalidLevel = errors.New("invalid notification level")

	// ErrEmptyMessage is returned for blank notification messages.
	ErrEmptyMessage = errors.New("empty notification message")

	// ErrNotAuthorized is returned when the sender is not on the
	// allow-list.
	ErrNotAuthorized = errors.New("sender not authorized to notify")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")
)

// Notifier holds pending notifications per user, newest last. The
// owner is always on the allow-list.
type Notifier struct {
	mu       sync.RWMutex
	owner    string
	allowed  map[string]struct{}
	queues   map[string][]domain.Notification
	recorder events.Recorder
}

// New creates a notifier owned by owner. The owner is seeded into the
// allow-list.
func New(owner string, recorder events.Recorder) *Notifier {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Notifier{
		owner:    owner,
		allowed:  map[string]struct{}{owner: {}},
		queues:   make(map[string][]domain.Notification),
		recorder: recorder,
	}
}

// AddNotifier grants sender the right to notify. Owner only.
func (n *Notifier) AddNotifier(caller, sender string) error {
	if caller != n.owner {
		return ErrNotOwner
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allowed[sender] = struct{}{}
	return nil
}

// RemoveNotifier revokes sender's right to notify. Owner only; the
// owner itself cannot be removed.
func (n *Notifier) RemoveNotifier(caller, sender string) error {
	if caller != n.owner {
		return ErrNotOwner
	}
	if sender == n.owner {
		return ErrNotAuthorized
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.allowed, sender)
	return nil
}

// Notify appends a notification to the user's queue. No eviction: a
// full queue rejects the send.
func (n *Notifier) Notify(caller, user string, level int, message string, nowMs int64) error {
	if err := validate(level, message); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.allowed[caller]; !ok {
		return ErrNotAuthorized
	}
	if len(n.queues[user]) >= domain.NotificationCap {
		return ErrQueueFull
	}
	n.appendLocked(user, level, message, nowMs)
	return nil
}

// BatchNotify sends the same notification to several users. Users at
// or above the cap are silently skipped; the delivered count is
// returned.
func (n *Notifier) BatchNotify(caller string, users []string, level int, message string, nowMs int64) (int, error) {
	if err := validate(level, message); err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.allowed[caller]; !ok {
		return 0, ErrNotAuthorized
	}

	sent := 0
	for _, user := range users {
		if len(n.queues[user]) >= domain.NotificationCap {
			continue
		}
		n.appendLocked(user, level, message, nowMs)
		sent++
	}
	return sent, nil
}

func validate(level int, message string) error {
	if level < domain.MinNotificationLevel || level > domain.MaxNotificationLevel {
		return ErrInvalidLevel
	}
	if message == "" {
		return ErrEmptyMessage
	}
	return nil
}

func (n *Notifier) appendLocked(user string, level int, message string, nowMs int64) {
	n.queues[user] = append(n.queues[user], domain.Notification{
		Level:     level,
		Message:   message,
		Timestamp: nowMs,
	})
	n.recorder.Record(events.Event{
		Type:        events.TypeNotification,
		User:        user,
		Level:       level,
		Message:     message,
		TimestampMs: nowMs,
	})
}

// ClearExpired compacts the user's queue in place, preserving order,
// dropping entries with nowMs-Timestamp > maxAgeMs, and returns the
// number removed. maxAgeMs of 0 removes everything not stamped nowMs.
func (n *Notifier) ClearExpired(user string, maxAgeMs, nowMs int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	queue := n.queues[user]
	kept := queue[:0]
	for _, note := range queue {
		if nowMs-note.Timestamp > maxAgeMs {
			continue
		}
		kept = append(kept, note)
	}
	removed := len(queue) - len(kept)
	if len(kept) == 0 {
		delete(n.queues, user)
	} else {
		n.queues[user] = kept
	}
	return removed
}

// Notifications returns a copy of the user's queue, oldest first.
func (n *Notifier) Notifications(user string) []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()

	queue := n.queues[user]
	out := make([]domain.Notification, len(queue))
	copy(out, queue)
	return out
}

// Count returns the number of pending notifications for the user.
func (n *Notifier) Count(user string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.queues[user])
}
