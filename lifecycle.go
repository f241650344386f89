package venturelink

import (
	"fmt"
	"time"
)

// MessageStatus is the delivery state of a ChatMessage.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Terminal reports whether no further transition is allowed out of s.
func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransition reports whether s may move to next. Progress is forward
// only: statuses may be skipped but never revisited, and failed is only
// reachable while still sending.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// StatusChange is one recorded lifecycle step.
type StatusChange struct {
	From MessageStatus
	To   MessageStatus
	At   time.Time
}

// Lifecycle is the per-message status state machine. It is not safe for
// concurrent use; ConversationStore serializes access under its own lock.
type Lifecycle struct {
	status  MessageStatus
	history []StatusChange
}

// NewLifecycle starts a lifecycle at the given status. Messages created
// locally start at StatusSending; messages learned from the server start
// wherever the server says they are.
func NewLifecycle(initial MessageStatus) *Lifecycle {
	if _, ok := statusRank[initial]; !ok && initial != StatusFailed {
		initial = StatusSending
	}
	return &Lifecycle{status: initial}
}

func (l *Lifecycle) Status() MessageStatus { return l.status }

// Advance moves the lifecycle to next, or returns ErrInvalidTransition.
func (l *Lifecycle) Advance(next MessageStatus, at time.Time) error {
	if !l.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.status, next)
	}
	l.history = append(l.history, StatusChange{From: l.status, To: next, At: at})
	l.status = next
	return nil
}

// History returns the transitions taken so far, oldest first.
func (l *Lifecycle) History() []StatusChange {
	return append([]StatusChange(nil), l.history...)
}
