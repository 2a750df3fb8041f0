// Package reminder schedules and fires "remind me later" messages for
// delivered alerts.
package reminder

import "time"

// Status is a reminder's lifecycle state. Pending is the only non-terminal
// state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Reminder is a ScheduledReminder as stored in DynamoDB.
// PK: ACCOUNT#{accountId}
// SK: REMINDER#{reminderId}
type Reminder struct {
	ID        string
	AccountID string
	ChatID    int64
	// MessageID is the provider message the reminder points at.
	MessageID string
	// Text is the plain-text content to repeat to the user.
	Text      string
	DueAt     time.Time
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
