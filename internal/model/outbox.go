package model

import "time"

// Status is the delivery state of an outbox entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next.
// processing -> pending only happens when a claim lease expires.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSent || next == StatusPending
	}
	return false
}

// OutboxEntry is one event waiting to be relayed to the broker.
type OutboxEntry struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   uint64     `gorm:"not null;index" json:"owner_id"`
	Payload   string     `gorm:"type:text;not null" json:"payload"`
	Status    Status     `gorm:"size:16;not null;index" json:"status"`
	Attempts  int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

func (OutboxEntry) TableName() string { return "outbox_entry" }
