package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EventKind is the closed set of domain events a transition can emit.
// Exactly one event is produced per committed mutation.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventSubmitted         EventKind = "submitted"
	EventApproved          EventKind = "approved"
	EventRejected          EventKind = "rejected"
	EventDeliveryTriggered EventKind = "delivery_triggered"
	EventCancelled         EventKind = "cancelled"
	EventExpired           EventKind = "expired"
)

// ChangeEvent is the append-only outbox record written in the same
// transaction as the alert mutation it describes. The (alert_id, version)
// unique key is the feed's idempotency key.
type ChangeEvent struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	AlertID     snowflake.ID `gorm:"not null;uniqueIndex:ux_alert_change_events_alert_version,priority:1" json:"alert_id"`
	Version     int64        `gorm:"not null;uniqueIndex:ux_alert_change_events_alert_version,priority:2" json:"version"`
	PriorState  State        `json:"prior_state"`
	NewState    State        `gorm:"not null" json:"new_state"`
	EventKind   EventKind    `gorm:"not null" json:"event_kind"`
	CommittedAt time.Time    `gorm:"not null" json:"committed_at"`

	DispatchedAt *time.Time `gorm:"index" json:"dispatched_at,omitempty"`
}

func (ChangeEvent) TableName() string {
	return "alert_change_events"
}
