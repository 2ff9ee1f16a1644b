package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/geometry"
	"gorm.io/datatypes"
)

type State string

const (
	StateDraft           State = "draft"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateDelivered       State = "delivered"
	StateCancelled       State = "cancelled"
	StateExpired         State = "expired"
)

// Active reports whether the state still participates in reactions
// (correlation, expiry). Terminal states are retained for audit only.
func (s State) Active() bool {
	switch s {
	case StateDraft, StatePendingApproval, StateApproved:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateDelivered, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityExtreme  Severity = "extreme"
)

// Rank orders severities from least to most urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityExtreme:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelBoth  Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelBoth:
		return true
	default:
		return false
	}
}

type Alert struct {
	ID      snowflake.ID `gorm:"primaryKey" json:"id"`
	Version int64        `gorm:"not null" json:"version"`
	State   State        `gorm:"not null;index" json:"state"`

	Headline    string         `gorm:"not null" json:"headline"`
	Description string         `gorm:"not null" json:"description"`
	Severity    Severity       `gorm:"not null" json:"severity"`
	Channel     Channel        `gorm:"not null" json:"channel"`
	Areas       datatypes.JSON `gorm:"type:jsonb;not null" json:"areas"`

	ExpiryAt  time.Time `gorm:"not null" json:"expiry_at"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	ApprovalDecidedAt *time.Time `json:"approval_decided_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`

	ApprovedBy      string `json:"approved_by,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	// operational delivery metadata, maintained outside the version counter
	DeliveryFailedAt *time.Time `json:"delivery_failed_at,omitempty"`
	DeliveryError    string     `json:"delivery_error,omitempty"`
}

// AreaRings decodes the stored polygon set.
func (a *Alert) AreaRings() ([]geometry.Ring, error) {
	if len(a.Areas) == 0 {
		return nil, nil
	}
	var rings []geometry.Ring
	if err := json.Unmarshal(a.Areas, &rings); err != nil {
		return nil, err
	}
	return rings, nil
}

// EncodeAreas serializes validated rings for storage.
func EncodeAreas(rings []geometry.Ring) (datatypes.JSON, error) {
	raw, err := json.Marshal(rings)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Snapshot is the read-only materialized view pushed to dashboards.
type Snapshot struct {
	AlertID     snowflake.ID `json:"alert_id"`
	Version     int64        `json:"version"`
	State       State        `json:"state"`
	Headline    string       `json:"headline"`
	Severity    Severity     `json:"severity"`
	Channel     Channel      `json:"channel"`
	ExpiryAt    time.Time    `json:"expiry_at"`
	EventKind   EventKind    `json:"event_kind"`
	CommittedAt time.Time    `json:"committed_at"`
}

// SnapshotOf materializes the dashboard view of a committed alert.
func SnapshotOf(alert *Alert, kind EventKind, committedAt time.Time) Snapshot {
	return Snapshot{
		AlertID:     alert.ID,
		Version:     alert.Version,
		State:       alert.State,
		Headline:    alert.Headline,
		Severity:    alert.Severity,
		Channel:     alert.Channel,
		ExpiryAt:    alert.ExpiryAt,
		EventKind:   kind,
		CommittedAt: committedAt,
	}
}
