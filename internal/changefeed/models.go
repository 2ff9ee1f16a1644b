package changefeed

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ConsumerReactions is the single feed consumer shipped today. The
// offset table is keyed by consumer so a second consumer can be added
// without a migration.
const ConsumerReactions = "reactions"

// ReactionMarker records that one reaction finished processing one
// change record. The unique key is what makes replay idempotent: a
// second delivery of the same record claims nothing and does nothing.
type ReactionMarker struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AlertID   snowflake.ID `gorm:"not null;uniqueIndex:ux_reaction_markers,priority:1" json:"alert_id"`
	Version   int64        `gorm:"not null;uniqueIndex:ux_reaction_markers,priority:2" json:"version"`
	Reaction  string       `gorm:"not null;uniqueIndex:ux_reaction_markers,priority:3" json:"reaction"`
	AppliedAt time.Time    `gorm:"not null" json:"applied_at"`
}

func (ReactionMarker) TableName() string { return "reaction_markers" }

// FeedOffset tracks, per alert and consumer, the last change-record
// version whose reactions all completed. A gap between the offset and
// the next record halts that alert's feed rather than skipping ahead.
type FeedOffset struct {
	AlertID     snowflake.ID `gorm:"primaryKey" json:"alert_id"`
	Consumer    string       `gorm:"primaryKey" json:"consumer"`
	LastVersion int64        `gorm:"not null" json:"last_version"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
	HaltedAt    *time.Time   `json:"halted_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

func (FeedOffset) TableName() string { return "feed_offsets" }

var ErrFeedIntegrity = errors.New("feed_integrity_violation")
