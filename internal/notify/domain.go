package notify

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindSLABreach       Kind = "sla_breach"
	KindOverlapDetected Kind = "overlap_detected"
	KindExpiryWarning   Kind = "expiry_warning"
	KindDeliveryFailed  Kind = "delivery_failed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSLABreach, KindOverlapDetected, KindExpiryWarning, KindDeliveryFailed:
		return true
	default:
		return false
	}
}

// Notification is one operator-facing escalation produced by the
// reaction pipeline. Rows are append-only.
type Notification struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	Kind           Kind              `gorm:"not null;index" json:"kind"`
	AlertID        snowflake.ID      `gorm:"not null;index" json:"alert_id"`
	RelatedAlertID *snowflake.ID     `json:"related_alert_id,omitempty"`
	Message        string            `gorm:"not null" json:"message"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

type PublishRequest struct {
	Kind           Kind
	AlertID        snowflake.ID
	RelatedAlertID *snowflake.ID
	Message        string
	Metadata       map[string]any
}

type ListRequest struct {
	pagination.Pagination
	Kind    Kind
	AlertID snowflake.ID
}

type ListResponse struct {
	pagination.PageInfo
	Notifications []Notification `json:"notifications"`
}

type Service interface {
	Publish(ctx context.Context, req PublishRequest) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, notification *Notification) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Notification, error)
}

type ListFilter struct {
	Kind    Kind
	AlertID snowflake.ID
	Cursor  *Cursor
	Limit   int
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

var (
	ErrInvalidKind      = errors.New("invalid_notification_kind")
	ErrInvalidAlertID   = errors.New("invalid_alert_id")
	ErrMissingMessage   = errors.New("missing_message")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
