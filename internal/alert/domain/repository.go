package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	State    State
	Severity Severity
}

// Repository is the persistence boundary for the alert aggregate.
// CommitTransition is the sole write path for lifecycle mutations: a
// conditional UPDATE on (id, expected version) plus the change record,
// both inside one transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, alert *Alert, event *ChangeEvent) error
	CommitTransition(ctx context.Context, db *gorm.DB, alert *Alert, expectedVersion int64, event *ChangeEvent) error

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Alert, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*Alert, error)
	ListActiveWithAreas(ctx context.Context, db *gorm.DB, exclude snowflake.ID) ([]*Alert, error)
	ListEvents(ctx context.Context, db *gorm.DB, alertID snowflake.ID) ([]*ChangeEvent, error)

	MarkDeliveryFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, failedAt time.Time, reason string) error
}
