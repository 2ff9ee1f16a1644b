package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, alert *domain.Alert, event *domain.ChangeEvent) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec(
			`INSERT INTO alerts (id, version, state, headline, description, severity, channel, areas,
				expiry_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alert.ID,
			alert.Version,
			alert.State,
			alert.Headline,
			alert.Description,
			alert.Severity,
			alert.Channel,
			alert.Areas,
			alert.ExpiryAt,
			alert.CreatedAt,
			alert.UpdatedAt,
		).Error
		if err != nil {
			return err
		}
		return insertChangeEvent(tx, event)
	})
}

// CommitTransition applies the compare-and-swap write: the UPDATE only
// matches when the stored version still equals the caller's expected
// version, so exactly one writer wins per (id, expectedVersion). The
// change record commits in the same transaction, which makes the feed
// visible no later than the commit itself.
func (r *repo) CommitTransition(ctx context.Context, db *gorm.DB, alert *domain.Alert, expectedVersion int64, event *domain.ChangeEvent) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE alerts
			 SET version = ?,
			     state = ?,
			     updated_at = ?,
			     approval_decided_at = COALESCE(approval_decided_at, ?),
			     delivered_at = COALESCE(delivered_at, ?),
			     cancelled_at = COALESCE(cancelled_at, ?),
			     approved_by = ?,
			     rejection_reason = ?
			 WHERE id = ? AND version = ?`,
			alert.Version,
			alert.State,
			alert.UpdatedAt,
			alert.ApprovalDecidedAt,
			alert.DeliveredAt,
			alert.CancelledAt,
			alert.ApprovedBy,
			alert.RejectionReason,
			alert.ID,
			expectedVersion,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConcurrencyConflict
		}
		return insertChangeEvent(tx, event)
	})
}

func insertChangeEvent(tx *gorm.DB, event *domain.ChangeEvent) error {
	if event == nil {
		return nil
	}
	return tx.Exec(
		`INSERT INTO alert_change_events (id, alert_id, version, prior_state, new_state, event_kind, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.AlertID,
		event.Version,
		event.PriorState,
		event.NewState,
		event.EventKind,
		event.CommittedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Alert, error) {
	var alert domain.Alert
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM alerts WHERE id = ?`,
		id,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	stmt := db.WithContext(ctx).Model(&domain.Alert{})
	if filter.State != "" {
		stmt = stmt.Where("state = ?", filter.State)
	}
	if filter.Severity != "" {
		stmt = stmt.Where("severity = ?", filter.Severity)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	limit := page.PageSize
	if limit <= 0 {
		limit = 25
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit + 1).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repo) ListActiveWithAreas(ctx context.Context, db *gorm.DB, exclude snowflake.ID) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM alerts
		 WHERE state IN (?, ?, ?) AND id <> ?`,
		domain.StateDraft,
		domain.StatePendingApproval,
		domain.StateApproved,
		exclude,
	).Scan(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, alertID snowflake.ID) ([]*domain.ChangeEvent, error) {
	var events []*domain.ChangeEvent
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM alert_change_events WHERE alert_id = ? ORDER BY version ASC`,
		alertID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkDeliveryFailed records operational delivery metadata without
// touching the version counter; it is not a lifecycle transition.
func (r *repo) MarkDeliveryFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, failedAt time.Time, reason string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE alerts
		 SET delivery_failed_at = COALESCE(delivery_failed_at, ?),
		     delivery_error = ?
		 WHERE id = ?`,
		failedAt,
		reason,
		id,
	).Error
}
