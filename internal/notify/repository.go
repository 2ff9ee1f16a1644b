package notify

import (
	"context"

	"gorm.io/gorm"
)

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, notification *Notification) error {
	if notification == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, kind, alert_id, related_alert_id, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		notification.ID,
		notification.Kind,
		notification.AlertID,
		notification.RelatedAlertID,
		notification.Message,
		notification.Metadata,
		notification.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Notification, error) {
	var notifications []*Notification
	stmt := db.WithContext(ctx).Model(&Notification{})

	if filter.Kind != "" {
		stmt = stmt.Where("kind = ?", filter.Kind)
	}
	if filter.AlertID != 0 {
		stmt = stmt.Where("alert_id = ?", filter.AlertID)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}
