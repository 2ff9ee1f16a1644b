package changefeed

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// OffsetStore reads and advances per-alert feed offsets.
type OffsetStore struct{}

func NewOffsetStore() *OffsetStore {
	return &OffsetStore{}
}

// Get returns the consumer's offset for the alert, or nil when the
// consumer has not processed any record for it yet.
func (o *OffsetStore) Get(ctx context.Context, db *gorm.DB, alertID snowflake.ID, consumer string) (*FeedOffset, error) {
	var offset FeedOffset
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM feed_offsets WHERE alert_id = ? AND consumer = ?`,
		alertID,
		consumer,
	).Scan(&offset).Error
	if err != nil {
		return nil, err
	}
	if offset.AlertID == 0 {
		return nil, nil
	}
	return &offset, nil
}

// Advance moves the offset to version and clears any halt. The row is
// created on first advance.
func (o *OffsetStore) Advance(ctx context.Context, db *gorm.DB, offset *FeedOffset) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE feed_offsets
		 SET last_version = ?, updated_at = ?, halted_at = NULL, last_error = ''
		 WHERE alert_id = ? AND consumer = ?`,
		offset.LastVersion,
		offset.UpdatedAt,
		offset.AlertID,
		offset.Consumer,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO feed_offsets (alert_id, consumer, last_version, updated_at)
		 VALUES (?, ?, ?, ?)`,
		offset.AlertID,
		offset.Consumer,
		offset.LastVersion,
		offset.UpdatedAt,
	).Error
}

// Halt parks the alert's feed after an integrity violation. Halted
// feeds are skipped by the dispatch job until an operator intervenes.
func (o *OffsetStore) Halt(ctx context.Context, db *gorm.DB, offset *FeedOffset) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE feed_offsets
		 SET halted_at = ?, last_error = ?, updated_at = ?
		 WHERE alert_id = ? AND consumer = ?`,
		offset.HaltedAt,
		offset.LastError,
		offset.UpdatedAt,
		offset.AlertID,
		offset.Consumer,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO feed_offsets (alert_id, consumer, last_version, updated_at, halted_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		offset.AlertID,
		offset.Consumer,
		offset.LastVersion,
		offset.UpdatedAt,
		offset.HaltedAt,
		offset.LastError,
	).Error
}
