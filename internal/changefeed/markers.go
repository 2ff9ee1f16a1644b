package changefeed

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/pkg/db"
	"gorm.io/gorm"
)

// MarkerStore claims reaction markers. Claim inside the same
// transaction as the reaction's own writes so a rolled-back reaction
// releases its claim and gets retried.
type MarkerStore struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewMarkerStore(genID *snowflake.Node, c clock.Clock) *MarkerStore {
	return &MarkerStore{genID: genID, clock: c}
}

// Claim inserts the (alert, version, reaction) marker. It returns
// false when the marker already exists, meaning the reaction already
// ran for this change record.
func (m *MarkerStore) Claim(ctx context.Context, tx *gorm.DB, alertID snowflake.ID, version int64, reaction string) (bool, error) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO reaction_markers (id, alert_id, version, reaction, applied_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.genID.Generate(),
		alertID,
		version,
		reaction,
		m.clock.Now(),
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
