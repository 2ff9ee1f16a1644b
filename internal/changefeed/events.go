package changefeed

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"gorm.io/gorm"
)

// EventStore reads pending change records for the dispatch job.
type EventStore struct{}

func NewEventStore() *EventStore {
	return &EventStore{}
}

// ListUndispatched row-locks up to limit pending change records,
// oldest version first per alert, so concurrent dispatch workers never
// process the same record twice.
func (e *EventStore) ListUndispatched(ctx context.Context, tx *gorm.DB, limit int) ([]*alertdomain.ChangeEvent, error) {
	var events []*alertdomain.ChangeEvent
	workerMetrics := obsmetrics.Worker()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, alert_id, version, prior_state, new_state, event_kind, committed_at, dispatched_at
		 FROM alert_change_events
		 WHERE dispatched_at IS NULL
		 ORDER BY alert_id ASC, version ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		limit,
	).Scan(&events).Error
	workerMetrics.ObserveDBLockWait(obsmetrics.LockResourceChangeEventsForDispatch, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkDispatched stamps the record after every reaction completed and
// the offset advanced.
func (e *EventStore) MarkDispatched(ctx context.Context, tx *gorm.DB, eventID snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE alert_change_events SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`,
		at,
		eventID,
	).Error
}
