package worker

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
)

// Row claims below use FOR UPDATE SKIP LOCKED so concurrent workers
// partition the due rows between them. Correctness never depends on
// the lock: deadlines and warnings are set-once via COALESCE, and
// expiry transitions go through the version CAS.

type dueDeadline struct {
	ID      snowflake.ID
	AlertID snowflake.ID
	Version int64
	DueAt   time.Time
}

func (w *Worker) fetchDueDeadlines(ctx context.Context, now time.Time, limit int) ([]dueDeadline, error) {
	var rows []dueDeadline
	workerMetrics := obsmetrics.Worker()
	lockStart := time.Now()
	err := w.db.WithContext(ctx).Raw(
		`SELECT id, alert_id, version, due_at
		 FROM approval_deadlines
		 WHERE fired_at IS NULL AND due_at <= ?
		 ORDER BY due_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		now,
		limit,
	).Scan(&rows).Error
	workerMetrics.ObserveDBLockWait(obsmetrics.LockResourceApprovalDeadlines, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type dueWarning struct {
	ID      snowflake.ID
	AlertID snowflake.ID
	Lead    time.Duration
	WarnAt  time.Time
}

func (w *Worker) fetchDueWarnings(ctx context.Context, now time.Time, limit int) ([]dueWarning, error) {
	var rows []dueWarning
	workerMetrics := obsmetrics.Worker()
	lockStart := time.Now()
	err := w.db.WithContext(ctx).Raw(
		`SELECT id, alert_id, lead, warn_at
		 FROM expiry_warnings
		 WHERE fired_at IS NULL AND warn_at <= ?
		 ORDER BY warn_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		now,
		limit,
	).Scan(&rows).Error
	workerMetrics.ObserveDBLockWait(obsmetrics.LockResourceExpiryWarnings, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type expiredAlert struct {
	ID      snowflake.ID
	Version int64
}

func (w *Worker) fetchExpiredAlerts(ctx context.Context, now time.Time, limit int) ([]expiredAlert, error) {
	var rows []expiredAlert
	workerMetrics := obsmetrics.Worker()
	lockStart := time.Now()
	err := w.db.WithContext(ctx).Raw(
		`SELECT id, version
		 FROM alerts
		 WHERE state IN (?, ?) AND expiry_at <= ?
		 ORDER BY expiry_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		alertdomain.StatePendingApproval,
		alertdomain.StateApproved,
		now,
		limit,
	).Scan(&rows).Error
	workerMetrics.ObserveDBLockWait(obsmetrics.LockResourceAlertsForExpiry, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *Worker) markDeadlineFired(ctx context.Context, id snowflake.ID, now time.Time) error {
	return w.db.WithContext(ctx).Exec(
		`UPDATE approval_deadlines SET fired_at = COALESCE(fired_at, ?) WHERE id = ?`,
		now,
		id,
	).Error
}

func (w *Worker) markWarningFired(ctx context.Context, id snowflake.ID, now time.Time) error {
	return w.db.WithContext(ctx).Exec(
		`UPDATE expiry_warnings SET fired_at = COALESCE(fired_at, ?) WHERE id = ?`,
		now,
		id,
	).Error
}
