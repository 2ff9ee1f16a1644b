package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/notify"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"go.uber.org/zap"
)

// FeedDispatchJob drains pending change records, fans each one out to
// the reaction pipeline in per-alert version order, and advances the
// feed offset only when every reaction completed. A version gap
// between the offset and the next record halts that alert's feed.
func (w *Worker) FeedDispatchJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "feed_dispatch", w.cfg.BatchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, batchErr := w.dispatchBatch(ctx, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (w *Worker) dispatchBatch(ctx context.Context, run *jobRun) (int, error) {
	events, err := w.events.ListUndispatched(ctx, w.db, w.cfg.BatchSize)
	if err != nil {
		w.logWorkerError(ctx, run, "worker.feed.fetch.failed", "feed_dispatch", 0, err)
		return 0, err
	}
	workerMetrics := obsmetrics.Worker()
	if len(events) == 0 {
		workerMetrics.IncBatchDeferred("feed_dispatch", obsmetrics.WorkerBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	processed := 0
	var batchErr error
	skipAlert := make(map[snowflake.ID]bool)

	for _, event := range events {
		if skipAlert[event.AlertID] {
			continue
		}

		offset, err := w.offsets.Get(ctx, w.db, event.AlertID, changefeed.ConsumerReactions)
		if err != nil {
			batchErr = errors.Join(batchErr, err)
			skipAlert[event.AlertID] = true
			continue
		}
		var lastVersion int64
		if offset != nil {
			if offset.HaltedAt != nil {
				skipAlert[event.AlertID] = true
				workerMetrics.IncBatchDeferred("feed_dispatch", "feed_halted")
				continue
			}
			lastVersion = offset.LastVersion
		}

		now := w.clock.Now()
		if event.Version <= lastVersion {
			// consumed on an earlier run that crashed before stamping
			if err := w.events.MarkDispatched(ctx, w.db, event.ID, now); err != nil {
				batchErr = errors.Join(batchErr, err)
			}
			continue
		}
		if event.Version != lastVersion+1 {
			haltErr := fmt.Errorf("%w: alert %s expected version %d, found %d",
				changefeed.ErrFeedIntegrity, event.AlertID, lastVersion+1, event.Version)
			w.logWorkerError(ctx, run, "worker.feed.integrity.violation", "feed_dispatch", event.AlertID, haltErr,
				zap.Int64("last_version", lastVersion),
				zap.Int64("event_version", event.Version),
			)
			workerMetrics.IncReactionError(obsmetrics.ReactionStageDispatch, "feed_integrity")
			haltedAt := now
			if err := w.offsets.Halt(ctx, w.db, &changefeed.FeedOffset{
				AlertID:     event.AlertID,
				Consumer:    changefeed.ConsumerReactions,
				LastVersion: lastVersion,
				UpdatedAt:   now,
				HaltedAt:    &haltedAt,
				LastError:   haltErr.Error(),
			}); err != nil {
				batchErr = errors.Join(batchErr, err)
			}
			batchErr = errors.Join(batchErr, haltErr)
			skipAlert[event.AlertID] = true
			continue
		}

		alert, err := w.repo.FindByID(ctx, w.db, event.AlertID)
		if err != nil {
			batchErr = errors.Join(batchErr, err)
			skipAlert[event.AlertID] = true
			continue
		}

		if err := w.dispatcher.Dispatch(ctx, event, alert); err != nil {
			w.logWorkerError(ctx, run, "worker.feed.dispatch.failed", "feed_dispatch", event.AlertID, err,
				zap.Int64("event_version", event.Version),
			)
			workerMetrics.IncReactionError(obsmetrics.ReactionStageDispatch, obsmetrics.ClassifyWorkerErrorType(err))
			batchErr = errors.Join(batchErr, err)
			skipAlert[event.AlertID] = true
			continue
		}

		if err := w.offsets.Advance(ctx, w.db, &changefeed.FeedOffset{
			AlertID:     event.AlertID,
			Consumer:    changefeed.ConsumerReactions,
			LastVersion: event.Version,
			UpdatedAt:   now,
		}); err != nil {
			batchErr = errors.Join(batchErr, err)
			skipAlert[event.AlertID] = true
			continue
		}
		if err := w.events.MarkDispatched(ctx, w.db, event.ID, now); err != nil {
			batchErr = errors.Join(batchErr, err)
			skipAlert[event.AlertID] = true
			continue
		}
		processed++
		run.AddProcessed(1)
	}

	workerMetrics.AddBatchProcessed("feed_dispatch", "change_events", processed)
	return processed, batchErr
}

// ApprovalDeadlinesJob fires sla_breach notifications for alerts still
// awaiting approval past their deadline. fired_at is set exactly once
// whether or not the breach fired, so a re-run never double-notifies.
func (w *Worker) ApprovalDeadlinesJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "approval_deadlines", w.cfg.BatchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := w.clock.Now()
		deadlines, err := w.fetchDueDeadlines(ctx, now, w.cfg.BatchSize)
		if err != nil {
			w.logWorkerError(ctx, run, "worker.deadline.fetch.failed", "approval_deadlines", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(deadlines) == 0 {
			break
		}

		progressed := 0
		for _, deadline := range deadlines {
			alert, err := w.repo.FindByID(ctx, w.db, deadline.AlertID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.deadline.process.failed", "approval_deadlines", deadline.AlertID, err)
				continue
			}
			if alert != nil && alert.State == alertdomain.StatePendingApproval {
				if err := w.notify.Publish(ctx, notify.PublishRequest{
					Kind:    notify.KindSLABreach,
					AlertID: deadline.AlertID,
					Message: fmt.Sprintf("approval pending since %s, past deadline", deadline.DueAt.UTC().Format("2006-01-02T15:04:05Z")),
					Metadata: map[string]any{
						"due_at":  deadline.DueAt.UTC().Format("2006-01-02T15:04:05Z"),
						"version": deadline.Version,
					},
				}); err != nil {
					jobErr = errors.Join(jobErr, err)
					w.logWorkerError(ctx, run, "worker.deadline.notify.failed", "approval_deadlines", deadline.AlertID, err)
					obsmetrics.Worker().IncReactionError(obsmetrics.ReactionStageSLA, obsmetrics.ClassifyWorkerErrorType(err))
					continue
				}
			}
			if err := w.markDeadlineFired(ctx, deadline.ID, now); err != nil {
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.deadline.process.failed", "approval_deadlines", deadline.AlertID, err)
				continue
			}
			progressed++
			run.AddProcessed(1)
		}
		obsmetrics.Worker().AddBatchProcessed("approval_deadlines", "approval_deadlines", progressed)
		if progressed == 0 {
			break
		}
	}

	return jobErr
}

// ExpiryWarningsJob fires expiry_warning notifications for armed lead
// times that have come due while the alert is still active.
func (w *Worker) ExpiryWarningsJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "expiry_warnings", w.cfg.BatchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := w.clock.Now()
		warnings, err := w.fetchDueWarnings(ctx, now, w.cfg.BatchSize)
		if err != nil {
			w.logWorkerError(ctx, run, "worker.warning.fetch.failed", "expiry_warnings", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(warnings) == 0 {
			break
		}

		progressed := 0
		for _, warning := range warnings {
			alert, err := w.repo.FindByID(ctx, w.db, warning.AlertID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.warning.process.failed", "expiry_warnings", warning.AlertID, err)
				continue
			}
			if alert != nil && alert.State.Active() && alert.ExpiryAt.After(now) {
				if err := w.notify.Publish(ctx, notify.PublishRequest{
					Kind:    notify.KindExpiryWarning,
					AlertID: warning.AlertID,
					Message: fmt.Sprintf("alert expires in %s", warning.Lead),
					Metadata: map[string]any{
						"lead":      warning.Lead.String(),
						"expiry_at": alert.ExpiryAt.UTC().Format("2006-01-02T15:04:05Z"),
						"state":     string(alert.State),
					},
				}); err != nil {
					jobErr = errors.Join(jobErr, err)
					w.logWorkerError(ctx, run, "worker.warning.notify.failed", "expiry_warnings", warning.AlertID, err)
					obsmetrics.Worker().IncReactionError(obsmetrics.ReactionStageExpiryWarn, obsmetrics.ClassifyWorkerErrorType(err))
					continue
				}
			}
			if err := w.markWarningFired(ctx, warning.ID, now); err != nil {
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.warning.process.failed", "expiry_warnings", warning.AlertID, err)
				continue
			}
			progressed++
			run.AddProcessed(1)
		}
		obsmetrics.Worker().AddBatchProcessed("expiry_warnings", "expiry_warnings", progressed)
		if progressed == 0 {
			break
		}
	}

	return jobErr
}

// ExpiryTransitionsJob expires alerts past their expiry time that were
// never delivered or cancelled. The transition goes through the normal
// command path, so it emits a change record and loses cleanly to any
// concurrent operator command.
func (w *Worker) ExpiryTransitionsJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "expiry_transitions", w.cfg.BatchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := w.clock.Now()
		expired, err := w.fetchExpiredAlerts(ctx, now, w.cfg.BatchSize)
		if err != nil {
			w.logWorkerError(ctx, run, "worker.expiry.fetch.failed", "expiry_transitions", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(expired) == 0 {
			break
		}

		progressed := 0
		for _, candidate := range expired {
			_, err := w.alerts.Expire(ctx, alertdomain.ExpireAlertRequest{
				ID:              candidate.ID,
				ExpectedVersion: candidate.Version,
			})
			if err != nil {
				if errors.Is(err, alertdomain.ErrConcurrencyConflict) ||
					errors.Is(err, alertdomain.ErrIllegalTransition) ||
					errors.Is(err, alertdomain.ErrNotExpired) ||
					errors.Is(err, alertdomain.ErrNotFound) {
					// an operator command won the race
					w.logger(ctx).Debug("expiry skipped",
						zap.String("alert_id", candidate.ID.String()),
						zap.Error(err),
					)
					continue
				}
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.expiry.process.failed", "expiry_transitions", candidate.ID, err)
				obsmetrics.Worker().IncReactionError(obsmetrics.ReactionStageExpiryClose, obsmetrics.ClassifyWorkerErrorType(err))
				continue
			}
			progressed++
			run.AddProcessed(1)
		}
		obsmetrics.Worker().AddBatchProcessed("expiry_transitions", "alerts", progressed)
		if progressed == 0 {
			// every candidate was skipped; without progress another
			// fetch would return the same rows
			break
		}
	}

	return jobErr
}
