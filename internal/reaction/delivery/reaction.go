package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/notify"
	obslogger "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	provider "github.com/geowarn/geowarn/internal/provider/delivery"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ReactionKind = "delivery"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Markers  *changefeed.MarkerStore
	Alerts   alertdomain.Service
	Notify   notify.Service
	Provider provider.Provider
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Reaction dispatches approved alerts to the configured channels.
//
// The marker is claimed and committed before the provider call, so a
// crash mid-send drops the attempt instead of double-sending; the
// send itself retries in-process with bounded backoff. After the last
// failed attempt the alert is marked delivery-failed and an operator
// notification goes out, and the record is considered consumed. Once
// the marker is claimed a replay is a no-op, so any post-claim error
// is surfaced the same way rather than returned for a retry that
// would silently skip.
type Reaction struct {
	db          *gorm.DB
	log         *zap.Logger
	markers     *changefeed.MarkerStore
	alerts      alertdomain.Service
	notify      notify.Service
	provider    provider.Provider
	metrics     *obsmetrics.Metrics
	maxAttempts int
}

func NewReaction(p Params) *Reaction {
	maxAttempts := p.Config.Worker.DeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Reaction{
		db:          p.DB,
		log:         p.Log.Named("reaction.delivery"),
		markers:     p.Markers,
		alerts:      p.Alerts,
		notify:      p.Notify,
		provider:    p.Provider,
		metrics:     p.Metrics,
		maxAttempts: maxAttempts,
	}
}

func (r *Reaction) Kind() string { return ReactionKind }

func (r *Reaction) Applies(event *alertdomain.ChangeEvent) bool {
	return event.EventKind == alertdomain.EventApproved
}

func (r *Reaction) Apply(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error {
	claimed, err := r.markers.Claim(ctx, r.db, event.AlertID, event.Version, ReactionKind)
	if err != nil {
		return err
	}
	if !claimed {
		if r.metrics != nil {
			r.metrics.RecordReactionSkipped(ctx, ReactionKind)
		}
		return nil
	}

	log := obslogger.WithContext(ctx, r.log).With(
		zap.String("alert_id", event.AlertID.String()),
		zap.Int64("version", event.Version),
	)

	// Re-read right before sending: an approval followed by a quick
	// cancel must not page anyone.
	current, err := r.alerts.GetByID(ctx, event.AlertID)
	if err != nil {
		// the dispatcher's copy may be stale but still carries id and channel
		stale := alert
		if stale == nil {
			stale = &alertdomain.Alert{ID: event.AlertID}
		}
		return r.surfaceFailure(ctx, log, stale, err,
			fmt.Sprintf("delivery aborted, alert unreadable before send: %s", err))
	}
	if current.State != alertdomain.StateApproved {
		log.Info("delivery skipped, alert no longer approved",
			zap.String("state", string(current.State)))
		if r.metrics != nil {
			r.metrics.RecordReactionSkipped(ctx, ReactionKind)
		}
		return nil
	}

	dispatch := provider.Dispatch{
		AlertID:     current.ID,
		Headline:    current.Headline,
		Description: current.Description,
		Severity:    current.Severity,
		Channel:     current.Channel,
		ExpiryAt:    current.ExpiryAt,
	}

	operation := func() (provider.Ack, error) {
		return r.provider.Send(ctx, dispatch)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	ack, sendErr := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)
	if sendErr != nil {
		return r.surfaceFailure(ctx, log, &current, sendErr,
			fmt.Sprintf("delivery failed after %d attempts: %s", r.maxAttempts, sendErr))
	}

	log.Info("alert dispatched",
		zap.String("channel", string(current.Channel)),
		zap.String("reference", ack.Reference),
	)

	if _, err := r.alerts.MarkDelivered(ctx, alertdomain.MarkDeliveredRequest{
		ID:              current.ID,
		ExpectedVersion: current.Version,
	}); err != nil {
		if errors.Is(err, alertdomain.ErrConcurrencyConflict) || errors.Is(err, alertdomain.ErrIllegalTransition) {
			// a concurrent cancel won the race; the send already happened
			// and the cancel path owns the final state
			log.Warn("delivered alert not transitioned", zap.Error(err))
			return nil
		}
		return r.surfaceFailure(ctx, log, &current, err,
			fmt.Sprintf("sent on %s but not recorded as delivered: %s", current.Channel, err))
	}
	return nil
}

// surfaceFailure flags the alert and pages an operator. Every error
// that reaches here already consumed the marker, so logging and
// returning it would drop the delivery without a trace.
func (r *Reaction) surfaceFailure(ctx context.Context, log *zap.Logger, alert *alertdomain.Alert, cause error, message string) error {
	log.Error("delivery not completed", zap.Error(cause))
	if r.metrics != nil {
		obsmetrics.Worker().IncReactionError(obsmetrics.ReactionStageDelivery, obsmetrics.ClassifyWorkerErrorType(cause))
	}

	if err := r.alerts.MarkDeliveryFailed(ctx, alert.ID, cause.Error()); err != nil {
		return err
	}
	if err := r.notify.Publish(ctx, notify.PublishRequest{
		Kind:    notify.KindDeliveryFailed,
		AlertID: alert.ID,
		Message: message,
		Metadata: map[string]any{
			"attempts": r.maxAttempts,
			"channel":  string(alert.Channel),
		},
	}); err != nil {
		log.Warn("delivery failure notification not published", zap.Error(err))
	}
	return nil
}
