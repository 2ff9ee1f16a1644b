package changefeed

import (
	"context"
	"errors"
	"sort"

	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	obslogger "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Reaction is one idempotent consumer of the change feed. Applies
// filters by event kind; Apply must claim its marker through the
// MarkerStore before producing side effects.
type Reaction interface {
	Kind() string
	Applies(event *alertdomain.ChangeEvent) bool
	Apply(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error
}

type DispatcherParams struct {
	fx.In

	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
	Reactions []Reaction          `group:"reactions"`
}

// Dispatcher fans one change record out to every applicable reaction.
// Reactions run independently: a failing reaction does not block the
// others, but any failure keeps the feed offset where it is so the
// record is redelivered. Already-applied reactions skip on replay via
// their markers.
type Dispatcher struct {
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	reactions []Reaction
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	reactions := append([]Reaction(nil), p.Reactions...)
	sort.Slice(reactions, func(i, j int) bool {
		return reactions[i].Kind() < reactions[j].Kind()
	})
	return &Dispatcher{
		log:       p.Log.Named("changefeed.dispatcher"),
		metrics:   p.Metrics,
		reactions: reactions,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error {
	var errs []error
	for _, reaction := range d.reactions {
		if !reaction.Applies(event) {
			continue
		}
		if err := reaction.Apply(ctx, event, alert); err != nil {
			obslogger.WithContext(ctx, d.log).Warn("reaction failed",
				zap.String("reaction", reaction.Kind()),
				zap.String("alert_id", event.AlertID.String()),
				zap.Int64("version", event.Version),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if d.metrics != nil {
			d.metrics.RecordReactionApplied(ctx, reaction.Kind())
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if d.metrics != nil {
		d.metrics.RecordChangeDispatched(ctx, string(event.EventKind))
	}
	return nil
}
