package expiry

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ReactionKind = "expiry_warn"

// ExpiryWarning is one armed pre-expiry reminder. warn_at is derived
// from the alert's expiry minus a configured lead time; the warning
// job fires due rows for alerts that are still active.
type ExpiryWarning struct {
	ID        snowflake.ID  `gorm:"primaryKey" json:"id"`
	AlertID   snowflake.ID  `gorm:"not null;uniqueIndex:ux_expiry_warnings,priority:1" json:"alert_id"`
	Lead      time.Duration `gorm:"not null;uniqueIndex:ux_expiry_warnings,priority:2" json:"lead"`
	WarnAt    time.Time     `gorm:"not null;index" json:"warn_at"`
	FiredAt   *time.Time    `json:"fired_at,omitempty"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
}

func (ExpiryWarning) TableName() string { return "expiry_warnings" }

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Markers *changefeed.MarkerStore
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Reaction arms expiry warnings when an alert is created. Lead times
// already in the past at creation are not armed.
type Reaction struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	markers *changefeed.MarkerStore
	metrics *obsmetrics.Metrics
	leads   []time.Duration
}

func NewReaction(p Params) *Reaction {
	leads := p.Config.Worker.ExpiryLeadTimes
	if len(leads) == 0 {
		leads = []time.Duration{time.Hour, 15 * time.Minute}
	}
	return &Reaction{
		db:      p.DB,
		log:     p.Log.Named("reaction.expiry"),
		genID:   p.GenID,
		clock:   p.Clock,
		markers: p.Markers,
		metrics: p.Metrics,
		leads:   leads,
	}
}

func (r *Reaction) Kind() string { return ReactionKind }

func (r *Reaction) Applies(event *alertdomain.ChangeEvent) bool {
	return event.EventKind == alertdomain.EventCreated
}

func (r *Reaction) Apply(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error {
	if alert == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := r.markers.Claim(ctx, tx, event.AlertID, event.Version, ReactionKind)
		if err != nil {
			return err
		}
		if !claimed {
			if r.metrics != nil {
				r.metrics.RecordReactionSkipped(ctx, ReactionKind)
			}
			return nil
		}

		now := r.clock.Now()
		for _, lead := range r.leads {
			warnAt := alert.ExpiryAt.Add(-lead)
			if !warnAt.After(now) {
				continue
			}
			err := tx.Exec(
				`INSERT INTO expiry_warnings (id, alert_id, lead, warn_at, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				r.genID.Generate(),
				alert.ID,
				int64(lead),
				warnAt,
				now,
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
