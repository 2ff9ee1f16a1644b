package sla

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/config"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ReactionKind = "sla"

// ApprovalDeadline is the armed timer for one submission: when due_at
// passes and the alert is still pending approval, the deadline job
// raises an sla_breach notification and stamps fired_at.
type ApprovalDeadline struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AlertID   snowflake.ID `gorm:"not null;uniqueIndex:ux_approval_deadlines,priority:1" json:"alert_id"`
	Version   int64        `gorm:"not null;uniqueIndex:ux_approval_deadlines,priority:2" json:"version"`
	DueAt     time.Time    `gorm:"not null;index" json:"due_at"`
	FiredAt   *time.Time   `json:"fired_at,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (ApprovalDeadline) TableName() string { return "approval_deadlines" }

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	GenID   *snowflake.Node
	Markers *changefeed.MarkerStore
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Reaction arms an approval deadline whenever an alert enters the
// approval queue. The deadline row and the marker commit in one
// transaction, so a replayed record arms nothing twice.
type Reaction struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	markers *changefeed.MarkerStore
	metrics *obsmetrics.Metrics
	sla     time.Duration
}

func NewReaction(p Params) *Reaction {
	sla := p.Config.Worker.ApprovalSLA
	if sla <= 0 {
		sla = 15 * time.Minute
	}
	return &Reaction{
		db:      p.DB,
		log:     p.Log.Named("reaction.sla"),
		genID:   p.GenID,
		markers: p.Markers,
		metrics: p.Metrics,
		sla:     sla,
	}
}

func (r *Reaction) Kind() string { return ReactionKind }

func (r *Reaction) Applies(event *alertdomain.ChangeEvent) bool {
	return event.NewState == alertdomain.StatePendingApproval
}

func (r *Reaction) Apply(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error {
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
		return tx.Exec(
			`INSERT INTO approval_deadlines (id, alert_id, version, due_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.genID.Generate(),
			event.AlertID,
			event.Version,
			event.CommittedAt.Add(r.sla),
			event.CommittedAt,
		).Error
	})
}
