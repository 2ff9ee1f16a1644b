package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/geometry"
	"github.com/geowarn/geowarn/internal/notify"
	obslogger "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"github.com/geowarn/geowarn/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ReactionKind = "correlate"

// OverlapPair records that two alerts' areas intersect. The pair is
// stored normalized (low id first) so each unordered pair exists at
// most once regardless of which alert was created later.
type OverlapPair struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	AlertLow   snowflake.ID `gorm:"not null;uniqueIndex:ux_overlap_pairs,priority:1" json:"alert_low"`
	AlertHigh  snowflake.ID `gorm:"not null;uniqueIndex:ux_overlap_pairs,priority:2" json:"alert_high"`
	DetectedAt time.Time    `gorm:"not null" json:"detected_at"`
}

func (OverlapPair) TableName() string { return "overlap_pairs" }

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Markers    *changefeed.MarkerStore
	Repo       alertdomain.Repository
	NotifyRepo notify.Repository
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

// Reaction compares a newly created alert's areas against every other
// active alert and raises one overlap notification per new pair. The
// marker, the pair rows and the notifications commit together.
type Reaction struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	markers    *changefeed.MarkerStore
	repo       alertdomain.Repository
	notifyRepo notify.Repository
	metrics    *obsmetrics.Metrics
}

func NewReaction(p Params) *Reaction {
	return &Reaction{
		db:         p.DB,
		log:        p.Log.Named("reaction.correlate"),
		genID:      p.GenID,
		clock:      p.Clock,
		markers:    p.Markers,
		repo:       p.Repo,
		notifyRepo: p.NotifyRepo,
		metrics:    p.Metrics,
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
	rings, err := alert.AreaRings()
	if err != nil {
		return err
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

		others, err := r.repo.ListActiveWithAreas(ctx, tx, alert.ID)
		if err != nil {
			return err
		}

		now := r.clock.Now()
		for _, other := range others {
			otherRings, err := other.AreaRings()
			if err != nil {
				obslogger.WithContext(ctx, r.log).Warn("skipping alert with undecodable areas",
					zap.String("alert_id", other.ID.String()), zap.Error(err))
				continue
			}
			if !anyIntersect(rings, otherRings) {
				continue
			}

			low, high := orderPair(alert.ID, other.ID)
			inserted, err := r.insertPair(ctx, tx, low, high, now)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}

			related := other.ID
			if err := r.notifyRepo.Insert(ctx, tx, &notify.Notification{
				ID:             r.genID.Generate(),
				Kind:           notify.KindOverlapDetected,
				AlertID:        alert.ID,
				RelatedAlertID: &related,
				Message:        fmt.Sprintf("alert area overlaps active alert %s", other.ID),
				Metadata: map[string]any{
					"other_severity": string(other.Severity),
					"other_state":    string(other.State),
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Reaction) insertPair(ctx context.Context, tx *gorm.DB, low, high snowflake.ID, now time.Time) (bool, error) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO overlap_pairs (id, alert_low, alert_high, detected_at)
		 VALUES (?, ?, ?, ?)`,
		r.genID.Generate(),
		low,
		high,
		now,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func anyIntersect(a, b []geometry.Ring) bool {
	for _, ra := range a {
		for _, rb := range b {
			if geometry.Intersects(ra, rb) {
				return true
			}
		}
	}
	return false
}

func orderPair(a, b snowflake.ID) (snowflake.ID, snowflake.ID) {
	if a < b {
		return a, b
	}
	return b, a
}
