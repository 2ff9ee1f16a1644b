package correlate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	alertrepo "github.com/geowarn/geowarn/internal/alert/repository"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	reaction *Reaction
	db       *gorm.DB
	node     *snowflake.Node
	repo     alertdomain.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	for _, ddl := range []string{
		`CREATE TABLE alerts (
			id BIGINT PRIMARY KEY,
			version BIGINT NOT NULL,
			state TEXT NOT NULL,
			headline TEXT NOT NULL,
			description TEXT NOT NULL,
			severity TEXT NOT NULL,
			channel TEXT NOT NULL,
			areas TEXT NOT NULL,
			expiry_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			approval_decided_at TIMESTAMP,
			delivered_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			approved_by TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			delivery_failed_at TIMESTAMP,
			delivery_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE alert_change_events (
			id BIGINT PRIMARY KEY,
			alert_id BIGINT NOT NULL,
			version BIGINT NOT NULL,
			prior_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			committed_at TIMESTAMP NOT NULL,
			dispatched_at TIMESTAMP,
			UNIQUE (alert_id, version)
		)`,
		`CREATE TABLE reaction_markers (
			id BIGINT PRIMARY KEY,
			alert_id BIGINT NOT NULL,
			version BIGINT NOT NULL,
			reaction TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			UNIQUE (alert_id, version, reaction)
		)`,
		`CREATE TABLE overlap_pairs (
			id BIGINT PRIMARY KEY,
			alert_low BIGINT NOT NULL,
			alert_high BIGINT NOT NULL,
			detected_at TIMESTAMP NOT NULL,
			UNIQUE (alert_low, alert_high)
		)`,
		`CREATE TABLE notifications (
			id BIGINT PRIMARY KEY,
			kind TEXT NOT NULL,
			alert_id BIGINT NOT NULL,
			related_alert_id BIGINT,
			message TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := alertrepo.Provide()

	reaction := NewReaction(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		Markers:    changefeed.NewMarkerStore(node, fake),
		Repo:       repo,
		NotifyRepo: notify.ProvideRepository(),
	})
	return &fixture{reaction: reaction, db: db, node: node, repo: repo}
}

// unit square shifted by dx, as stored area JSON
func areaJSON(dx float64) datatypes.JSON {
	return datatypes.JSON(fmt.Sprintf(
		`[[{"lat":0,"lon":%[1]g},{"lat":0,"lon":%[2]g},{"lat":1,"lon":%[2]g},{"lat":1,"lon":%[1]g}]]`,
		dx, dx+1,
	))
}

func (f *fixture) seedAlert(t *testing.T, state alertdomain.State, areas datatypes.JSON) *alertdomain.Alert {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	alert := &alertdomain.Alert{
		ID:          f.node.Generate(),
		Version:     1,
		State:       state,
		Headline:    "Flash flood warning",
		Description: "River levels rising fast",
		Severity:    alertdomain.SeveritySevere,
		Channel:     alertdomain.ChannelEmail,
		Areas:       areas,
		ExpiryAt:    now.Add(6 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	event := &alertdomain.ChangeEvent{
		ID: f.node.Generate(), AlertID: alert.ID, Version: 1,
		NewState: state, EventKind: alertdomain.EventCreated, CommittedAt: now,
	}
	require.NoError(t, f.repo.Insert(context.Background(), f.db, alert, event))
	return alert
}

func TestApplyDetectsOverlapOncePerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := f.seedAlert(t, alertdomain.StateApproved, areaJSON(0))
	created := f.seedAlert(t, alertdomain.StateDraft, areaJSON(0.5))

	event := &alertdomain.ChangeEvent{
		AlertID: created.ID, Version: 1, EventKind: alertdomain.EventCreated,
	}
	require.NoError(t, f.reaction.Apply(ctx, event, created))

	var pairs []OverlapPair
	require.NoError(t, f.db.Find(&pairs).Error)
	require.Len(t, pairs, 1)
	low, high := orderPair(existing.ID, created.ID)
	assert.Equal(t, low, pairs[0].AlertLow)
	assert.Equal(t, high, pairs[0].AlertHigh)

	var notifications []notify.Notification
	require.NoError(t, f.db.Find(&notifications).Error)
	require.Len(t, notifications, 1)
	assert.Equal(t, notify.KindOverlapDetected, notifications[0].Kind)
	assert.Equal(t, created.ID, notifications[0].AlertID)
	require.NotNil(t, notifications[0].RelatedAlertID)
	assert.Equal(t, existing.ID, *notifications[0].RelatedAlertID)

	// replayed record claims nothing and adds nothing
	require.NoError(t, f.reaction.Apply(ctx, event, created))
	require.NoError(t, f.db.Find(&pairs).Error)
	assert.Len(t, pairs, 1)
	require.NoError(t, f.db.Find(&notifications).Error)
	assert.Len(t, notifications, 1)
}

func TestApplyIgnoresDisjointAndTerminalAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAlert(t, alertdomain.StateApproved, areaJSON(5))  // disjoint
	f.seedAlert(t, alertdomain.StateExpired, areaJSON(0.5)) // overlapping but terminal
	created := f.seedAlert(t, alertdomain.StateDraft, areaJSON(0))

	event := &alertdomain.ChangeEvent{
		AlertID: created.ID, Version: 1, EventKind: alertdomain.EventCreated,
	}
	require.NoError(t, f.reaction.Apply(ctx, event, created))

	var pairs []OverlapPair
	require.NoError(t, f.db.Find(&pairs).Error)
	assert.Empty(t, pairs)
}
