package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	for _, ddl := range []string{
		`CREATE TABLE reaction_markers (
			id BIGINT PRIMARY KEY,
			alert_id BIGINT NOT NULL,
			version BIGINT NOT NULL,
			reaction TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			UNIQUE (alert_id, version, reaction)
		)`,
		`CREATE TABLE expiry_warnings (
			id BIGINT PRIMARY KEY,
			alert_id BIGINT NOT NULL,
			lead BIGINT NOT NULL,
			warn_at TIMESTAMP NOT NULL,
			fired_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (alert_id, lead)
		)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newTestReaction(t *testing.T, db *gorm.DB, fake *clock.FakeClock, leads []time.Duration) *Reaction {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := config.Config{}
	cfg.Worker.ExpiryLeadTimes = leads
	return NewReaction(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Config:  cfg,
		GenID:   node,
		Clock:   fake,
		Markers: changefeed.NewMarkerStore(node, fake),
	})
}

func createdEvent(alertID snowflake.ID) *alertdomain.ChangeEvent {
	return &alertdomain.ChangeEvent{
		AlertID:   alertID,
		Version:   1,
		NewState:  alertdomain.StateDraft,
		EventKind: alertdomain.EventCreated,
	}
}

func TestAppliesOnCreationOnly(t *testing.T) {
	r := newTestReaction(t, openTestDB(t), clock.NewFakeClock(time.Now()), nil)
	assert.True(t, r.Applies(&alertdomain.ChangeEvent{EventKind: alertdomain.EventCreated}))
	assert.False(t, r.Applies(&alertdomain.ChangeEvent{EventKind: alertdomain.EventApproved}))
	assert.False(t, r.Applies(&alertdomain.ChangeEvent{EventKind: alertdomain.EventExpired}))
}

func TestApplyArmsOneWarningPerLead(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := newTestReaction(t, db, fake, []time.Duration{time.Hour, 15 * time.Minute})

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	alert := &alertdomain.Alert{
		ID:       node.Generate(),
		ExpiryAt: fake.Now().Add(6 * time.Hour),
	}

	require.NoError(t, r.Apply(context.Background(), createdEvent(alert.ID), alert))

	var warnings []ExpiryWarning
	require.NoError(t, db.Order("lead DESC").Find(&warnings).Error)
	require.Len(t, warnings, 2)
	assert.Equal(t, time.Hour, warnings[0].Lead)
	assert.Equal(t, alert.ExpiryAt.Add(-time.Hour), warnings[0].WarnAt.UTC())
	assert.Equal(t, 15*time.Minute, warnings[1].Lead)
	assert.Equal(t, alert.ExpiryAt.Add(-15*time.Minute), warnings[1].WarnAt.UTC())

	// replayed record is a no-op
	require.NoError(t, r.Apply(context.Background(), createdEvent(alert.ID), alert))
	require.NoError(t, db.Find(&warnings).Error)
	assert.Len(t, warnings, 2)
}

func TestApplySkipsLeadsAlreadyInThePast(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := newTestReaction(t, db, fake, []time.Duration{time.Hour, 15 * time.Minute})

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	// expires in 30m: the one hour lead is already behind us
	alert := &alertdomain.Alert{
		ID:       node.Generate(),
		ExpiryAt: fake.Now().Add(30 * time.Minute),
	}

	require.NoError(t, r.Apply(context.Background(), createdEvent(alert.ID), alert))

	var warnings []ExpiryWarning
	require.NoError(t, db.Find(&warnings).Error)
	require.Len(t, warnings, 1)
	assert.Equal(t, 15*time.Minute, warnings[0].Lead)
}
