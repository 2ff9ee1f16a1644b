package sla

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

func newTestReaction(t *testing.T) (*Reaction, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE reaction_markers (
		id BIGINT PRIMARY KEY,
		alert_id BIGINT NOT NULL,
		version BIGINT NOT NULL,
		reaction TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		UNIQUE (alert_id, version, reaction)
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE approval_deadlines (
		id BIGINT PRIMARY KEY,
		alert_id BIGINT NOT NULL,
		version BIGINT NOT NULL,
		due_at TIMESTAMP NOT NULL,
		fired_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (alert_id, version)
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	reaction := NewReaction(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Config:  config.Config{Worker: config.WorkerConfig{ApprovalSLA: 30 * time.Minute}},
		GenID:   node,
		Markers: changefeed.NewMarkerStore(node, fake),
	})
	return reaction, db
}

func TestAppliesOnEntryToApprovalQueue(t *testing.T) {
	reaction, _ := newTestReaction(t)

	assert.True(t, reaction.Applies(&alertdomain.ChangeEvent{
		EventKind: alertdomain.EventSubmitted, NewState: alertdomain.StatePendingApproval,
	}))
	assert.True(t, reaction.Applies(&alertdomain.ChangeEvent{
		EventKind: alertdomain.EventCreated, NewState: alertdomain.StatePendingApproval,
	}))
	assert.False(t, reaction.Applies(&alertdomain.ChangeEvent{
		EventKind: alertdomain.EventApproved, NewState: alertdomain.StateApproved,
	}))
}

func TestApplyArmsDeadlineOnce(t *testing.T) {
	reaction, db := newTestReaction(t)
	ctx := context.Background()

	committedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	event := &alertdomain.ChangeEvent{
		AlertID:     snowflake.ID(42),
		Version:     2,
		EventKind:   alertdomain.EventSubmitted,
		NewState:    alertdomain.StatePendingApproval,
		CommittedAt: committedAt,
	}

	require.NoError(t, reaction.Apply(ctx, event, nil))
	// replayed delivery of the same record
	require.NoError(t, reaction.Apply(ctx, event, nil))

	var deadlines []ApprovalDeadline
	require.NoError(t, db.Find(&deadlines).Error)
	require.Len(t, deadlines, 1)
	assert.Equal(t, snowflake.ID(42), deadlines[0].AlertID)
	assert.Equal(t, committedAt.Add(30*time.Minute), deadlines[0].DueAt.UTC())
	assert.Nil(t, deadlines[0].FiredAt)
}
