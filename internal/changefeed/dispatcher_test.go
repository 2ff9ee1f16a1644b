package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeReaction struct {
	kind    string
	applies func(*alertdomain.ChangeEvent) bool
	err     error
	calls   int
}

func (f *fakeReaction) Kind() string { return f.kind }

func (f *fakeReaction) Applies(event *alertdomain.ChangeEvent) bool {
	if f.applies == nil {
		return true
	}
	return f.applies(event)
}

func (f *fakeReaction) Apply(ctx context.Context, event *alertdomain.ChangeEvent, alert *alertdomain.Alert) error {
	f.calls++
	return f.err
}

func TestDispatchFansOutToApplicableReactions(t *testing.T) {
	onApproved := &fakeReaction{kind: "delivery", applies: func(e *alertdomain.ChangeEvent) bool {
		return e.EventKind == alertdomain.EventApproved
	}}
	always := &fakeReaction{kind: "sla"}
	dispatcher := NewDispatcher(DispatcherParams{
		Log:       zap.NewNop(),
		Reactions: []Reaction{onApproved, always},
	})

	event := &alertdomain.ChangeEvent{AlertID: 1, Version: 2, EventKind: alertdomain.EventSubmitted}
	require.NoError(t, dispatcher.Dispatch(context.Background(), event, &alertdomain.Alert{ID: 1}))
	assert.Equal(t, 0, onApproved.calls)
	assert.Equal(t, 1, always.calls)
}

func TestDispatchFailureDoesNotBlockOtherReactions(t *testing.T) {
	failing := &fakeReaction{kind: "correlate", err: errors.New("boom")}
	healthy := &fakeReaction{kind: "sla"}
	dispatcher := NewDispatcher(DispatcherParams{
		Log:       zap.NewNop(),
		Reactions: []Reaction{failing, healthy},
	})

	event := &alertdomain.ChangeEvent{AlertID: 1, Version: 2, EventKind: alertdomain.EventSubmitted}
	err := dispatcher.Dispatch(context.Background(), event, &alertdomain.Alert{ID: 1})
	require.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestMarkerClaimIsIdempotent(t *testing.T) {
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

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store := NewMarkerStore(node, clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	claimed, err := store.Claim(ctx, db, snowflake.ID(1), 2, "delivery")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.Claim(ctx, db, snowflake.ID(1), 2, "delivery")
	require.NoError(t, err)
	assert.False(t, claimed)

	// a different reaction for the same record claims independently
	claimed, err = store.Claim(ctx, db, snowflake.ID(1), 2, "sla")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestOffsetAdvanceAndHalt(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE feed_offsets (
		alert_id BIGINT NOT NULL,
		consumer TEXT NOT NULL,
		last_version BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		halted_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (alert_id, consumer)
	)`).Error)

	store := NewOffsetStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	offset, err := store.Get(ctx, db, snowflake.ID(1), ConsumerReactions)
	require.NoError(t, err)
	assert.Nil(t, offset)

	require.NoError(t, store.Advance(ctx, db, &FeedOffset{
		AlertID: 1, Consumer: ConsumerReactions, LastVersion: 1, UpdatedAt: now,
	}))
	require.NoError(t, store.Advance(ctx, db, &FeedOffset{
		AlertID: 1, Consumer: ConsumerReactions, LastVersion: 2, UpdatedAt: now,
	}))

	offset, err = store.Get(ctx, db, snowflake.ID(1), ConsumerReactions)
	require.NoError(t, err)
	require.NotNil(t, offset)
	assert.Equal(t, int64(2), offset.LastVersion)
	assert.Nil(t, offset.HaltedAt)

	haltedAt := now.Add(time.Minute)
	require.NoError(t, store.Halt(ctx, db, &FeedOffset{
		AlertID: 1, Consumer: ConsumerReactions, LastVersion: 2,
		UpdatedAt: haltedAt, HaltedAt: &haltedAt, LastError: ErrFeedIntegrity.Error(),
	}))

	offset, err = store.Get(ctx, db, snowflake.ID(1), ConsumerReactions)
	require.NoError(t, err)
	require.NotNil(t, offset.HaltedAt)
	assert.Equal(t, ErrFeedIntegrity.Error(), offset.LastError)

	// advancing again clears the halt
	require.NoError(t, store.Advance(ctx, db, &FeedOffset{
		AlertID: 1, Consumer: ConsumerReactions, LastVersion: 3, UpdatedAt: haltedAt,
	}))
	offset, err = store.Get(ctx, db, snowflake.ID(1), ConsumerReactions)
	require.NoError(t, err)
	assert.Nil(t, offset.HaltedAt)
	assert.Equal(t, int64(3), offset.LastVersion)
}
