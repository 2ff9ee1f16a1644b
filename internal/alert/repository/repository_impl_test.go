package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE alerts (
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
	)`).Error)

	require.NoError(t, db.Exec(`CREATE TABLE alert_change_events (
		id BIGINT PRIMARY KEY,
		alert_id BIGINT NOT NULL,
		version BIGINT NOT NULL,
		prior_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		committed_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP,
		UNIQUE (alert_id, version)
	)`).Error)

	return db
}

func seedAlert(t *testing.T, db *gorm.DB, repo domain.Repository, node *snowflake.Node, state domain.State) *domain.Alert {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	alert := &domain.Alert{
		ID:          node.Generate(),
		Version:     1,
		State:       state,
		Headline:    "Flash flood warning",
		Description: "River levels rising fast",
		Severity:    domain.SeveritySevere,
		Channel:     domain.ChannelBoth,
		Areas:       datatypes.JSON(`[[{"lat":0,"lon":0},{"lat":0,"lon":1},{"lat":1,"lon":1}]]`),
		ExpiryAt:    now.Add(6 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	event := &domain.ChangeEvent{
		ID:          node.Generate(),
		AlertID:     alert.ID,
		Version:     1,
		NewState:    alert.State,
		EventKind:   domain.EventCreated,
		CommittedAt: now,
	}
	require.NoError(t, repo.Insert(context.Background(), db, alert, event))
	return alert
}

func TestInsertWritesAlertAndChangeEvent(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)

	alert := seedAlert(t, db, repo, node, domain.StateDraft)

	found, err := repo.FindByID(context.Background(), db, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.StateDraft, found.State)
	assert.Equal(t, int64(1), found.Version)

	events, err := repo.ListEvents(context.Background(), db, alert.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCreated, events[0].EventKind)
}

func TestFindByIDMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()

	found, err := repo.FindByID(context.Background(), db, snowflake.ID(404))
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestCommitTransitionWinsOncePerVersion(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	alert := seedAlert(t, db, repo, node, domain.StateDraft)
	now := alert.CreatedAt.Add(time.Minute)

	updated := *alert
	_, err := updated.Submit(now)
	require.NoError(t, err)
	event := &domain.ChangeEvent{
		ID:          node.Generate(),
		AlertID:     alert.ID,
		Version:     updated.Version,
		PriorState:  domain.StateDraft,
		NewState:    updated.State,
		EventKind:   domain.EventSubmitted,
		CommittedAt: now,
	}
	require.NoError(t, repo.CommitTransition(ctx, db, &updated, 1, event))

	// second writer still holding version 1 loses
	stale := *alert
	_, err = stale.Submit(now)
	require.NoError(t, err)
	staleEvent := &domain.ChangeEvent{
		ID:          node.Generate(),
		AlertID:     alert.ID,
		Version:     stale.Version,
		PriorState:  domain.StateDraft,
		NewState:    stale.State,
		EventKind:   domain.EventSubmitted,
		CommittedAt: now,
	}
	err = repo.CommitTransition(ctx, db, &stale, 1, staleEvent)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	events, err := repo.ListEvents(ctx, db, alert.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	found, err := repo.FindByID(ctx, db, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.Version)
	assert.Equal(t, domain.StatePendingApproval, found.State)
}

func TestCommitTransitionKeepsFirstDecisionTimestamp(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	alert := seedAlert(t, db, repo, node, domain.StatePendingApproval)
	decidedAt := alert.CreatedAt.Add(time.Minute)

	approved := *alert
	_, err := approved.Approve("ops.lead", decidedAt)
	require.NoError(t, err)
	require.NoError(t, repo.CommitTransition(ctx, db, &approved, 1, &domain.ChangeEvent{
		ID: node.Generate(), AlertID: alert.ID, Version: approved.Version,
		PriorState: domain.StatePendingApproval, NewState: approved.State,
		EventKind: domain.EventApproved, CommittedAt: decidedAt,
	}))

	delivered := approved
	deliveredAt := decidedAt.Add(time.Minute)
	_, err = delivered.MarkDelivered(deliveredAt)
	require.NoError(t, err)
	require.NoError(t, repo.CommitTransition(ctx, db, &delivered, 2, &domain.ChangeEvent{
		ID: node.Generate(), AlertID: alert.ID, Version: delivered.Version,
		PriorState: domain.StateApproved, NewState: delivered.State,
		EventKind: domain.EventDeliveryTriggered, CommittedAt: deliveredAt,
	}))

	found, err := repo.FindByID(ctx, db, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, found.ApprovalDecidedAt)
	assert.Equal(t, decidedAt, found.ApprovalDecidedAt.UTC())
	require.NotNil(t, found.DeliveredAt)
}

func TestListEventsOrderedByVersion(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	alert := seedAlert(t, db, repo, node, domain.StateDraft)
	now := alert.CreatedAt

	current := *alert
	_, err := current.Submit(now)
	require.NoError(t, err)
	require.NoError(t, repo.CommitTransition(ctx, db, &current, 1, &domain.ChangeEvent{
		ID: node.Generate(), AlertID: alert.ID, Version: 2,
		PriorState: domain.StateDraft, NewState: current.State,
		EventKind: domain.EventSubmitted, CommittedAt: now,
	}))
	_, err = current.Approve("ops.lead", now)
	require.NoError(t, err)
	require.NoError(t, repo.CommitTransition(ctx, db, &current, 2, &domain.ChangeEvent{
		ID: node.Generate(), AlertID: alert.ID, Version: 3,
		PriorState: domain.StatePendingApproval, NewState: current.State,
		EventKind: domain.EventApproved, CommittedAt: now,
	}))

	events, err := repo.ListEvents(ctx, db, alert.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Version)
	}
}

func TestListActiveWithAreasExcludesTerminalAndSelf(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	self := seedAlert(t, db, repo, node, domain.StateApproved)
	other := seedAlert(t, db, repo, node, domain.StatePendingApproval)
	seedAlert(t, db, repo, node, domain.StateExpired)

	active, err := repo.ListActiveWithAreas(ctx, db, self.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, other.ID, active[0].ID)
}

func TestMarkDeliveryFailedIsSetOnce(t *testing.T) {
	db := openTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	alert := seedAlert(t, db, repo, node, domain.StateApproved)
	first := alert.CreatedAt.Add(time.Minute)

	require.NoError(t, repo.MarkDeliveryFailed(ctx, db, alert.ID, first, "smtp timeout"))
	require.NoError(t, repo.MarkDeliveryFailed(ctx, db, alert.ID, first.Add(time.Hour), "smtp refused"))

	found, err := repo.FindByID(ctx, db, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, found.DeliveryFailedAt)
	assert.Equal(t, first, found.DeliveryFailedAt.UTC())
	assert.Equal(t, "smtp refused", found.DeliveryError)

	// the version counter is untouched by delivery metadata
	assert.Equal(t, int64(1), found.Version)
}
