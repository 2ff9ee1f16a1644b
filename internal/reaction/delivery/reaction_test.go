package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	alertrepo "github.com/geowarn/geowarn/internal/alert/repository"
	alertservice "github.com/geowarn/geowarn/internal/alert/service"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/notify"
	provider "github.com/geowarn/geowarn/internal/provider/delivery"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stubProvider struct {
	failures int
	calls    int
}

func (p *stubProvider) Send(ctx context.Context, dispatch provider.Dispatch) (provider.Ack, error) {
	p.calls++
	if p.calls <= p.failures {
		return provider.Ack{}, errors.New("relay unavailable")
	}
	return provider.Ack{Reference: "ref-1", SentAt: time.Now().UTC()}, nil
}

type fixture struct {
	reaction *Reaction
	db       *gorm.DB
	node     *snowflake.Node
	alerts   alertdomain.Service
	notifier notify.Service
	repo     alertdomain.Repository
	provider *stubProvider
	clock    *clock.FakeClock
}

// flakyAlerts fails selected calls once, then delegates.
type flakyAlerts struct {
	alertdomain.Service
	getByIDErr       error
	markDeliveredErr error
}

func (s *flakyAlerts) GetByID(ctx context.Context, id snowflake.ID) (alertdomain.Alert, error) {
	if err := s.getByIDErr; err != nil {
		s.getByIDErr = nil
		return alertdomain.Alert{}, err
	}
	return s.Service.GetByID(ctx, id)
}

func (s *flakyAlerts) MarkDelivered(ctx context.Context, req alertdomain.MarkDeliveredRequest) (alertdomain.Alert, error) {
	if err := s.markDeliveredErr; err != nil {
		s.markDeliveredErr = nil
		return alertdomain.Alert{}, err
	}
	return s.Service.MarkDelivered(ctx, req)
}

func newFixture(t *testing.T, failures int) *fixture {
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

	alerts := alertservice.New(alertservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repo,
	})
	notifier := notify.NewService(notify.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  notify.ProvideRepository(),
	})

	stub := &stubProvider{failures: failures}
	reaction := NewReaction(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   config.Config{Worker: config.WorkerConfig{DeliveryAttempts: 2}},
		Markers:  changefeed.NewMarkerStore(node, fake),
		Alerts:   alerts,
		Notify:   notifier,
		Provider: stub,
	})
	return &fixture{
		reaction: reaction, db: db, node: node,
		alerts: alerts, notifier: notifier, repo: repo, provider: stub, clock: fake,
	}
}

func (f *fixture) withAlerts(svc alertdomain.Service) *Reaction {
	return NewReaction(Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		Config:   config.Config{Worker: config.WorkerConfig{DeliveryAttempts: 2}},
		Markers:  changefeed.NewMarkerStore(f.node, f.clock),
		Alerts:   svc,
		Notify:   f.notifier,
		Provider: f.provider,
	})
}

func (f *fixture) seedApproved(t *testing.T) *alertdomain.Alert {
	t.Helper()
	now := f.clock.Now()
	alert := &alertdomain.Alert{
		ID:          f.node.Generate(),
		Version:     3,
		State:       alertdomain.StateApproved,
		Headline:    "Flash flood warning",
		Description: "River levels rising fast",
		Severity:    alertdomain.SeveritySevere,
		Channel:     alertdomain.ChannelEmail,
		Areas:       datatypes.JSON(`[[{"lat":0,"lon":0},{"lat":0,"lon":1},{"lat":1,"lon":1}]]`),
		ExpiryAt:    now.Add(6 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
		ApprovedBy:  "ops.lead",
	}
	require.NoError(t, f.db.Exec(
		`INSERT INTO alerts (id, version, state, headline, description, severity, channel, areas,
			expiry_at, created_at, updated_at, approved_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Version, alert.State, alert.Headline, alert.Description,
		alert.Severity, alert.Channel, alert.Areas, alert.ExpiryAt,
		alert.CreatedAt, alert.UpdatedAt, alert.ApprovedBy,
	).Error)
	return alert
}

func approvalEvent(alert *alertdomain.Alert) *alertdomain.ChangeEvent {
	return &alertdomain.ChangeEvent{
		AlertID:     alert.ID,
		Version:     alert.Version,
		PriorState:  alertdomain.StatePendingApproval,
		NewState:    alertdomain.StateApproved,
		EventKind:   alertdomain.EventApproved,
		CommittedAt: alert.UpdatedAt,
	}
}

func TestApplySendsAndMarksDelivered(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)

	require.NoError(t, f.reaction.Apply(context.Background(), approvalEvent(alert), alert))
	assert.Equal(t, 1, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.StateDelivered, current.State)
	assert.Equal(t, int64(4), current.Version)
	require.NotNil(t, current.DeliveredAt)
}

func TestApplySkipsReplayedRecord(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)
	event := approvalEvent(alert)

	require.NoError(t, f.reaction.Apply(context.Background(), event, alert))
	require.NoError(t, f.reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 1, f.provider.calls)
}

func TestApplySkipsWhenNoLongerApproved(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)
	event := approvalEvent(alert)

	_, err := f.alerts.Cancel(context.Background(), alertdomain.CancelAlertRequest{
		ID:              alert.ID,
		ExpectedVersion: alert.Version,
		Actor:           "ops.lead",
	})
	require.NoError(t, err)

	require.NoError(t, f.reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 0, f.provider.calls)
}

func TestApplyRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, 1)
	alert := f.seedApproved(t)

	require.NoError(t, f.reaction.Apply(context.Background(), approvalEvent(alert), alert))
	assert.Equal(t, 2, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.StateDelivered, current.State)
}

func TestApplySurfacesRecordingFailureAfterSend(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)
	event := approvalEvent(alert)
	reaction := f.withAlerts(&flakyAlerts{
		Service:          f.alerts,
		markDeliveredErr: errors.New("db connection reset"),
	})

	require.NoError(t, reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 1, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.StateApproved, current.State)
	require.NotNil(t, current.DeliveryFailedAt)
	assert.Contains(t, current.DeliveryError, "db connection reset")

	var notifications []notify.Notification
	require.NoError(t, f.db.Find(&notifications).Error)
	require.Len(t, notifications, 1)
	assert.Equal(t, notify.KindDeliveryFailed, notifications[0].Kind)
	assert.Contains(t, notifications[0].Message, "not recorded as delivered")

	// the marker consumed the record; a replay must not send again
	require.NoError(t, reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 1, f.provider.calls)
}

func TestApplyToleratesCancelRaceAfterSend(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)
	reaction := f.withAlerts(&flakyAlerts{
		Service:          f.alerts,
		markDeliveredErr: alertdomain.ErrConcurrencyConflict,
	})

	require.NoError(t, reaction.Apply(context.Background(), approvalEvent(alert), alert))
	assert.Equal(t, 1, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Nil(t, current.DeliveryFailedAt)

	var count int64
	require.NoError(t, f.db.Model(&notify.Notification{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestApplySurfacesUnreadableAlertAfterClaim(t *testing.T) {
	f := newFixture(t, 0)
	alert := f.seedApproved(t)
	event := approvalEvent(alert)
	reaction := f.withAlerts(&flakyAlerts{
		Service:    f.alerts,
		getByIDErr: errors.New("db connection reset"),
	})

	require.NoError(t, reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 0, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	require.NotNil(t, current.DeliveryFailedAt)
	assert.Contains(t, current.DeliveryError, "db connection reset")

	var notifications []notify.Notification
	require.NoError(t, f.db.Find(&notifications).Error)
	require.Len(t, notifications, 1)
	assert.Contains(t, notifications[0].Message, "unreadable before send")

	require.NoError(t, reaction.Apply(context.Background(), event, alert))
	assert.Equal(t, 0, f.provider.calls)
	require.NoError(t, f.db.Find(&notifications).Error)
	require.Len(t, notifications, 1)
}

func TestApplyExhaustionMarksFailureAndNotifies(t *testing.T) {
	f := newFixture(t, 10)
	alert := f.seedApproved(t)

	require.NoError(t, f.reaction.Apply(context.Background(), approvalEvent(alert), alert))
	assert.Equal(t, 2, f.provider.calls)

	current, err := f.alerts.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	// the alert stays approved; only operational metadata records the failure
	assert.Equal(t, alertdomain.StateApproved, current.State)
	assert.Equal(t, int64(3), current.Version)
	require.NotNil(t, current.DeliveryFailedAt)
	assert.Contains(t, current.DeliveryError, "relay unavailable")

	var notifications []notify.Notification
	require.NoError(t, f.db.Find(&notifications).Error)
	require.Len(t, notifications, 1)
	assert.Equal(t, notify.KindDeliveryFailed, notifications[0].Kind)
}
