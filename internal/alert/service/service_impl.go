package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert/domain"
	auditdomain "github.com/geowarn/geowarn/internal/audit/domain"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/dashboard"
	"github.com/geowarn/geowarn/internal/geometry"
	obslogger "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Hub     *dashboard.Hub      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
	Audit   auditdomain.Service `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	hub     *dashboard.Hub
	metrics *obsmetrics.Metrics
	audit   auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("alert.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		hub:     p.Hub,
		metrics: p.Metrics,
		audit:   p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateAlertRequest) (domain.Alert, error) {
	headline := strings.TrimSpace(req.Headline)
	if headline == "" {
		return domain.Alert{}, domain.ErrMissingHeadline
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return domain.Alert{}, domain.ErrMissingDescription
	}
	if !req.Severity.Valid() {
		return domain.Alert{}, domain.ErrInvalidSeverity
	}
	if !req.Channel.Valid() {
		return domain.Alert{}, domain.ErrInvalidChannel
	}
	if len(req.Areas) == 0 {
		return domain.Alert{}, domain.ErrMissingAreas
	}

	rings := make([]geometry.Ring, 0, len(req.Areas))
	for _, points := range req.Areas {
		ring, err := geometry.Validate(points)
		if err != nil {
			return domain.Alert{}, err
		}
		rings = append(rings, ring)
	}
	areas, err := domain.EncodeAreas(rings)
	if err != nil {
		return domain.Alert{}, err
	}

	now := s.clock.Now()
	if !req.ExpiryAt.After(now) {
		return domain.Alert{}, domain.ErrInvalidExpiry
	}

	state := domain.StateDraft
	if req.Submit {
		state = domain.StatePendingApproval
	}

	alert := domain.Alert{
		ID:          s.genID.Generate(),
		Version:     1,
		State:       state,
		Headline:    headline,
		Description: description,
		Severity:    req.Severity,
		Channel:     req.Channel,
		Areas:       areas,
		ExpiryAt:    req.ExpiryAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	event := &domain.ChangeEvent{
		ID:          s.genID.Generate(),
		AlertID:     alert.ID,
		Version:     alert.Version,
		NewState:    alert.State,
		EventKind:   domain.EventCreated,
		CommittedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, &alert, event); err != nil {
		return domain.Alert{}, err
	}

	s.afterCommit(ctx, &alert, event, req.Actor, "alert.create")
	return alert, nil
}

func (s *Service) Submit(ctx context.Context, req domain.SubmitAlertRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, req.Actor, "alert.submit", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.Submit(s.clock.Now())
	})
}

func (s *Service) Approve(ctx context.Context, req domain.ApproveAlertRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, req.Approver, "alert.approve", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.Approve(req.Approver, s.clock.Now())
	})
}

func (s *Service) Reject(ctx context.Context, req domain.RejectAlertRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, req.Actor, "alert.reject", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.Reject(req.Reason, s.clock.Now())
	})
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelAlertRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, req.Actor, "alert.cancel", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.Cancel(s.clock.Now())
	})
}

func (s *Service) MarkDelivered(ctx context.Context, req domain.MarkDeliveredRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, "system", "alert.deliver", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.MarkDelivered(s.clock.Now())
	})
}

func (s *Service) Expire(ctx context.Context, req domain.ExpireAlertRequest) (domain.Alert, error) {
	return s.transition(ctx, req.ID, req.ExpectedVersion, "system", "alert.expire", func(alert *domain.Alert) (domain.EventKind, error) {
		return alert.Expire(s.clock.Now())
	})
}

// transition is the single command path: read, verify the caller's
// expected version, apply the aggregate transition, then commit through
// the repository CAS. Conflicts are surfaced, never auto-retried.
func (s *Service) transition(ctx context.Context, id snowflake.ID, expectedVersion int64, actor, action string, fn func(*domain.Alert) (domain.EventKind, error)) (domain.Alert, error) {
	if id == 0 {
		return domain.Alert{}, domain.ErrInvalidID
	}

	alert, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Alert{}, err
	}
	if alert == nil {
		return domain.Alert{}, domain.ErrNotFound
	}
	if alert.Version != expectedVersion {
		return domain.Alert{}, domain.ErrConcurrencyConflict
	}

	priorState := alert.State
	kind, err := fn(alert)
	if err != nil {
		return domain.Alert{}, err
	}

	event := &domain.ChangeEvent{
		ID:          s.genID.Generate(),
		AlertID:     alert.ID,
		Version:     alert.Version,
		PriorState:  priorState,
		NewState:    alert.State,
		EventKind:   kind,
		CommittedAt: s.clock.Now(),
	}

	if err := s.repo.CommitTransition(ctx, s.db, alert, expectedVersion, event); err != nil {
		if s.metrics != nil {
			s.metrics.RecordTransitionDenied(ctx, "concurrency_conflict")
		}
		return domain.Alert{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordAlertTransition(ctx, string(priorState), string(alert.State))
	}
	s.afterCommit(ctx, alert, event, actor, action)
	return *alert, nil
}

// afterCommit pushes the dashboard snapshot and writes the audit trail.
// Both run post-commit, fire-and-forget; neither can fail the command.
func (s *Service) afterCommit(ctx context.Context, alert *domain.Alert, event *domain.ChangeEvent, actor, action string) {
	if s.hub != nil {
		s.hub.Publish(domain.SnapshotOf(alert, event.EventKind, event.CommittedAt))
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, auditdomain.Entry{
			Actor:      strings.TrimSpace(actor),
			Action:     action,
			TargetType: "alert",
			TargetID:   alert.ID.String(),
			Metadata: map[string]any{
				"version":    alert.Version,
				"state":      string(alert.State),
				"event_kind": string(event.EventKind),
			},
		}); err != nil {
			obslogger.WithContext(ctx, s.log).Warn("audit record failed", zap.Error(err))
		}
	}
	obslogger.WithContext(ctx, s.log).Info("alert committed",
		zap.String("alert_id", alert.ID.String()),
		zap.Int64("version", alert.Version),
		zap.String("state", string(alert.State)),
		zap.String("event_kind", string(event.EventKind)),
	)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Alert, error) {
	if id == 0 {
		return domain.Alert{}, domain.ErrInvalidID
	}
	alert, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Alert{}, err
	}
	if alert == nil {
		return domain.Alert{}, domain.ErrNotFound
	}
	return *alert, nil
}

func (s *Service) List(ctx context.Context, req domain.ListAlertsRequest) (domain.ListAlertsResponse, error) {
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 25
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		State:    req.State,
		Severity: req.Severity,
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListAlertsResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(alert *domain.Alert) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        alert.ID.String(),
			CreatedAt: alert.CreatedAt.Format("2006-01-02T15:04:05.999999Z07:00"),
		})
		return token
	})

	alerts := make([]domain.Alert, 0, len(items))
	for _, item := range items {
		alerts = append(alerts, *item)
	}

	return domain.ListAlertsResponse{
		PageInfo: *pageInfo,
		Alerts:   alerts,
	}, nil
}

func (s *Service) ListEvents(ctx context.Context, id snowflake.ID) ([]domain.ChangeEvent, error) {
	if id == 0 {
		return nil, domain.ErrInvalidID
	}
	items, err := s.repo.ListEvents(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	events := make([]domain.ChangeEvent, 0, len(items))
	for _, item := range items {
		events = append(events, *item)
	}
	return events, nil
}

func (s *Service) MarkDeliveryFailed(ctx context.Context, id snowflake.ID, reason string) error {
	if id == 0 {
		return domain.ErrInvalidID
	}
	return s.repo.MarkDeliveryFailed(ctx, s.db, id, s.clock.Now(), reason)
}
