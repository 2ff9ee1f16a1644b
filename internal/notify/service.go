package notify

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/clock"
	obslogger "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"github.com/geowarn/geowarn/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) Service {
	return &service{
		db:      p.DB,
		log:     p.Log.Named("notify.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *service) Publish(ctx context.Context, req PublishRequest) error {
	if !req.Kind.Valid() {
		return ErrInvalidKind
	}
	if req.AlertID == 0 {
		return ErrInvalidAlertID
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ErrMissingMessage
	}

	notification := Notification{
		ID:             s.genID.Generate(),
		Kind:           req.Kind,
		AlertID:        req.AlertID,
		RelatedAlertID: req.RelatedAlertID,
		Message:        message,
		Metadata:       datatypes.JSONMap(req.Metadata),
		CreatedAt:      s.clock.Now(),
	}

	if err := s.repo.Insert(ctx, s.db, &notification); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordNotification(ctx, string(req.Kind))
	}
	obslogger.WithContext(ctx, s.log).Info("notification published",
		zap.String("kind", string(req.Kind)),
		zap.String("alert_id", req.AlertID.String()),
	)
	return nil
}

func (s *service) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	if req.Kind != "" && !req.Kind.Valid() {
		return ListResponse{}, ErrInvalidKind
	}

	var cursor *Cursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ListResponse{}, ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return ListResponse{}, ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return ListResponse{}, ErrInvalidPageToken
		}
		cursor = &Cursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, ListFilter{
		Kind:    req.Kind,
		AlertID: req.AlertID,
		Cursor:  cursor,
		Limit:   pageSize,
	})
	if err != nil {
		return ListResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(item *Notification) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})

	notifications := make([]Notification, 0, len(items))
	for _, item := range items {
		notifications = append(notifications, *item)
	}

	resp := ListResponse{Notifications: notifications}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
