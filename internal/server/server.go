package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	auditdomain "github.com/geowarn/geowarn/internal/audit/domain"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/dashboard"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/geowarn/geowarn/internal/observability"
	obsmiddleware "github.com/geowarn/geowarn/internal/observability/logger"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	obstracing "github.com/geowarn/geowarn/internal/observability/tracing"
	"github.com/geowarn/geowarn/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	alertSvc   alertdomain.Service
	notifySvc  notify.Service
	auditSvc   auditdomain.Service
	hub        *dashboard.Hub
	limiter    *ratelimit.CommandLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	DB        *gorm.DB
	GenID     *snowflake.Node
	AlertSvc  alertdomain.Service
	NotifySvc notify.Service
	AuditSvc  auditdomain.Service
	Hub       *dashboard.Hub            `optional:"true"`
	Limiter   *ratelimit.CommandLimiter `optional:"true"`
	Metrics   *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		alertSvc:   p.AlertSvc,
		notifySvc:  p.NotifySvc,
		auditSvc:   p.AuditSvc,
		hub:        p.Hub,
		limiter:    p.Limiter,
		obsMetrics: p.Metrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Alerts --------
	// Commands carry the expected version and go through the per-actor
	// limiter; reads never do.
	api.POST("/alerts", s.CommandRateLimit(), s.CreateAlert)
	api.POST("/alerts/:id/submit", s.CommandRateLimit(), s.SubmitAlert)
	api.POST("/alerts/:id/approve", s.CommandRateLimit(), s.ApproveAlert)
	api.POST("/alerts/:id/reject", s.CommandRateLimit(), s.RejectAlert)
	api.POST("/alerts/:id/cancel", s.CommandRateLimit(), s.CancelAlert)

	api.GET("/alerts", s.ListAlerts)
	api.GET("/alerts/:id", s.GetAlertByID)
	api.GET("/alerts/:id/events", s.ListAlertEvents)
	api.GET("/alerts/:id/stream", s.StreamAlert)

	// -------- Notifications --------
	api.GET("/notifications", s.ListNotifications)

	// -------- Audit --------
	api.GET("/audit-logs", s.ListAuditLogs)
}
