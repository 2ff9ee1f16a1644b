package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/notify"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Alerts     alertdomain.Service
	Repo       alertdomain.Repository
	Notify     notify.Service
	Dispatcher *changefeed.Dispatcher
	Events     *changefeed.EventStore
	Offsets    *changefeed.OffsetStore
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
}

// Worker drives the asynchronous half of the alert lifecycle: change
// feed dispatch, approval deadlines, expiry warnings and expiry
// transitions. Every job is a safe re-run; all state that matters is
// guarded by markers, unique keys or version CAS.
type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	alerts     alertdomain.Service
	repo       alertdomain.Repository
	notify     notify.Service
	dispatcher *changefeed.Dispatcher
	events     *changefeed.EventStore
	offsets    *changefeed.OffsetStore
}

func New(p Params) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.Alerts == nil || p.Repo == nil || p.Notify == nil ||
		p.Dispatcher == nil || p.Events == nil || p.Offsets == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Worker{
		db:         p.DB,
		log:        p.Log.Named("worker").With(zap.String("component", "worker")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		alerts:     p.Alerts,
		repo:       p.Repo,
		notify:     p.Notify,
		dispatcher: p.Dispatcher,
		events:     p.Events,
		offsets:    p.Offsets,
	}, nil
}

func (w *Worker) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := w.ensureJobRun(ctx, name, batchSize)
	if owner {
		w.logJobStart(ctx, run)
	}
	log := w.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	workerMetrics := obsmetrics.Worker()
	workerMetrics.IncJobRun(name)

	err := fn(ctx)
	workerMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		w.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		workerMetrics.IncJobTimeout(name)
	}
	workerMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (w *Worker) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"feed_dispatch", func(ctx context.Context) error {
			return w.runJob(ctx, "feed_dispatch", w.cfg.BatchSize, 30*time.Second, w.FeedDispatchJob)
		}},
		{"approval_deadlines", func(ctx context.Context) error {
			return w.runJob(ctx, "approval_deadlines", w.cfg.BatchSize, 30*time.Second, w.ApprovalDeadlinesJob)
		}},
		{"expiry_warnings", func(ctx context.Context) error {
			return w.runJob(ctx, "expiry_warnings", w.cfg.BatchSize, 30*time.Second, w.ExpiryWarningsJob)
		}},
		{"expiry_transitions", func(ctx context.Context) error {
			return w.runJob(ctx, "expiry_transitions", w.cfg.BatchSize, 30*time.Second, w.ExpiryTransitionsJob)
		}},
	}

	for _, job := range jobs {
		if w.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := w.clock.Now().Add(w.cfg.RunInterval)
	workerMetrics := obsmetrics.Worker()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			workerMetrics.ObserveRunLoopLag(runLag)
		}
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(w.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) isJobEnabled(jobName string) bool {
	// empty means all jobs enabled (monolith mode)
	if len(w.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range w.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
