package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/geowarn/geowarn/internal/config"
	obsmetrics "github.com/geowarn/geowarn/internal/observability/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyCommand = "alerts:cmd:%s"

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// CommandLimiter throttles state-changing alert commands per actor.
// Without a redis address it is a pass-through; reads are never
// limited.
type CommandLimiter struct {
	enabled bool

	log     *zap.Logger
	metrics *obsmetrics.Metrics
	bucket  *TokenBucket

	rate  float64
	burst int
}

func NewCommandLimiter(cfg config.Config, log *zap.Logger, metrics *obsmetrics.Metrics) (*CommandLimiter, error) {
	l := &CommandLimiter{
		log:     log.Named("ratelimit"),
		metrics: metrics,
		rate:    cfg.Command.RateLimitPerMinute / 60,
		burst:   cfg.Command.RateLimitBurst,
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		l.log.Info("command rate limiting disabled, no redis address configured")
		return l, nil
	}
	if l.rate <= 0 || l.burst <= 0 {
		return nil, fmt.Errorf("command rate limit must be positive, got rate=%v burst=%d", cfg.Command.RateLimitPerMinute, cfg.Command.RateLimitBurst)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	l.enabled = true
	l.bucket = NewTokenBucket(client)
	return l, nil
}

func provideCommandLimiter(p Params) (*CommandLimiter, error) {
	return NewCommandLimiter(p.Config, p.Log, p.Metrics)
}

func (l *CommandLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow reports whether the actor may issue another command now. Redis
// failures fail open: a degraded limiter must not block emergency
// alerting.
func (l *CommandLimiter) Allow(ctx context.Context, actor string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "anonymous"
	}

	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyCommand, actor), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing command",
			zap.String("actor", actor),
			zap.Error(err),
		)
		return true, 0
	}
	if res.Allowed {
		if l.metrics != nil {
			l.metrics.RecordRateLimitAllowed(ctx, "command")
		}
		return true, 0
	}
	if l.metrics != nil {
		l.metrics.RecordRateLimitDenied(ctx, "command", "token_bucket_empty")
	}
	return false, res.RetryAfter
}
