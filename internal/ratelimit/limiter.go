package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashgate-io/hashgate/internal/cache"
)

// Algorithm selects how requests are counted inside a window.
type Algorithm string

const (
	// FixedWindow counts requests against a counter that resets when the
	// window expires. Cheap, but bursts can straddle a window boundary.
	FixedWindow Algorithm = "fixed_window"

	// SlidingWindow counts timestamped requests inside a moving window.
	// More accurate, one sorted set per identifier instead of a counter.
	SlidingWindow Algorithm = "sliding_window"
)

// Config holds the limiter defaults. MaxRequests can be overridden per
// check for keys that carry their own limit.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Algorithm   Algorithm

	// SkipOnStoreError controls behavior when the cache is unreachable:
	// true allows the request through (availability), false denies it
	// (strict enforcement). There is no silent default.
	SkipOnStoreError bool
}

// Result reports the outcome of a single rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	cache  cache.Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(c cache.Cache, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Algorithm == "" {
		cfg.Algorithm = FixedWindow
	}
	return &Limiter{cache: c, cfg: cfg, logger: logger, now: time.Now}
}

// Allow records one request for identifier on endpoint and reports whether
// it fits inside the configured limit.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) (Result, error) {
	return l.AllowLimit(ctx, identifier, endpoint, l.cfg.MaxRequests)
}

// AllowLimit is Allow with a per-call limit, used when an API key carries
// its own rate limit. The override applies to this check only.
func (l *Limiter) AllowLimit(ctx context.Context, identifier, endpoint string, limit int) (Result, error) {
	if limit <= 0 {
		limit = l.cfg.MaxRequests
	}

	var (
		res Result
		err error
	)
	switch l.cfg.Algorithm {
	case SlidingWindow:
		res, err = l.allowSliding(ctx, identifier, endpoint, limit)
	default:
		res, err = l.allowFixed(ctx, identifier, endpoint, limit)
	}
	if err != nil {
		if l.cfg.SkipOnStoreError {
			l.logger.Warn("rate limit store unavailable, allowing request",
				"identifier", identifier, "endpoint", endpoint, "error", err)
			return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: l.now().Add(l.cfg.Window)}, nil
		}
		return Result{Allowed: false, Limit: limit, ResetAt: l.now().Add(l.cfg.Window)},
			fmt.Errorf("rate limit check: %w", err)
	}
	return res, nil
}

func (l *Limiter) allowFixed(ctx context.Context, identifier, endpoint string, limit int) (Result, error) {
	key := cache.RateLimitKey(identifier, endpoint)
	count, remaining, err := l.cache.IncrWindow(ctx, key, l.cfg.Window)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Allowed: count <= int64(limit),
		Limit:   limit,
		ResetAt: l.now().Add(remaining),
	}
	if left := int64(limit) - count; left > 0 {
		res.Remaining = int(left)
	}
	return res, nil
}

func (l *Limiter) allowSliding(ctx context.Context, identifier, endpoint string, limit int) (Result, error) {
	key := cache.RateLimitKey(identifier, endpoint)
	now := l.now()
	count, err := l.cache.WindowCount(ctx, key, now.Add(-l.cfg.Window))
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Limit:   limit,
		ResetAt: now.Add(l.cfg.Window),
	}
	if count >= int64(limit) {
		return res, nil
	}
	if err := l.cache.WindowAdd(ctx, key, now, l.cfg.Window+time.Minute); err != nil {
		return Result{}, err
	}
	res.Allowed = true
	res.Remaining = int(int64(limit) - count - 1)
	return res, nil
}

// Info reports the current standing for identifier on endpoint without
// consuming a request.
func (l *Limiter) Info(ctx context.Context, identifier, endpoint string) (Result, error) {
	return l.InfoLimit(ctx, identifier, endpoint, l.cfg.MaxRequests)
}

func (l *Limiter) InfoLimit(ctx context.Context, identifier, endpoint string, limit int) (Result, error) {
	if limit <= 0 {
		limit = l.cfg.MaxRequests
	}
	key := cache.RateLimitKey(identifier, endpoint)
	now := l.now()

	var (
		count int64
		reset time.Time
		err   error
	)
	switch l.cfg.Algorithm {
	case SlidingWindow:
		count, err = l.cache.WindowCount(ctx, key, now.Add(-l.cfg.Window))
		reset = now.Add(l.cfg.Window)
	default:
		var ttl time.Duration
		count, ttl, err = l.cache.CountAndTTL(ctx, key)
		if ttl < 0 {
			ttl = l.cfg.Window
		}
		reset = now.Add(ttl)
	}
	if err != nil {
		return Result{}, fmt.Errorf("rate limit info: %w", err)
	}

	res := Result{
		Allowed: count < int64(limit),
		Limit:   limit,
		ResetAt: reset,
	}
	if left := int64(limit) - count; left > 0 {
		res.Remaining = int(left)
	}
	return res, nil
}
