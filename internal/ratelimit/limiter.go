// Package ratelimit implements a fixed-window request limiter over a shared
// counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// CounterStore is an atomic counter service with per-key expiry.
type CounterStore interface {
	// Get returns the live count for key, 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
	// Incr increments key, (re)sets its expiry to ttl and returns the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Observer receives one outcome per TryAcquire call.
type Observer interface {
	ObserveRateLimit(outcome string)
}

const (
	OutcomeAllowed    = "allowed"
	OutcomeRejected   = "rejected"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
)

// Decision is the result of one acquisition attempt.
type Decision struct {
	Allowed      bool `json:"allowed"`
	Remaining    int  `json:"remaining"`
	ResetSeconds int  `json:"reset_seconds"`
}

type Config struct {
	Store  CounterStore
	Limit  int           // requests per window, default 100
	Window time.Duration // default one minute
	// FailOpen admits requests when the store is unreachable. Enforcement
	// is best-effort in that mode: an outage disables limiting entirely.
	FailOpen bool
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Limiter struct {
	store    CounterStore
	limit    int
	window   time.Duration
	failOpen bool
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:    cfg.Store,
		limit:    cfg.Limit,
		window:   cfg.Window,
		failOpen: cfg.FailOpen,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

func (l *Limiter) Limit() int { return l.limit }

// TryAcquire checks the identity's counter for the current window and, when
// under the limit, consumes one unit.
func (l *Limiter) TryAcquire(ctx context.Context, identity string) Decision {
	now := l.now()
	key := l.key(identity, now)
	reset := l.resetSeconds(now)

	current, err := l.store.Get(ctx, key)
	if err != nil {
		return l.storeFailure(identity, err)
	}
	if current >= int64(l.limit) {
		l.observe(OutcomeRejected)
		l.logger.Debug("rate limit exceeded", "identity", identity, "count", current, "reset", reset)
		return Decision{Allowed: false, Remaining: 0, ResetSeconds: reset}
	}

	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return l.storeFailure(identity, err)
	}
	// Another caller may have taken the last unit between Get and Incr.
	if count > int64(l.limit) {
		l.observe(OutcomeRejected)
		return Decision{Allowed: false, Remaining: 0, ResetSeconds: reset}
	}

	l.observe(OutcomeAllowed)
	return Decision{Allowed: true, Remaining: l.limit - int(count), ResetSeconds: reset}
}

// Usage reports the identity's consumption in the current window without
// consuming anything.
func (l *Limiter) Usage(ctx context.Context, identity string) (used int, d Decision, err error) {
	now := l.now()
	count, err := l.store.Get(ctx, l.key(identity, now))
	if err != nil {
		return 0, Decision{}, fmt.Errorf("read usage: %w", err)
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count), Decision{Allowed: remaining > 0, Remaining: remaining, ResetSeconds: l.resetSeconds(now)}, nil
}

// Reset clears the identity's counter for the current window.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if err := l.store.Delete(ctx, l.key(identity, l.now())); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (l *Limiter) storeFailure(identity string, err error) Decision {
	windowSeconds := int(l.window / time.Second)
	if l.failOpen {
		l.observe(OutcomeFailOpen)
		l.logger.Warn("rate limiter store unavailable, allowing request", "identity", identity, "error", err)
		return Decision{Allowed: true, Remaining: l.limit, ResetSeconds: windowSeconds}
	}
	l.observe(OutcomeFailClosed)
	l.logger.Error("rate limiter store unavailable, rejecting request", "identity", identity, "error", err)
	return Decision{Allowed: false, Remaining: 0, ResetSeconds: windowSeconds}
}

func (l *Limiter) observe(outcome string) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(outcome)
	}
}

// key builds rate_limit:{identity}:{window}; minute windows use the
// YYYYmmddHHMM form.
func (l *Limiter) key(identity string, now time.Time) string {
	start := now.UTC().Truncate(l.window)
	if l.window == time.Minute {
		return "rate_limit:" + identity + ":" + start.Format("200601021504")
	}
	return fmt.Sprintf("rate_limit:%s:%d", identity, start.Unix())
}

func (l *Limiter) resetSeconds(now time.Time) int {
	end := now.UTC().Truncate(l.window).Add(l.window)
	secs := int(math.Ceil(end.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
