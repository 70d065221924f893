// Package ratelimit gates repeated user actions behind a cooldown window.
package ratelimit

import (
	"context"
	"time"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Limiter enforces a minimum interval between repeated actions of the same
// kind by the same user. The record is written before the action proceeds:
// the new cooldown window opens immediately, not after completion.
type Limiter struct {
	store storage.RateLimitStore
	log   *logger.Logger
	now   func() time.Time
}

// New constructs a limiter.
func New(store storage.RateLimitStore, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &Limiter{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckAndRecord fails when the previous permitted call is still inside the
// cooldown window, and otherwise records now as the new window start.
func (l *Limiter) CheckAndRecord(ctx context.Context, userID, action string, cooldown time.Duration) error {
	now := l.now().UTC()

	last, found, err := l.store.LastAction(ctx, userID, action)
	if err != nil {
		return err
	}
	if found && now.Sub(last) < cooldown {
		l.log.WithField("user_id", userID).WithField("action", action).
			Warnf("rate limit hit, %s remaining", (cooldown - now.Sub(last)).Round(time.Millisecond))
		return apperr.ErrRateLimited
	}

	return l.store.RecordAction(ctx, userID, action, now)
}
