package router

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dashbot/internal/eventbus"
	logx "dashbot/pkg/logx"
)

const (
	rateLimitKey     = "router.ratelimit"
	limiterIdleAfter = 10 * time.Minute
	// RateLimitedReply is sent (at most once per window) to a throttled user.
	RateLimitedReply = "Slow down, try again in a moment"
)

// RateLimit throttles commands per owner by cancelling beforeRunCommand.
type RateLimit struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*userLimiter
	now      func() time.Time
	log      logx.Logger
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
	warned   bool
}

func NewRateLimit(perMinute int, log logx.Logger) *RateLimit {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RateLimit{perMin: perMinute, limiters: map[string]*userLimiter{}, now: time.Now, log: log}
}

// SetRate changes the limit; existing buckets are rebuilt. 0 disables limiting.
func (l *RateLimit) SetRate(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute == l.perMin {
		return
	}
	l.perMin = perMinute
	l.limiters = map[string]*userLimiter{}
}

// Install subscribes the limiter to beforeRunCommand on bus.
func (l *RateLimit) Install(bus *eventbus.Bus) {
	eventbus.On(bus, EventBeforeRunCommand, func(ctx context.Context, e *eventbus.Event, ce *CommandEvent) error {
		allowed, warn := l.allow(ce.Request.Owner())
		if allowed {
			return nil
		}
		e.Cancel()
		ce.Request.Logger.Debug("command rate limited", logx.String("owner", ce.Request.Owner()))
		if warn && ce.Request.CanReply(ctx) {
			return ce.Request.Reply(ctx, RateLimitedReply)
		}
		return nil
	}, eventbus.WithKey(rateLimitKey))
}

// allow consumes one token for owner. warn is true for the first refusal
// after an allowed command.
func (l *RateLimit) allow(owner string) (allowed, warn bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perMin <= 0 {
		return true, false
	}
	now := l.now()
	l.evictLocked(now)
	u, ok := l.limiters[owner]
	if !ok {
		every := time.Minute / time.Duration(l.perMin)
		u = &userLimiter{lim: rate.NewLimiter(rate.Every(every), l.perMin)}
		l.limiters[owner] = u
	}
	u.lastSeen = now
	if u.lim.AllowN(now, 1) {
		u.warned = false
		return true, false
	}
	warn = !u.warned
	u.warned = true
	return false, warn
}

func (l *RateLimit) evictLocked(now time.Time) {
	for k, u := range l.limiters {
		if now.Sub(u.lastSeen) > limiterIdleAfter {
			delete(l.limiters, k)
		}
	}
}
