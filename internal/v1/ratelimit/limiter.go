// Package ratelimit throttles connection churn and join attempts. Limits use
// the ulule/limiter formatted notation, e.g. "60-M" for sixty per minute.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/metrics"
)

// RateLimiter holds one limiter per throttled concern, backed by a shared
// in-memory store.
type RateLimiter struct {
	connIP *limiter.Limiter
	join   *limiter.Limiter
}

// New builds the limiters from formatted rates.
func New(connIPRate, joinRate string) (*RateLimiter, error) {
	connRate, err := limiter.NewRateFromFormatted(connIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid connection rate %q: %w", connIPRate, err)
	}
	jRate, err := limiter.NewRateFromFormatted(joinRate)
	if err != nil {
		return nil, fmt.Errorf("invalid join rate %q: %w", joinRate, err)
	}

	store := memory.NewStore()
	return &RateLimiter{
		connIP: limiter.New(store, connRate),
		join:   limiter.New(store, jRate),
	}, nil
}

// AllowConn reports whether a new control connection from the given IP is
// within the per-IP rate. Store failures fail open.
func (rl *RateLimiter) AllowConn(ctx context.Context, ip string) bool {
	return rl.allow(ctx, rl.connIP, "conn:"+ip, "conn_ip")
}

// AllowJoin reports whether another join or create attempt by the given
// participant is within the rate.
func (rl *RateLimiter) AllowJoin(ctx context.Context, participantID uint32) bool {
	return rl.allow(ctx, rl.join, fmt.Sprintf("join:%d", participantID), "join")
}

func (rl *RateLimiter) allow(ctx context.Context, l *limiter.Limiter, key, limitType string) bool {
	lctx, err := l.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(limitType).Inc()
		return false
	}
	return true
}
