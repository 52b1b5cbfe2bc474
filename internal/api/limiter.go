package api

import (
	"context"
	"sync"

	"slotbook/internal/config"
	"slotbook/internal/domain"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per client key.
type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	cfg      config.APIRateLimitConfig
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg}
}

func (l *rateLimiter) allow(key string) bool {
	if l.cfg.RPS <= 0 {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

// holdLimiter caps hold creation per client in a fixed window using the slot
// locker counters, so the cap is shared between instances behind Redis.
type holdLimiter struct {
	locker domain.SlotLocker
	cfg    config.APIHoldRateLimitConfig
	logger *zerolog.Logger
}

func (h *holdLimiter) allow(ctx context.Context, client string) bool {
	if h == nil || h.locker == nil || h.cfg.Limit <= 0 {
		return true
	}
	ok, err := h.locker.CheckRateLimit(ctx, "holds:"+client, h.cfg.Limit, h.cfg.WindowDuration())
	if err != nil {
		// счетчик недоступен, не блокируем клиента
		h.logger.Warn().Err(err).Str("client", client).Msg("hold rate limit check failed")
		return true
	}
	return ok
}
