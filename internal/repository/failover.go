package repository

import (
	"context"
	"sync/atomic"
	"time"

	"slotbook/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSlotLocker routes to primary until it errors, then to fallback,
// retrying primary once a minute.
type FailoverSlotLocker struct {
	primary   domain.SlotLocker
	fallback  domain.SlotLocker
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverSlotLocker(primary, fallback domain.SlotLocker, logger *zerolog.Logger) *FailoverSlotLocker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverSlotLocker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverSlotLocker) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary slot locker failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverSlotLocker) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverSlotLocker) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary slot locker recovered")
	}
}

func (r *FailoverSlotLocker) Lock(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.Lock(ctx, keys, owner, ttl)
		if err == nil {
			r.recovered()
			return ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.Lock(ctx, keys, owner, ttl)
}

// Unlock releases on both lockers: a lock taken before a failover must still
// be dropped, and the memory side is a no-op for keys it never saw.
func (r *FailoverSlotLocker) Unlock(ctx context.Context, keys []string, owner string) error {
	if err := r.fallback.Unlock(ctx, keys, owner); err != nil {
		return err
	}
	if r.isDown.Load() {
		return nil
	}
	if err := r.primary.Unlock(ctx, keys, owner); err != nil {
		r.markDown(err)
	}
	return nil
}

func (r *FailoverSlotLocker) CheckRateLimit(ctx context.Context, client string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, client, limit, window)
		if err == nil {
			r.recovered()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, client, limit, window)
}
