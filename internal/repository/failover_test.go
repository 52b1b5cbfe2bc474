package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Lock(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, keys, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocker) Unlock(ctx context.Context, keys []string, owner string) error {
	args := m.Called(ctx, keys, owner)
	return args.Error(0)
}

func (m *mockLocker) CheckRateLimit(ctx context.Context, client string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, client, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverSlotLocker(t *testing.T) {
	primary := new(mockLocker)
	fallback := new(mockLocker)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverSlotLocker(primary, fallback, &logger)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	ctx := context.Background()
	keys := []string{"slot_lock:1:100"}

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Lock", ctx, keys, "a", time.Second).Return(true, nil).Once()

		ok, err := repo.Lock(ctx, keys, "a", time.Second)
		assert.NoError(t, err)
		assert.True(t, ok)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Lock", ctx, keys, "b", time.Second).Return(false, errors.New("conn refused")).Once()
		fallback.On("Lock", ctx, keys, "b", time.Second).Return(true, nil).Once()

		ok, err := repo.Lock(ctx, keys, "b", time.Second)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		fallback.On("CheckRateLimit", ctx, "c1", 10, time.Minute).Return(true, nil).Once()

		allowed, err := repo.CheckRateLimit(ctx, "c1", 10, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		fallback.AssertExpectations(t)
	})

	t.Run("UnlockWhileDownSkipsPrimary", func(t *testing.T) {
		fallback.On("Unlock", ctx, keys, "b").Return(nil).Once()

		assert.NoError(t, repo.Unlock(ctx, keys, "b"))
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		primary.On("Lock", ctx, keys, "d", time.Second).Return(false, errors.New("still down")).Once()
		fallback.On("Lock", ctx, keys, "d", time.Second).Return(false, nil).Once()

		ok, err := repo.Lock(ctx, keys, "d", time.Second)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("Recovery", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		primary.On("CheckRateLimit", ctx, "c2", 10, time.Minute).Return(false, nil).Once()

		allowed, err := repo.CheckRateLimit(ctx, "c2", 10, time.Minute)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("UnlockBothWhenUp", func(t *testing.T) {
		fallback.On("Unlock", ctx, keys, "e").Return(nil).Once()
		primary.On("Unlock", ctx, keys, "e").Return(nil).Once()

		assert.NoError(t, repo.Unlock(ctx, keys, "e"))
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
