package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"slotbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func newHold(token string, start time.Time, resources ...int64) *models.Hold {
	return &models.Hold{
		Token:       token,
		ServiceID:   1,
		ResourceIDs: resources,
		StartAt:     start,
		EndAt:       start.Add(time.Hour),
		BlockEndAt:  start.Add(75 * time.Minute),
		Status:      models.HoldStatusHeld,
		ExpiresAt:   start.Add(-time.Hour),
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func insertHold(t *testing.T, db *DB, h *models.Hold) {
	t.Helper()
	require.NoError(t, db.RunInTx(context.Background(), func(tx *Tx) error {
		return tx.InsertHold(context.Background(), h)
	}))
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestRunInTx_RollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.RunInTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.InsertHold(ctx, newHold("rolled-back", t0, 1)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.GetHoldByToken(ctx, "rolled-back")
	assert.ErrorIs(t, err, models.ErrHoldNotFound)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(models.ErrSlotUnavailable))
}

func TestMillisRoundTrip(t *testing.T) {
	local := time.Date(2025, 3, 9, 1, 30, 0, 0, time.FixedZone("EST", -5*3600))
	got := fromMillis(toMillis(local))
	assert.True(t, got.Equal(local))
	assert.Equal(t, time.UTC, got.Location())

	assert.False(t, nullableMillis(nil).Valid)
	assert.Nil(t, timePtr(nullableMillis(nil)))
	assert.True(t, timePtr(nullableMillis(&local)).Equal(local))
}
