package conflict

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"slotbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Occupancies(ctx context.Context, resourceIDs []int64, window models.Interval) ([]models.Occupancy, error) {
	args := m.Called(ctx, resourceIDs, window)
	occs, _ := args.Get(0).([]models.Occupancy)
	return occs, args.Error(1)
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 3, h, m, 0, 0, time.UTC)
}

func iv(h1, m1, h2, m2 int) models.Interval {
	return models.Interval{Start: at(h1, m1), End: at(h2, m2)}
}

func TestChecker_Check(t *testing.T) {
	ctx := context.Background()
	occs := []models.Occupancy{
		{Kind: models.OccupancyBooking, ID: 1, ResourceID: 1, Interval: iv(10, 0, 11, 15)},
		{Kind: models.OccupancyHold, ID: 2, Token: "tok", ResourceID: 1, Interval: iv(14, 0, 15, 15)},
	}

	tests := []struct {
		name    string
		slot    models.Interval
		free    bool
		blocker int64
	}{
		{"before", iv(9, 0, 10, 0), true, 0},
		{"touching buffer end", iv(11, 15, 12, 0), true, 0},
		{"inside buffer", iv(11, 0, 12, 0), false, 1},
		{"overlaps hold", iv(13, 30, 14, 30), false, 2},
		{"spans both", iv(9, 0, 16, 0), false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{}
			src.On("Occupancies", ctx, []int64{1}, tt.slot).Return(occs, nil)

			res, err := NewChecker(src).Check(ctx, 1, tt.slot)
			require.NoError(t, err)
			assert.Equal(t, tt.free, res.Free)
			if !tt.free {
				require.NotNil(t, res.Blocking)
				assert.Equal(t, tt.blocker, res.Blocking.ID)
			}
			src.AssertExpectations(t)
		})
	}
}

func TestChecker_SourceError(t *testing.T) {
	src := &mockSource{}
	boom := errors.New("boom")
	src.On("Occupancies", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)

	_, err := NewChecker(src).Check(context.Background(), 1, iv(9, 0, 10, 0))
	assert.ErrorIs(t, err, boom)
}

func TestFindBlocking_ExcludesOwnHold(t *testing.T) {
	occs := []models.Occupancy{
		{Kind: models.OccupancyHold, ID: 2, Token: "mine", ResourceID: 1, Interval: iv(14, 0, 15, 15)},
	}
	assert.Nil(t, FindBlocking(occs, 1, iv(14, 0, 15, 15), "mine"))
	assert.NotNil(t, FindBlocking(occs, 1, iv(14, 0, 15, 15), "other"))
	assert.Nil(t, FindBlocking(occs, 2, iv(14, 0, 15, 15), ""), "other resource")
}

func TestGuard_CheckAll(t *testing.T) {
	ctx := context.Background()
	occs := []models.Occupancy{
		{Kind: models.OccupancyBooking, ID: 5, ResourceID: 20, Interval: iv(10, 0, 11, 0)},
	}

	t.Run("AllFree", func(t *testing.T) {
		src := &mockSource{}
		src.On("Occupancies", ctx, []int64{1, 20}, iv(12, 0, 13, 0)).Return(occs, nil)
		assert.NoError(t, NewGuard(src).CheckAll(ctx, []int64{1, 20}, iv(12, 0, 13, 0)))
	})

	t.Run("SharedResourceTaken", func(t *testing.T) {
		src := &mockSource{}
		src.On("Occupancies", ctx, []int64{1, 20}, iv(10, 30, 11, 30)).Return(occs, nil)

		err := NewGuard(src).CheckAll(ctx, []int64{1, 20}, iv(10, 30, 11, 30))
		require.ErrorIs(t, err, models.ErrResourceConflict)

		var ce *models.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, int64(20), ce.ResourceID)
		assert.Equal(t, int64(5), ce.Blocking.ID)
	})

	t.Run("SingleResourceTaken", func(t *testing.T) {
		err := Evaluate(occs, []int64{20}, iv(10, 30, 11, 30), "")
		assert.ErrorIs(t, err, models.ErrSlotUnavailable)
	})
}

func TestFilterFree(t *testing.T) {
	occs := []models.Occupancy{
		{ResourceID: 1, Interval: iv(10, 15, 11, 30)},
		{ResourceID: 9, Interval: iv(9, 0, 17, 0)},
	}
	starts := []time.Time{at(9, 0), at(10, 15), at(11, 30), at(12, 45)}

	got := FilterFree(starts, 75*time.Minute, occs, []int64{1})
	assert.Equal(t, []time.Time{at(9, 0), at(11, 30), at(12, 45)}, got)

	assert.Empty(t, FilterFree(starts, 75*time.Minute, occs, []int64{1, 9}))
}

// Greedily accepting random candidate intervals through Evaluate must never
// leave two accepted intervals overlapping on the same resource.
func TestEvaluate_AcceptedNeverOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := at(0, 0)

	for round := 0; round < 50; round++ {
		var accepted []models.Occupancy
		for i := 0; i < 200; i++ {
			resources := []int64{int64(rng.Intn(3) + 1)}
			if rng.Intn(3) == 0 {
				resources = append(resources, int64(rng.Intn(2)+10))
			}
			start := base.Add(time.Duration(rng.Intn(24*60)) * time.Minute)
			slot := models.Interval{Start: start, End: start.Add(time.Duration(rng.Intn(120)+1) * time.Minute)}

			if err := Evaluate(accepted, resources, slot, ""); err != nil {
				require.True(t, models.IsConflict(err))
				continue
			}
			for _, r := range resources {
				accepted = append(accepted, models.Occupancy{ID: int64(i), ResourceID: r, Interval: slot})
			}
		}

		for i := range accepted {
			for j := i + 1; j < len(accepted); j++ {
				a, b := accepted[i], accepted[j]
				if a.ResourceID == b.ResourceID {
					require.False(t, a.Interval.Overlaps(b.Interval),
						"round %d: %v and %v overlap on resource %d", round, a.Interval, b.Interval, a.ResourceID)
				}
			}
		}
	}
}
