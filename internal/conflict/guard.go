package conflict

import (
	"context"
	"fmt"

	"slotbook/internal/models"
)

// Guard extends conflict checking to bookings that need several resources at once.
type Guard struct {
	source OccupancySource
}

func NewGuard(source OccupancySource) *Guard {
	return &Guard{source: source}
}

// CheckAll reports the first resource that is not free for slot.
func (g *Guard) CheckAll(ctx context.Context, resourceIDs []int64, slot models.Interval) error {
	occs, err := g.source.Occupancies(ctx, resourceIDs, slot)
	if err != nil {
		return fmt.Errorf("load occupancies: %w", err)
	}
	return Evaluate(occs, resourceIDs, slot, "")
}

// Evaluate checks every resource against occs. A single requested resource
// that is taken yields ErrSlotUnavailable; when several resources are
// requested any taken one yields ErrResourceConflict. Both come wrapped in a
// *models.ConflictError naming the blocker.
func Evaluate(occs []models.Occupancy, resourceIDs []int64, slot models.Interval, excludeToken string) error {
	for _, id := range resourceIDs {
		blocking := FindBlocking(occs, id, slot, excludeToken)
		if blocking == nil {
			continue
		}
		kind := models.ErrSlotUnavailable
		if len(resourceIDs) > 1 {
			kind = models.ErrResourceConflict
		}
		return &models.ConflictError{Err: kind, ResourceID: id, Blocking: blocking}
	}
	return nil
}
