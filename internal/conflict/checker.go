package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"slotbook/internal/models"
)

// OccupancySource lists confirmed bookings and held holds that intersect a
// window on the given resources.
type OccupancySource interface {
	Occupancies(ctx context.Context, resourceIDs []int64, window models.Interval) ([]models.Occupancy, error)
}

// Result of a single-resource check.
type Result struct {
	Free     bool
	Blocking *models.Occupancy
}

// Checker tests candidate slots against existing occupancies. Against a live
// source the answer is advisory; the reservation path re-runs FindBlocking on
// occupancies read inside its own transaction.
type Checker struct {
	source OccupancySource
}

func NewChecker(source OccupancySource) *Checker {
	return &Checker{source: source}
}

func (c *Checker) Check(ctx context.Context, resourceID int64, slot models.Interval) (Result, error) {
	occs, err := c.source.Occupancies(ctx, []int64{resourceID}, slot)
	if err != nil {
		return Result{}, fmt.Errorf("load occupancies: %w", err)
	}
	if b := FindBlocking(occs, resourceID, slot, ""); b != nil {
		return Result{Free: false, Blocking: b}, nil
	}
	return Result{Free: true}, nil
}

// FindBlocking returns the earliest occupancy of resourceID overlapping slot,
// skipping the hold identified by excludeToken.
func FindBlocking(occs []models.Occupancy, resourceID int64, slot models.Interval, excludeToken string) *models.Occupancy {
	var found *models.Occupancy
	for i := range occs {
		o := &occs[i]
		if o.ResourceID != resourceID {
			continue
		}
		if excludeToken != "" && o.Token == excludeToken {
			continue
		}
		if !o.Interval.Overlaps(slot) {
			continue
		}
		if found == nil || o.Interval.Start.Before(found.Interval.Start) {
			found = o
		}
	}
	return found
}

// FilterFree keeps the slot starts whose occupied interval [start, start+span)
// is free on every resource.
func FilterFree(starts []time.Time, span time.Duration, occs []models.Occupancy, resourceIDs []int64) []time.Time {
	if len(occs) == 0 {
		return starts
	}
	relevant := make(map[int64]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		relevant[id] = true
	}
	busy := make([]models.Interval, 0, len(occs))
	for _, o := range occs {
		if relevant[o.ResourceID] {
			busy = append(busy, o.Interval)
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	out := make([]time.Time, 0, len(starts))
	for _, s := range starts {
		slot := models.Interval{Start: s, End: s.Add(span)}
		free := true
		for _, b := range busy {
			if !b.Start.Before(slot.End) {
				break
			}
			if b.Overlaps(slot) {
				free = false
				break
			}
		}
		if free {
			out = append(out, s)
		}
	}
	return out
}
