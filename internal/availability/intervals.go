package availability

import (
	"sort"

	"slotbook/internal/models"
)

// Merge sorts intervals and joins the ones that overlap or touch.
// The input slice is not modified.
func Merge(in []models.Interval) []models.Interval {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]models.Interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []models.Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intersect returns the instants open in both lists. Both inputs must be
// merged (sorted, non-overlapping).
func Intersect(a, b []models.Interval) []models.Interval {
	var out []models.Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := a[i].Start
		if b[j].Start.After(start) {
			start = b[j].Start
		}
		end := a[i].End
		if b[j].End.Before(end) {
			end = b[j].End
		}
		if start.Before(end) {
			out = append(out, models.Interval{Start: start, End: end})
		}
		if a[i].End.Before(b[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}
