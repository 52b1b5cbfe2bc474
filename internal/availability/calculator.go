package availability

import (
	"context"
	"fmt"
	"time"

	"slotbook/internal/clock"
	"slotbook/internal/models"
)

// RuleSource provides the admin-maintained availability rules. Read-only.
type RuleSource interface {
	ListTemplates(ctx context.Context, resourceID int64) ([]models.AvailabilityTemplate, error)
	ListExceptions(ctx context.Context, resourceID int64, fromDate, toDate string) ([]models.AvailabilityException, error)
}

// Calculator merges weekly templates with date exceptions into open intervals.
type Calculator struct {
	rules   RuleSource
	clock   clock.Clock
	maxDays int
}

func NewCalculator(rules RuleSource, clk clock.Clock, maxDays int) *Calculator {
	if maxDays <= 0 {
		maxDays = models.DefaultMaxRangeDays
	}
	return &Calculator{rules: rules, clock: clock.OrReal(clk), maxDays: maxDays}
}

// Calculate returns one entry per local calendar date in [from, to], in order.
// Only the year, month and day of from and to are used. Intervals are built in
// loc and returned in UTC; intervals that already ended are dropped.
func (c *Calculator) Calculate(ctx context.Context, resourceID int64, from, to time.Time, loc *time.Location) ([]models.DayAvailability, error) {
	if loc == nil {
		loc = time.UTC
	}

	first := civilDate(from)
	last := civilDate(to)
	if last.Before(first) {
		return nil, fmt.Errorf("%w: range ends before it starts", models.ErrInvalidTimeRange)
	}
	days := int(last.Sub(first).Hours()/24) + 1
	if days > c.maxDays {
		return nil, fmt.Errorf("%w: range of %d days exceeds %d", models.ErrInvalidTimeRange, days, c.maxDays)
	}

	templates, err := c.rules.ListTemplates(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	exceptions, err := c.rules.ListExceptions(ctx, resourceID, first.Format(models.DateLayout), last.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	if len(templates) == 0 && len(exceptions) == 0 {
		return nil, fmt.Errorf("%w: resource %d", models.ErrNoAvailabilityConfigured, resourceID)
	}

	byWeekday := make(map[time.Weekday][]models.AvailabilityTemplate)
	for _, t := range templates {
		byWeekday[t.Weekday] = append(byWeekday[t.Weekday], t)
	}
	byDate := make(map[string][]models.AvailabilityException)
	for _, e := range exceptions {
		byDate[e.Date] = append(byDate[e.Date], e)
	}

	now := c.clock.Now()
	out := make([]models.DayAvailability, 0, days)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		key := d.Format(models.DateLayout)

		var intervals []models.Interval
		if overrides, ok := byDate[key]; ok {
			intervals, err = exceptionIntervals(d, overrides, loc)
		} else {
			intervals, err = templateIntervals(d, byWeekday[d.Weekday()], loc)
		}
		if err != nil {
			return nil, fmt.Errorf("resource %d on %s: %w", resourceID, key, err)
		}

		open := make([]models.Interval, 0, len(intervals))
		for _, iv := range Merge(intervals) {
			if iv.End.After(now) {
				open = append(open, iv)
			}
		}
		out = append(out, models.DayAvailability{Date: key, Intervals: open})
	}

	return out, nil
}

// Flatten concatenates the intervals of every day, preserving order.
func Flatten(days []models.DayAvailability) []models.Interval {
	var out []models.Interval
	for _, d := range days {
		out = append(out, d.Intervals...)
	}
	return out
}

func templateIntervals(day time.Time, templates []models.AvailabilityTemplate, loc *time.Location) ([]models.Interval, error) {
	out := make([]models.Interval, 0, len(templates))
	for _, t := range templates {
		iv, err := LocalInterval(day, t.StartTime, t.EndTime, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

func exceptionIntervals(day time.Time, exceptions []models.AvailabilityException, loc *time.Location) ([]models.Interval, error) {
	out := make([]models.Interval, 0, len(exceptions))
	for _, e := range exceptions {
		if e.IsBlocked {
			return nil, nil
		}
		iv, err := LocalInterval(day, e.StartTime, e.EndTime, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// LocalInterval builds [start, end) on the given calendar date in loc and
// converts it to UTC. Wall-clock arithmetic happens before the conversion so
// DST shifts are applied per endpoint.
func LocalInterval(day time.Time, start, end string, loc *time.Location) (models.Interval, error) {
	sh, sm, err := models.ParseClock(start)
	if err != nil {
		return models.Interval{}, err
	}
	if sh == 24 {
		return models.Interval{}, fmt.Errorf("%w: start %q", models.ErrInvalidTimeRange, start)
	}
	eh, em, err := models.ParseClock(end)
	if err != nil {
		return models.Interval{}, err
	}

	y, m, d := day.Date()
	s := time.Date(y, m, d, sh, sm, 0, 0, loc)
	e := time.Date(y, m, d, eh, em, 0, 0, loc)
	if !s.Before(e) {
		return models.Interval{}, fmt.Errorf("%w: %s-%s", models.ErrInvalidTimeRange, start, end)
	}
	return models.Interval{Start: s.UTC(), End: e.UTC()}, nil
}

// civilDate keeps only the calendar date, anchored at noon UTC so that
// AddDate and Weekday never cross a day boundary.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}
