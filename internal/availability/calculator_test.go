package availability

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"slotbook/internal/clock"
	"slotbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRules struct {
	templates  []models.AvailabilityTemplate
	exceptions []models.AvailabilityException
	err        error
}

func (f *fakeRules) ListTemplates(_ context.Context, resourceID int64) ([]models.AvailabilityTemplate, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.AvailabilityTemplate
	for _, t := range f.templates {
		if t.ResourceID == resourceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRules) ListExceptions(_ context.Context, resourceID int64, fromDate, toDate string) ([]models.AvailabilityException, error) {
	var out []models.AvailabilityException
	for _, e := range f.exceptions {
		if e.ResourceID == resourceID && e.Date >= fromDate && e.Date <= toDate {
			out = append(out, e)
		}
	}
	return out, nil
}

func weekdays(resourceID int64, start, end string) []models.AvailabilityTemplate {
	var out []models.AvailabilityTemplate
	for wd := time.Monday; wd <= time.Friday; wd++ {
		out = append(out, models.AvailabilityTemplate{ResourceID: resourceID, Weekday: wd, StartTime: start, EndTime: end})
	}
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCalculator_Templates(t *testing.T) {
	rules := &fakeRules{templates: weekdays(1, "09:00", "17:00")}
	calc := NewCalculator(rules, clock.NewManual(date(2025, 2, 1)), 0)

	// Mon 3 Mar .. Sun 9 Mar 2025
	days, err := calc.Calculate(context.Background(), 1, date(2025, 3, 3), date(2025, 3, 9), time.UTC)
	require.NoError(t, err)
	require.Len(t, days, 7)

	assert.Equal(t, "2025-03-03", days[0].Date)
	require.Len(t, days[0].Intervals, 1)
	assert.Equal(t, time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), days[0].Intervals[0].Start)
	assert.Equal(t, time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC), days[0].Intervals[0].End)

	assert.Empty(t, days[5].Intervals, "saturday")
	assert.Empty(t, days[6].Intervals, "sunday")
}

func TestCalculator_Exceptions(t *testing.T) {
	rules := &fakeRules{
		templates: weekdays(1, "09:00", "17:00"),
		exceptions: []models.AvailabilityException{
			{ResourceID: 1, Date: "2025-03-04", IsBlocked: true},
			{ResourceID: 1, Date: "2025-03-05", StartTime: "12:00", EndTime: "14:00"},
			{ResourceID: 1, Date: "2025-03-05", StartTime: "15:00", EndTime: "16:00"},
			{ResourceID: 1, Date: "2025-03-08", StartTime: "10:00", EndTime: "12:00"},
		},
	}
	calc := NewCalculator(rules, clock.NewManual(date(2025, 2, 1)), 0)

	days, err := calc.Calculate(context.Background(), 1, date(2025, 3, 3), date(2025, 3, 8), time.UTC)
	require.NoError(t, err)

	assert.Len(t, days[0].Intervals, 1, "monday keeps template")
	assert.Empty(t, days[1].Intervals, "tuesday blocked")

	require.Len(t, days[2].Intervals, 2, "wednesday replaced by exceptions")
	assert.Equal(t, 12, days[2].Intervals[0].Start.Hour())
	assert.Equal(t, 16, days[2].Intervals[1].End.Hour())

	require.Len(t, days[5].Intervals, 1, "extra hours on saturday")
	assert.Equal(t, 10, days[5].Intervals[0].Start.Hour())
}

func TestCalculator_MergesTemplates(t *testing.T) {
	rules := &fakeRules{templates: []models.AvailabilityTemplate{
		{ResourceID: 1, Weekday: time.Monday, StartTime: "13:00", EndTime: "17:00"},
		{ResourceID: 1, Weekday: time.Monday, StartTime: "09:00", EndTime: "12:00"},
		{ResourceID: 1, Weekday: time.Monday, StartTime: "11:00", EndTime: "13:00"},
		{ResourceID: 1, Weekday: time.Monday, StartTime: "20:00", EndTime: "24:00"},
	}}
	calc := NewCalculator(rules, clock.NewManual(date(2025, 2, 1)), 0)

	days, err := calc.Calculate(context.Background(), 1, date(2025, 3, 3), date(2025, 3, 3), time.UTC)
	require.NoError(t, err)
	require.Len(t, days[0].Intervals, 2)
	assert.Equal(t, time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), days[0].Intervals[0].Start)
	assert.Equal(t, time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC), days[0].Intervals[0].End)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), days[0].Intervals[1].End)
}

func TestCalculator_DaylightSaving(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rules := &fakeRules{templates: []models.AvailabilityTemplate{
		{ResourceID: 1, Weekday: time.Saturday, StartTime: "09:00", EndTime: "17:00"},
		{ResourceID: 1, Weekday: time.Sunday, StartTime: "00:00", EndTime: "06:00"},
		{ResourceID: 1, Weekday: time.Sunday, StartTime: "09:00", EndTime: "17:00"},
	}}
	calc := NewCalculator(rules, clock.NewManual(date(2025, 2, 1)), 0)

	// Clocks jump forward at 02:00 on Sunday 9 March 2025.
	days, err := calc.Calculate(context.Background(), 1, date(2025, 3, 8), date(2025, 3, 9), loc)
	require.NoError(t, err)

	sat := days[0].Intervals[0]
	assert.Equal(t, time.Date(2025, 3, 8, 14, 0, 0, 0, time.UTC), sat.Start)
	assert.Equal(t, time.Date(2025, 3, 8, 22, 0, 0, 0, time.UTC), sat.End)

	require.Len(t, days[1].Intervals, 2)
	night := days[1].Intervals[0]
	assert.Equal(t, time.Date(2025, 3, 9, 5, 0, 0, 0, time.UTC), night.Start)
	assert.Equal(t, 5*time.Hour, night.Duration(), "one wall-clock hour does not exist")

	sun := days[1].Intervals[1]
	assert.Equal(t, time.Date(2025, 3, 9, 13, 0, 0, 0, time.UTC), sun.Start)
	assert.Equal(t, time.Date(2025, 3, 9, 21, 0, 0, 0, time.UTC), sun.End)
}

func TestCalculator_DropsPastIntervals(t *testing.T) {
	rules := &fakeRules{templates: weekdays(1, "09:00", "17:00")}
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	calc := NewCalculator(rules, clock.NewManual(now), 0)

	days, err := calc.Calculate(context.Background(), 1, date(2025, 3, 3), date(2025, 3, 4), time.UTC)
	require.NoError(t, err)
	assert.Empty(t, days[0].Intervals)
	require.Len(t, days[1].Intervals, 1)
	assert.Equal(t, 9, days[1].Intervals[0].Start.Hour(), "running interval keeps its start")
}

func TestCalculator_Errors(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(date(2025, 2, 1))

	t.Run("NoAvailabilityConfigured", func(t *testing.T) {
		calc := NewCalculator(&fakeRules{templates: weekdays(2, "09:00", "17:00")}, clk, 0)
		_, err := calc.Calculate(ctx, 1, date(2025, 3, 3), date(2025, 3, 9), time.UTC)
		assert.ErrorIs(t, err, models.ErrNoAvailabilityConfigured)
	})

	t.Run("OnlyExceptions", func(t *testing.T) {
		rules := &fakeRules{exceptions: []models.AvailabilityException{
			{ResourceID: 1, Date: "2025-03-05", StartTime: "10:00", EndTime: "11:00"},
		}}
		calc := NewCalculator(rules, clk, 0)
		days, err := calc.Calculate(ctx, 1, date(2025, 3, 3), date(2025, 3, 9), time.UTC)
		require.NoError(t, err)
		assert.Len(t, Flatten(days), 1)
	})

	t.Run("ReversedRange", func(t *testing.T) {
		calc := NewCalculator(&fakeRules{templates: weekdays(1, "09:00", "17:00")}, clk, 0)
		_, err := calc.Calculate(ctx, 1, date(2025, 3, 9), date(2025, 3, 3), time.UTC)
		assert.ErrorIs(t, err, models.ErrInvalidTimeRange)
	})

	t.Run("RangeTooLong", func(t *testing.T) {
		calc := NewCalculator(&fakeRules{templates: weekdays(1, "09:00", "17:00")}, clk, 7)
		_, err := calc.Calculate(ctx, 1, date(2025, 3, 3), date(2025, 3, 10), time.UTC)
		assert.ErrorIs(t, err, models.ErrInvalidTimeRange)
	})

	t.Run("EndBeforeStart", func(t *testing.T) {
		rules := &fakeRules{templates: []models.AvailabilityTemplate{
			{ResourceID: 1, Weekday: time.Monday, StartTime: "17:00", EndTime: "09:00"},
		}}
		calc := NewCalculator(rules, clk, 0)
		_, err := calc.Calculate(ctx, 1, date(2025, 3, 3), date(2025, 3, 3), time.UTC)
		assert.ErrorIs(t, err, models.ErrInvalidTimeRange)
	})

	t.Run("SourceFailure", func(t *testing.T) {
		boom := errors.New("db down")
		calc := NewCalculator(&fakeRules{err: boom}, clk, 0)
		_, err := calc.Calculate(ctx, 1, date(2025, 3, 3), date(2025, 3, 3), time.UTC)
		assert.ErrorIs(t, err, boom)
	})
}

func TestIntersect(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 3, 3, h, 0, 0, 0, time.UTC) }
	a := []models.Interval{{Start: at(9), End: at(12)}, {Start: at(13), End: at(17)}}
	b := []models.Interval{{Start: at(10), End: at(14)}, {Start: at(16), End: at(18)}}

	got := Intersect(a, b)
	assert.Equal(t, []models.Interval{
		{Start: at(10), End: at(12)},
		{Start: at(13), End: at(14)},
		{Start: at(16), End: at(17)},
	}, got)

	assert.Empty(t, Intersect(a, nil))
}
