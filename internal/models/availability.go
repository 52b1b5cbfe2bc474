package models

import (
	"fmt"
	"time"
)

// AvailabilityTemplate is a recurring weekly open-hours rule in business local time.
type AvailabilityTemplate struct {
	ID         int64        `json:"id" yaml:"id"`
	ResourceID int64        `json:"resource_id" yaml:"resource_id"`
	Weekday    time.Weekday `json:"weekday" yaml:"weekday"`
	StartTime  string       `json:"start_time" yaml:"start_time"`
	EndTime    string       `json:"end_time" yaml:"end_time"`
}

// AvailabilityException overrides the templates of one date. IsBlocked closes
// the whole day; otherwise StartTime/EndTime replace the template hours.
type AvailabilityException struct {
	ID         int64  `json:"id" yaml:"id"`
	ResourceID int64  `json:"resource_id" yaml:"resource_id"`
	Date       string `json:"date" yaml:"date"`
	IsBlocked  bool   `json:"is_blocked" yaml:"is_blocked"`
	StartTime  string `json:"start_time,omitempty" yaml:"start_time"`
	EndTime    string `json:"end_time,omitempty" yaml:"end_time"`
}

// DayAvailability lists the open intervals of a local calendar date.
type DayAvailability struct {
	Date      string     `json:"date"`
	Intervals []Interval `json:"intervals"`
}

// ParseClock parses "HH:MM" into hours and minutes. "24:00" is accepted as an end of day.
func ParseClock(value string) (int, int, error) {
	if value == "24:00" {
		return 24, 0, nil
	}
	t, err := time.Parse(ClockLayout, value)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad time of day %q", ErrInvalidTimeRange, value)
	}
	return t.Hour(), t.Minute(), nil
}
