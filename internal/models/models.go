package models

import (
	"fmt"
	"time"
)

// Resource is anything that can be booked: a staff member, a room, a piece of equipment.
type Resource struct {
	ID       int64  `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
}

type Service struct {
	ID                 int64   `json:"id" yaml:"id"`
	Name               string  `json:"name" yaml:"name"`
	DurationMinutes    int     `json:"duration_minutes" yaml:"duration_minutes"`
	BufferAfterMinutes int     `json:"buffer_after_minutes" yaml:"buffer_after_minutes"`
	RequiresPayment    bool    `json:"requires_payment" yaml:"requires_payment"`
	SlotStepMinutes    int     `json:"slot_step_minutes" yaml:"slot_step_minutes"`
	BackToBack         bool    `json:"back_to_back" yaml:"back_to_back"`
	RequiredResources  []int64 `json:"required_resources" yaml:"required_resources"`
	IsActive           bool    `json:"is_active" yaml:"is_active"`
}

func (s *Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Buffer returns the gap after the service. Negative BufferAfterMinutes
// falls back to the business default.
func (s *Service) Buffer(cfg BusinessConfig) time.Duration {
	if s.BufferAfterMinutes < 0 {
		return time.Duration(cfg.DefaultBufferMinutes) * time.Minute
	}
	return time.Duration(s.BufferAfterMinutes) * time.Minute
}

// Step returns the slot grid step for the service. Zero means back-to-back
// slots (duration + buffer).
func (s *Service) Step(cfg BusinessConfig) time.Duration {
	switch {
	case s.BackToBack:
		return 0
	case s.SlotStepMinutes > 0:
		return time.Duration(s.SlotStepMinutes) * time.Minute
	case cfg.SlotStepMinutes > 0:
		return time.Duration(cfg.SlotStepMinutes) * time.Minute
	default:
		return DefaultSlotStep
	}
}

// ResourceSet returns the primary resource followed by the service's required
// shared resources, without duplicates.
func (s *Service) ResourceSet(primary int64) []int64 {
	out := []int64{primary}
	seen := map[int64]bool{primary: true}
	for _, id := range s.RequiredResources {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// BusinessConfig holds the scheduling settings shared by every resource.
type BusinessConfig struct {
	Timezone             string `yaml:"timezone"`
	DefaultBufferMinutes int    `yaml:"default_buffer_minutes"`
	MinLeadMinutes       int    `yaml:"min_lead_minutes"`
	SlotStepMinutes      int    `yaml:"slot_step_minutes"`
	HoldTTLMinutes       int    `yaml:"hold_ttl_minutes"`
	MaxRangeDays         int    `yaml:"max_range_days"`
}

func (c BusinessConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c BusinessConfig) LeadTime() time.Duration {
	return time.Duration(c.MinLeadMinutes) * time.Minute
}

func (c BusinessConfig) HoldTTL() time.Duration {
	if c.HoldTTLMinutes <= 0 {
		return DefaultHoldTTL
	}
	return time.Duration(c.HoldTTLMinutes) * time.Minute
}

func (c BusinessConfig) RangeLimit() int {
	if c.MaxRangeDays <= 0 {
		return DefaultMaxRangeDays
	}
	return c.MaxRangeDays
}

// Catalog is the admin-maintained configuration the scheduling core reads.
type Catalog struct {
	Resources  []Resource              `yaml:"resources"`
	Services   []Service               `yaml:"services"`
	Templates  []AvailabilityTemplate  `yaml:"templates"`
	Exceptions []AvailabilityException `yaml:"exceptions"`
}
