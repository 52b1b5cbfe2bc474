package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoAvailabilityConfigured = errors.New("no availability configured")
	ErrSlotUnavailable          = errors.New("slot unavailable")
	ErrHoldExpired              = errors.New("hold expired")
	ErrHoldAlreadyConfirmed     = errors.New("hold already confirmed")
	ErrResourceConflict         = errors.New("resource conflict")
	ErrInvalidTimeRange         = errors.New("invalid time range")

	ErrHoldNotFound          = errors.New("hold not found")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrServiceNotFound       = errors.New("service not found")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrBookingNotCancellable = errors.New("booking cannot be cancelled")
	ErrPaymentRequired       = errors.New("service requires payment")
)

// ConflictError reports which occupancy blocks a requested slot.
type ConflictError struct {
	Err        error
	ResourceID int64
	Blocking   *Occupancy
}

func (e *ConflictError) Error() string {
	if e.Blocking == nil {
		return fmt.Sprintf("%v: resource %d", e.Err, e.ResourceID)
	}
	return fmt.Sprintf("%v: resource %d blocked by %s %d", e.Err, e.ResourceID, e.Blocking.Kind, e.Blocking.ID)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is one of the conflict-class errors the
// caller should answer by re-selecting a slot.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotUnavailable) || errors.Is(err, ErrResourceConflict)
}
