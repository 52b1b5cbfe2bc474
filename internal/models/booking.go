package models

import "time"

type Booking struct {
	ID               int64      `json:"id"`
	HoldToken        string     `json:"hold_token"`
	ServiceID        int64      `json:"service_id"`
	ResourceIDs      []int64    `json:"resource_ids"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            time.Time  `json:"end_at"`
	BlockEndAt       time.Time  `json:"block_end_at"`
	Status           string     `json:"status"` // confirmed, cancelled, completed
	PaymentReference string     `json:"payment_reference,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// Occupied returns the interval the booking blocks, buffer included.
func (b *Booking) Occupied() Interval {
	return Interval{Start: b.StartAt, End: b.BlockEndAt}
}

func (b *Booking) PrimaryResource() int64 {
	if len(b.ResourceIDs) == 0 {
		return 0
	}
	return b.ResourceIDs[0]
}

type Hold struct {
	ID               int64     `json:"id"`
	Token            string    `json:"token"`
	ServiceID        int64     `json:"service_id"`
	ResourceIDs      []int64   `json:"resource_ids"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	BlockEndAt       time.Time `json:"block_end_at"`
	Status           string    `json:"status"` // held, confirmed, expired, released
	ExpiresAt        time.Time `json:"expires_at"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	BookingID        *int64    `json:"booking_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (h *Hold) Occupied() Interval {
	return Interval{Start: h.StartAt, End: h.BlockEndAt}
}

// IsExpiredAt reports whether the TTL has run out at now. The boundary
// instant itself counts as expired.
func (h *Hold) IsExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

func (h *Hold) IsTerminal() bool {
	return h.Status != HoldStatusHeld
}
