package models

import "time"

// Hold statuses.
const (
	HoldStatusHeld      = "held"
	HoldStatusConfirmed = "confirmed"
	HoldStatusExpired   = "expired"
	HoldStatusReleased  = "released"
)

// Booking statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Resource kinds.
const (
	ResourceKindStaff     = "staff"
	ResourceKindRoom      = "room"
	ResourceKindEquipment = "equipment"
)

// Occupancy kinds.
const (
	OccupancyBooking = "booking"
	OccupancyHold    = "hold"
)

const (
	// DefaultHoldTTL время жизни холда до автоматического истечения
	DefaultHoldTTL = 15 * time.Minute

	// DefaultSlotStep шаг сетки слотов
	DefaultSlotStep = 15 * time.Minute

	// DefaultSweepInterval период фонового прохода по просроченным холдам
	DefaultSweepInterval = 30 * time.Second

	// DefaultSweepBatchSize сколько холдов истекает за один проход
	DefaultSweepBatchSize = 100

	// DefaultMaxRangeDays максимальная длина запрашиваемого периода
	DefaultMaxRangeDays = 62

	// SlotLockTTL время жизни распределенной блокировки слота
	SlotLockTTL = 10 * time.Second

	// DateLayout формат даты для исключений и запросов
	DateLayout = "2006-01-02"

	// ClockLayout формат времени суток в шаблонах
	ClockLayout = "15:04"
)
