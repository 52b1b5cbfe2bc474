package domain

import (
	"context"
	"time"

	"slotbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SlotLocker is a short-lived advisory lock over slot keys plus a counter
// based rate limit. The database transaction stays the authority on
// conflicts; a lock only makes racing requests fail fast.
type SlotLocker interface {
	Lock(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, keys []string, owner string) error
	CheckRateLimit(ctx context.Context, client string, limit int, window time.Duration) (bool, error)
}

// EventPublisher delivers domain events. Delivery is fire-and-forget for the
// caller: a failing publisher never rolls back a state change.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SheetsWriter interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error
}
