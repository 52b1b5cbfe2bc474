package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"slotbook/internal/config"
	"slotbook/internal/domain"
	"slotbook/internal/events"
	"slotbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const timeLayout = "02.01.2006 15:04"

type resourceLookup interface {
	GetResource(ctx context.Context, id int64) (*models.Resource, error)
}

// Notifier tells the manager chats about confirmed and cancelled bookings and
// expired holds.
type Notifier struct {
	sender    domain.TelegramSender
	chatIDs   []int64
	resources resourceLookup
	loc       *time.Location
	logger    *zerolog.Logger
}

// NewBotAPI connects to Telegram with the configured token.
func NewBotAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = cfg.Debug
	return api, nil
}

func NewNotifier(sender domain.TelegramSender, chatIDs []int64, resources resourceLookup, loc *time.Location, logger *zerolog.Logger) *Notifier {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Notifier{
		sender:    sender,
		chatIDs:   chatIDs,
		resources: resources,
		loc:       loc,
		logger:    &l,
	}
}

func (n *Notifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventBookingConfirmed, n.onBooking)
	bus.Subscribe(events.EventBookingCancelled, n.onBooking)
	bus.Subscribe(events.EventHoldExpired, n.onHoldExpired)
}

func (n *Notifier) onBooking(event *events.Event) error {
	var p events.BookingEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}

	var b strings.Builder
	switch event.Type {
	case events.EventBookingConfirmed:
		b.WriteString("✅ Новая запись подтверждена\n")
	default:
		b.WriteString("❌ Запись отменена\n")
	}
	fmt.Fprintf(&b, "Запись #%d\n", p.BookingID)
	fmt.Fprintf(&b, "Время: %s - %s\n", p.StartAt.In(n.loc).Format(timeLayout), p.EndAt.In(n.loc).Format("15:04"))
	fmt.Fprintf(&b, "Ресурсы: %s", n.resourceNames(p.ResourceIDs))
	if p.PaymentReference != "" {
		fmt.Fprintf(&b, "\nПлатёж: %s", p.PaymentReference)
	}
	return n.broadcast(b.String())
}

func (n *Notifier) onHoldExpired(event *events.Event) error {
	var p events.HoldEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}
	text := fmt.Sprintf("⌛ Бронь не оплачена и снята\nВремя: %s\nРесурсы: %s",
		p.StartAt.In(n.loc).Format(timeLayout), n.resourceNames(p.ResourceIDs))
	return n.broadcast(text)
}

func (n *Notifier) resourceNames(ids []int64) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name := fmt.Sprintf("#%d", id)
		if n.resources != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r, err := n.resources.GetResource(ctx, id)
			cancel()
			if err == nil && r.Name != "" {
				name = r.Name
			}
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// broadcast sends text to every chat and returns the first error.
func (n *Notifier) broadcast(text string) error {
	var firstErr error
	for _, chatID := range n.chatIDs {
		if _, err := n.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send notification")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
