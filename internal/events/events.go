package events

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"slotbook/internal/models"
)

const (
	EventHoldCreated      = "hold_created"
	EventHoldExpired      = "hold_expired"
	EventHoldReleased     = "hold_released"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCompleted = "booking_completed"
)

// AllTypes lists every event the scheduling core emits.
var AllTypes = []string{
	EventHoldCreated,
	EventHoldExpired,
	EventHoldReleased,
	EventBookingConfirmed,
	EventBookingCancelled,
	EventBookingCompleted,
}

// HoldEventPayload is the hold snapshot sent with hold events.
type HoldEventPayload struct {
	HoldID      int64     `json:"hold_id"`
	HoldToken   string    `json:"hold_token"`
	ServiceID   int64     `json:"service_id"`
	ResourceIDs []int64   `json:"resource_ids"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      string    `json:"status"`
}

func NewHoldPayload(h *models.Hold) HoldEventPayload {
	return HoldEventPayload{
		HoldID:      h.ID,
		HoldToken:   h.Token,
		ServiceID:   h.ServiceID,
		ResourceIDs: h.ResourceIDs,
		StartAt:     h.StartAt,
		EndAt:       h.EndAt,
		ExpiresAt:   h.ExpiresAt,
		Status:      h.Status,
	}
}

func (p HoldEventPayload) EventKey() string {
	return resourceKey(p.ResourceIDs)
}

// BookingEventPayload describes the minimal booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID        int64     `json:"booking_id"`
	HoldToken        string    `json:"hold_token"`
	ServiceID        int64     `json:"service_id"`
	ResourceIDs      []int64   `json:"resource_ids"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
}

func NewBookingPayload(b *models.Booking) BookingEventPayload {
	return BookingEventPayload{
		BookingID:        b.ID,
		HoldToken:        b.HoldToken,
		ServiceID:        b.ServiceID,
		ResourceIDs:      b.ResourceIDs,
		StartAt:          b.StartAt,
		EndAt:            b.EndAt,
		Status:           b.Status,
		PaymentReference: b.PaymentReference,
	}
}

func (p BookingEventPayload) EventKey() string {
	return resourceKey(p.ResourceIDs)
}

// keyed payloads choose the partition key of their event.
type keyed interface {
	EventKey() string
}

func resourceKey(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	return "resource:" + strconv.FormatInt(ids[0], 10)
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	onError     func(event *Event, err error)
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// OnError sets the callback for handler failures. Failures never reach the publisher.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	event := Event{Type: eventType, Payload: raw, CreatedAt: time.Now().UTC()}
	if k, ok := payload.(keyed); ok {
		event.Key = k.EventKey()
	}
	return event, nil
}
