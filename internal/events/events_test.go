package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"slotbook/internal/models"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	err := bus.PublishJSON("test_event", payload)
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %s", decoded["foo"])
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2, all int

	bus.Subscribe(EventHoldExpired, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventHoldExpired, func(_ *Event) error { count2++; return nil })
	bus.SubscribeAll(func(_ *Event) error { all++; return nil })

	bus.Publish(&Event{Type: EventHoldExpired})
	bus.Publish(&Event{Type: EventBookingConfirmed})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
	if all != 2 {
		t.Errorf("expected wildcard handler to see 2 events, got %d", all)
	}
}

func TestEventBusHandlerErrors(t *testing.T) {
	bus := NewEventBus()
	var reported error
	var secondCalled bool

	bus.OnError(func(_ *Event, err error) { reported = err })
	bus.Subscribe("e", func(_ *Event) error { return errors.New("sink down") })
	bus.Subscribe("e", func(_ *Event) error { secondCalled = true; return nil })

	if err := bus.PublishJSON("e", nil); err != nil {
		t.Fatalf("PublishJSON must not surface handler errors: %v", err)
	}
	if reported == nil || reported.Error() != "sink down" {
		t.Errorf("expected handler error to be reported, got %v", reported)
	}
	if !secondCalled {
		t.Errorf("a failing handler must not stop the others")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	err := bus.PublishJSON("unknown", nil)
	if err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	booking := &models.Booking{
		ID:          123,
		HoldToken:   "tok",
		ResourceIDs: []int64{7, 20},
		StartAt:     time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		Status:      models.StatusConfirmed,
	}
	event, err := NewJSONEvent(EventBookingConfirmed, NewBookingPayload(booking))
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.Type != EventBookingConfirmed {
		t.Errorf("expected %s, got %s", EventBookingConfirmed, event.Type)
	}
	if event.Key != "resource:7" {
		t.Errorf("expected key resource:7, got %q", event.Key)
	}
	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded BookingEventPayload
	if err := json.Unmarshal(event.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.BookingID != 123 || decoded.HoldToken != "tok" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestNewHoldPayload(t *testing.T) {
	hold := &models.Hold{ID: 5, Token: "h", ResourceIDs: []int64{3}, Status: models.HoldStatusExpired}
	p := NewHoldPayload(hold)
	if p.HoldID != 5 || p.Status != models.HoldStatusExpired || p.EventKey() != "resource:3" {
		t.Errorf("unexpected payload %+v", p)
	}
	if (HoldEventPayload{}).EventKey() != "" {
		t.Errorf("payload without resources must have an empty key")
	}
}
