package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotbook/internal/availability"
	"slotbook/internal/clock"
	"slotbook/internal/conflict"
	"slotbook/internal/database"
	"slotbook/internal/models"
	"slotbook/internal/reservation"
	"slotbook/internal/slots"

	"github.com/rs/zerolog"
)

// LocalSlotLayout is the business-time rendering of a slot start.
const LocalSlotLayout = "2006-01-02T15:04"

type Catalog interface {
	GetService(ctx context.Context, id int64) (*models.Service, error)
	GetResource(ctx context.Context, id int64) (*models.Resource, error)
}

type BookingStore interface {
	conflict.OccupancySource
	ListBookings(ctx context.Context, f database.BookingFilter) ([]*models.Booking, error)
}

// BookingService is the external interface of the scheduling core: slot
// listing on the read path and hold operations on the write path.
type BookingService struct {
	catalog    Catalog
	store      BookingStore
	calculator *availability.Calculator
	generator  *slots.Generator
	checker    *conflict.Checker
	guard      *conflict.Guard
	manager    *reservation.Manager
	business   models.BusinessConfig
	loc        *time.Location
	logger     *zerolog.Logger
}

func NewBookingService(
	catalog Catalog,
	store BookingStore,
	rules availability.RuleSource,
	manager *reservation.Manager,
	business models.BusinessConfig,
	clk clock.Clock,
	logger *zerolog.Logger,
) (*BookingService, error) {
	loc, err := business.Location()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk = clock.OrReal(clk)
	return &BookingService{
		catalog:    catalog,
		store:      store,
		calculator: availability.NewCalculator(rules, clk, business.RangeLimit()),
		generator:  slots.NewGenerator(clk, business.LeadTime()),
		checker:    conflict.NewChecker(store),
		guard:      conflict.NewGuard(store),
		manager:    manager,
		business:   business,
		loc:        loc,
		logger:     logger,
	}, nil
}

func (s *BookingService) Location() *time.Location {
	return s.loc
}

// GetAvailableSlots lists the bookable starts for a service on a resource
// between the local dates of from and to. The answer is advisory: a slot can
// be taken between listing and CreateHold.
func (s *BookingService) GetAvailableSlots(ctx context.Context, resourceID, serviceID int64, from, to time.Time) ([]models.Slot, error) {
	svc, ids, err := s.resolve(ctx, resourceID, serviceID)
	if err != nil {
		return nil, err
	}

	starts, err := s.candidates(ctx, svc, ids, from.In(s.loc), to.In(s.loc))
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return []models.Slot{}, nil
	}

	duration, span := svc.Duration(), svc.Duration()+svc.Buffer(s.business)
	window := models.Interval{Start: starts[0], End: starts[len(starts)-1].Add(span)}
	occs, err := s.store.Occupancies(ctx, ids, window)
	if err != nil {
		return nil, fmt.Errorf("load occupancies: %w", err)
	}

	free := conflict.FilterFree(starts, span, occs, ids)
	out := make([]models.Slot, 0, len(free))
	for _, start := range free {
		out = append(out, models.Slot{
			Start:      start,
			End:        start.Add(duration),
			LocalStart: start.In(s.loc).Format(LocalSlotLayout),
		})
	}
	return out, nil
}

// CreateHold holds slotStart for the service on the resource and every shared
// resource the service needs. slotStart must be one of the offered starts.
func (s *BookingService) CreateHold(ctx context.Context, resourceID, serviceID int64, slotStart time.Time) (*models.Hold, error) {
	svc, ids, err := s.resolve(ctx, resourceID, serviceID)
	if err != nil {
		return nil, err
	}
	if slotStart.IsZero() {
		return nil, fmt.Errorf("%w: slot start is required", models.ErrInvalidTimeRange)
	}

	day := slotStart.In(s.loc)
	starts, err := s.candidates(ctx, svc, ids, day, day)
	if err != nil {
		return nil, err
	}
	if !containsInstant(starts, slotStart) {
		return nil, &models.ConflictError{Err: models.ErrSlotUnavailable, ResourceID: resourceID}
	}

	// A confirmed booking in the way fails without taking the write lock.
	// Held holds may already be past their TTL; the manager expires those.
	span := svc.Duration() + svc.Buffer(s.business)
	if err := s.guard.CheckAll(ctx, ids, models.Interval{Start: slotStart, End: slotStart.Add(span)}); err != nil {
		var cerr *models.ConflictError
		if !errors.As(err, &cerr) || cerr.Blocking == nil || cerr.Blocking.Kind == models.OccupancyBooking {
			return nil, err
		}
	}

	return s.manager.CreateHold(ctx, reservation.HoldRequest{
		ServiceID:   svc.ID,
		ResourceIDs: ids,
		Start:       slotStart,
		Duration:    svc.Duration(),
		Buffer:      svc.Buffer(s.business),
	})
}

// CheckSlot reports whether start is free for the service on the resource and
// its shared resources. The first taken resource is reported as the blocker.
func (s *BookingService) CheckSlot(ctx context.Context, resourceID, serviceID int64, start time.Time) (conflict.Result, error) {
	svc, ids, err := s.resolve(ctx, resourceID, serviceID)
	if err != nil {
		return conflict.Result{}, err
	}
	if start.IsZero() {
		return conflict.Result{}, fmt.Errorf("%w: slot start is required", models.ErrInvalidTimeRange)
	}

	slot := models.Interval{Start: start, End: start.Add(svc.Duration() + svc.Buffer(s.business))}
	for _, id := range ids {
		res, err := s.checker.Check(ctx, id, slot)
		if err != nil {
			return conflict.Result{}, err
		}
		if !res.Free {
			return res, nil
		}
	}
	return conflict.Result{Free: true}, nil
}

func (s *BookingService) ConfirmHold(ctx context.Context, token, paymentReference string) (*models.Booking, error) {
	return s.manager.ConfirmHold(ctx, token, paymentReference)
}

func (s *BookingService) CancelHold(ctx context.Context, token string) error {
	return s.manager.CancelHold(ctx, token)
}

func (s *BookingService) GetHold(ctx context.Context, token string) (*models.Hold, error) {
	return s.manager.GetHold(ctx, token)
}

func (s *BookingService) CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, error) {
	return s.manager.CancelBooking(ctx, bookingID)
}

// HandlePaymentResult is the payment gateway integration point: success
// confirms the hold, failure releases it.
func (s *BookingService) HandlePaymentResult(ctx context.Context, token, paymentReference string, success bool) (*models.Booking, error) {
	if success {
		return s.ConfirmHold(ctx, token, paymentReference)
	}
	s.logger.Info().Str("hold_token", token).Str("payment_reference", paymentReference).Msg("payment failed, releasing hold")
	return nil, s.CancelHold(ctx, token)
}

// Book holds and immediately confirms a slot of a service that needs no payment.
func (s *BookingService) Book(ctx context.Context, resourceID, serviceID int64, slotStart time.Time) (*models.Booking, error) {
	svc, err := s.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.RequiresPayment {
		return nil, models.ErrPaymentRequired
	}

	hold, err := s.CreateHold(ctx, resourceID, serviceID, slotStart)
	if err != nil {
		return nil, err
	}
	return s.manager.ConfirmHold(ctx, hold.Token, "")
}

func (s *BookingService) ListBookings(ctx context.Context, f database.BookingFilter) ([]*models.Booking, error) {
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, fmt.Errorf("%w: range ends before it starts", models.ErrInvalidTimeRange)
	}
	return s.store.ListBookings(ctx, f)
}

// resolve loads the active service and resource and returns the full set of
// resources a booking of it occupies.
func (s *BookingService) resolve(ctx context.Context, resourceID, serviceID int64) (*models.Service, []int64, error) {
	svc, err := s.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	}
	if !svc.IsActive {
		return nil, nil, fmt.Errorf("%w: service %d is inactive", models.ErrServiceNotFound, serviceID)
	}
	if svc.DurationMinutes <= 0 {
		return nil, nil, fmt.Errorf("%w: service %d has no duration", models.ErrInvalidTimeRange, serviceID)
	}

	ids := svc.ResourceSet(resourceID)
	for _, id := range ids {
		r, err := s.catalog.GetResource(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !r.IsActive {
			return nil, nil, fmt.Errorf("%w: resource %d is inactive", models.ErrResourceNotFound, id)
		}
	}
	return svc, ids, nil
}

// candidates returns the slot starts on the common open hours of every
// resource, before conflicts are applied.
func (s *BookingService) candidates(ctx context.Context, svc *models.Service, ids []int64, from, to time.Time) ([]time.Time, error) {
	var open []models.Interval
	for i, id := range ids {
		days, err := s.calculator.Calculate(ctx, id, from, to, s.loc)
		if err != nil {
			return nil, err
		}
		intervals := availability.Merge(availability.Flatten(days))
		if i == 0 {
			open = intervals
			continue
		}
		open = availability.Intersect(open, intervals)
	}
	return s.generator.Generate(open, svc.Duration(), svc.Buffer(s.business), svc.Step(s.business)), nil
}

func containsInstant(list []time.Time, t time.Time) bool {
	for _, v := range list {
		if v.Equal(t) {
			return true
		}
	}
	return false
}
