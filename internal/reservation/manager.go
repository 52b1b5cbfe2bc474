package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotbook/internal/clock"
	"slotbook/internal/conflict"
	"slotbook/internal/database"
	"slotbook/internal/domain"
	"slotbook/internal/events"
	"slotbook/internal/metrics"
	"slotbook/internal/models"
	"slotbook/internal/repository"
	"slotbook/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HoldRequest is a fully resolved hold: the service has already been looked
// up and the slot start lies on its grid.
type HoldRequest struct {
	ServiceID   int64
	ResourceIDs []int64
	Start       time.Time
	Duration    time.Duration
	Buffer      time.Duration
}

// Manager owns the hold state machine. Create and confirm each run as one
// immediate sqlite transaction: the conflict re-check and the write happen
// under the database write lock, and the partial unique index on active
// claims rejects anything that slips past it.
type Manager struct {
	db        *database.DB
	clock     clock.Clock
	ttl       time.Duration
	locker    domain.SlotLocker
	retry     worker.RetryPolicy
	publisher domain.EventPublisher
	logger    *zerolog.Logger
	newToken  func() string
}

type Option func(*Manager)

func WithHoldTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithLocker puts a fail-fast slot lock in front of CreateHold.
func WithLocker(l domain.SlotLocker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithRetryPolicy(p worker.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

func WithPublisher(p domain.EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(db *database.DB, opts ...Option) *Manager {
	nop := zerolog.Nop()
	m := &Manager{
		db:    db,
		clock: clock.Real{},
		ttl:   models.DefaultHoldTTL,
		retry: worker.RetryPolicy{
			MaxRetries:    3,
			InitialDelay:  20 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			BackoffFactor: 2,
		},
		logger:   &nop,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateHold reserves every requested resource for the slot or none of them.
// Losers of a race get a conflict-class error.
func (m *Manager) CreateHold(ctx context.Context, req HoldRequest) (*models.Hold, error) {
	if len(req.ResourceIDs) == 0 || req.Start.IsZero() || req.Duration <= 0 || req.Buffer < 0 {
		return nil, models.ErrInvalidTimeRange
	}

	now := m.clock.Now()
	start := req.Start.UTC()
	hold := &models.Hold{
		Token:       m.newToken(),
		ServiceID:   req.ServiceID,
		ResourceIDs: req.ResourceIDs,
		StartAt:     start,
		EndAt:       start.Add(req.Duration),
		BlockEndAt:  start.Add(req.Duration + req.Buffer),
		Status:      models.HoldStatusHeld,
		ExpiresAt:   now.Add(m.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log := m.logger.With().Str("hold_token", hold.Token).Ints64("resource_ids", hold.ResourceIDs).Time("start_at", start).Logger()

	if m.locker != nil {
		keys := repository.SlotKeys(hold.ResourceIDs, start)
		ok, err := m.locker.Lock(ctx, keys, hold.Token, models.SlotLockTTL)
		switch {
		case err != nil:
			// блокировка только ускоряет отказ, транзакция всё равно проверит конфликт
			log.Warn().Err(err).Msg("slot lock unavailable")
		case !ok:
			metrics.IncConflict("lock")
			return nil, &models.ConflictError{Err: conflictKind(hold.ResourceIDs), ResourceID: hold.ResourceIDs[0]}
		default:
			defer func() {
				if err := m.locker.Unlock(context.WithoutCancel(ctx), keys, hold.Token); err != nil {
					log.Warn().Err(err).Msg("slot unlock failed")
				}
			}()
		}
	}

	var expired []*models.Hold
	err := m.retry.Do(ctx, database.IsTransient, func() error {
		expired = nil
		return m.db.RunInTx(ctx, func(tx *database.Tx) error {
			var err error
			expired, err = expireStale(ctx, tx, hold.ResourceIDs, hold.Occupied(), now)
			if err != nil {
				return err
			}

			occs, err := tx.Occupancies(ctx, hold.ResourceIDs, hold.Occupied())
			if err != nil {
				return err
			}
			if err := conflict.Evaluate(occs, hold.ResourceIDs, hold.Occupied(), ""); err != nil {
				return err
			}
			return tx.InsertHold(ctx, hold)
		})
	})
	if err != nil {
		if models.IsConflict(err) {
			metrics.IncConflict("check")
			log.Debug().Err(err).Msg("hold rejected")
			return nil, err
		}
		return nil, fmt.Errorf("create hold: %w", err)
	}

	m.publishExpired(expired)
	m.publish(events.EventHoldCreated, events.NewHoldPayload(hold))
	log.Info().Time("expires_at", hold.ExpiresAt).Msg("hold created")
	return hold, nil
}

// ConfirmHold turns a live hold into a booking. A duplicate confirm of the
// same token inside the TTL returns the existing booking; any confirm at or
// after expires_at fails with ErrHoldExpired and creates nothing.
func (m *Manager) ConfirmHold(ctx context.Context, token, paymentReference string) (*models.Booking, error) {
	if token == "" {
		return nil, models.ErrHoldNotFound
	}

	var (
		booking  *models.Booking
		created  bool
		expired  *models.Hold
		released *models.Hold
		outcome  error
	)
	err := m.retry.Do(ctx, database.IsTransient, func() error {
		booking, created, expired, released, outcome = nil, false, nil, nil, nil
		now := m.clock.Now()

		return m.db.RunInTx(ctx, func(tx *database.Tx) error {
			hold, err := tx.GetHoldByToken(ctx, token)
			if err != nil {
				return err
			}

			if hold.IsExpiredAt(now) {
				if hold.Status == models.HoldStatusHeld {
					ok, err := tx.TransitionHold(ctx, hold.ID, models.HoldStatusHeld, models.HoldStatusExpired, now)
					if err != nil {
						return err
					}
					if ok {
						hold.Status = models.HoldStatusExpired
						expired = hold
					}
				}
				outcome = models.ErrHoldExpired
				return nil
			}

			switch hold.Status {
			case models.HoldStatusConfirmed:
				booking, err = tx.GetBookingByHoldToken(ctx, token)
				if err != nil {
					return err
				}
				if paymentReference != "" && booking.PaymentReference != paymentReference {
					m.logger.Warn().Str("hold_token", token).
						Str("payment_reference", paymentReference).
						Str("booked_reference", booking.PaymentReference).
						Msg("duplicate confirm with a different payment reference")
				}
				return nil
			case models.HoldStatusHeld:
			default:
				outcome = models.ErrHoldExpired
				return nil
			}

			occs, err := tx.Occupancies(ctx, hold.ResourceIDs, hold.Occupied())
			if err != nil {
				return err
			}
			if cerr := conflict.Evaluate(occs, hold.ResourceIDs, hold.Occupied(), hold.Token); cerr != nil {
				ok, err := tx.TransitionHold(ctx, hold.ID, models.HoldStatusHeld, models.HoldStatusReleased, now)
				if err != nil {
					return err
				}
				if ok {
					hold.Status = models.HoldStatusReleased
					released = hold
				}
				outcome = cerr
				return nil
			}

			ok, err := tx.TransitionHold(ctx, hold.ID, models.HoldStatusHeld, models.HoldStatusConfirmed, now)
			if err != nil {
				return err
			}
			if !ok {
				outcome = models.ErrHoldExpired
				return nil
			}

			b := &models.Booking{
				HoldToken:        hold.Token,
				ServiceID:        hold.ServiceID,
				ResourceIDs:      hold.ResourceIDs,
				StartAt:          hold.StartAt,
				EndAt:            hold.EndAt,
				BlockEndAt:       hold.BlockEndAt,
				Status:           models.StatusConfirmed,
				PaymentReference: paymentReference,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.InsertBooking(ctx, b); err != nil {
				return err
			}
			if err := tx.AttachBooking(ctx, hold.ID, b.ID, paymentReference, now); err != nil {
				return err
			}
			booking, created = b, true
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrHoldNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("confirm hold: %w", err)
	}

	if expired != nil {
		m.publishExpired([]*models.Hold{expired})
	}
	if released != nil {
		metrics.IncConflict("confirm")
		m.publish(events.EventHoldReleased, events.NewHoldPayload(released))
	}
	if outcome != nil {
		m.logger.Info().Err(outcome).Str("hold_token", token).Msg("confirm rejected")
		return nil, outcome
	}

	if created {
		m.publish(events.EventBookingConfirmed, events.NewBookingPayload(booking))
		m.logger.Info().Str("hold_token", token).Int64("booking_id", booking.ID).Msg("hold confirmed")
	} else {
		m.logger.Info().Str("hold_token", token).Int64("booking_id", booking.ID).Msg("duplicate confirm")
	}
	return booking, nil
}

// CancelHold releases a live hold. Cancelling a hold that already expired or
// was released is a no-op; a confirmed hold has to be cancelled as a booking.
func (m *Manager) CancelHold(ctx context.Context, token string) error {
	var (
		changed *models.Hold
		outcome error
	)
	err := m.retry.Do(ctx, database.IsTransient, func() error {
		changed, outcome = nil, nil
		now := m.clock.Now()

		return m.db.RunInTx(ctx, func(tx *database.Tx) error {
			hold, err := tx.GetHoldByToken(ctx, token)
			if err != nil {
				return err
			}
			switch hold.Status {
			case models.HoldStatusConfirmed:
				outcome = models.ErrHoldAlreadyConfirmed
				return nil
			case models.HoldStatusHeld:
			default:
				return nil
			}

			to := models.HoldStatusReleased
			if hold.IsExpiredAt(now) {
				to = models.HoldStatusExpired
			}
			ok, err := tx.TransitionHold(ctx, hold.ID, models.HoldStatusHeld, to, now)
			if err != nil {
				return err
			}
			if ok {
				hold.Status = to
				changed = hold
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrHoldNotFound) {
			return err
		}
		return fmt.Errorf("cancel hold: %w", err)
	}
	if outcome != nil {
		return outcome
	}

	if changed != nil {
		if changed.Status == models.HoldStatusExpired {
			m.publishExpired([]*models.Hold{changed})
		} else {
			m.publish(events.EventHoldReleased, events.NewHoldPayload(changed))
			m.logger.Info().Str("hold_token", token).Msg("hold released")
		}
	}
	return nil
}

// CancelBooking cancels a confirmed booking and frees its slot.
func (m *Manager) CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, error) {
	var booking *models.Booking
	err := m.retry.Do(ctx, database.IsTransient, func() error {
		now := m.clock.Now()
		return m.db.RunInTx(ctx, func(tx *database.Tx) error {
			b, err := tx.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			ok, err := tx.TransitionBooking(ctx, b.ID, models.StatusConfirmed, models.StatusCancelled, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: status %s", models.ErrBookingNotCancellable, b.Status)
			}
			b.Status = models.StatusCancelled
			b.UpdatedAt = now
			b.CancelledAt = &now
			booking = b
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrBookingNotFound) || errors.Is(err, models.ErrBookingNotCancellable) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	m.publish(events.EventBookingCancelled, events.NewBookingPayload(booking))
	m.logger.Info().Int64("booking_id", booking.ID).Msg("booking cancelled")
	return booking, nil
}

func (m *Manager) GetHold(ctx context.Context, token string) (*models.Hold, error) {
	return m.db.GetHoldByToken(ctx, token)
}

// expireStale moves held holds overlapping window whose TTL ran out to
// expired, so a slot is never offered again while its old hold is still held.
func expireStale(ctx context.Context, tx *database.Tx, resourceIDs []int64, window models.Interval, now time.Time) ([]*models.Hold, error) {
	stale, err := tx.StaleHolds(ctx, resourceIDs, window, now)
	if err != nil {
		return nil, err
	}
	var out []*models.Hold
	for _, h := range stale {
		ok, err := tx.TransitionHold(ctx, h.ID, models.HoldStatusHeld, models.HoldStatusExpired, now)
		if err != nil {
			return nil, err
		}
		if ok {
			h.Status = models.HoldStatusExpired
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Manager) publishExpired(holds []*models.Hold) {
	for _, h := range holds {
		m.publish(events.EventHoldExpired, events.NewHoldPayload(h))
		m.logger.Info().Str("hold_token", h.Token).Msg("hold expired")
	}
}

func (m *Manager) publish(eventType string, payload interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

func conflictKind(resourceIDs []int64) error {
	if len(resourceIDs) > 1 {
		return models.ErrResourceConflict
	}
	return models.ErrSlotUnavailable
}
