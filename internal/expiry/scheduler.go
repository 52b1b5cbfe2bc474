package expiry

import (
	"context"
	"time"

	"slotbook/internal/clock"
	"slotbook/internal/config"
	"slotbook/internal/database"
	"slotbook/internal/domain"
	"slotbook/internal/logging"
	"slotbook/internal/events"
	"slotbook/internal/metrics"
	"slotbook/internal/models"
	"slotbook/internal/worker"

	"github.com/rs/zerolog"
)

// maxBatchesPerSweep bounds one sweep so a large backlog cannot starve the ticker.
const maxBatchesPerSweep = 50

// Report summarizes one sweep.
type Report struct {
	Expired   int
	Completed int
}

// Scheduler reclaims held holds whose TTL ran out and closes bookings whose
// service time has passed. Every transition is a guarded update, so a
// concurrent confirm and the sweep can never both win.
type Scheduler struct {
	db        *database.DB
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	retry     worker.RetryPolicy
	publisher domain.EventPublisher
	logger    *zerolog.Logger
}

func NewScheduler(db *database.DB, cfg config.SchedulerConfig, c clock.Clock, publisher domain.EventPublisher, logger *zerolog.Logger) *Scheduler {
	l := logging.Component(logger, "expiry")

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = models.DefaultSweepBatchSize
	}
	return &Scheduler{
		db:        db,
		clock:     clock.OrReal(c),
		interval:  cfg.Interval(),
		batchSize: batch,
		retry: worker.RetryPolicy{
			MaxRetries:    3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
		publisher: publisher,
		logger:    l,
	}
}

// Start sweeps immediately and then on every tick until ctx is done. A failed
// sweep is logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).Msg("expiry scheduler started")
	defer s.logger.Info().Msg("expiry scheduler stopped")

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if report.Expired > 0 || report.Completed > 0 {
		s.logger.Info().Int("expired", report.Expired).Int("completed", report.Completed).Msg("sweep finished")
	}
}

// Sweep runs one expiry pass and one completion pass. Re-running it is a no-op
// for holds and bookings that already left their source state.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(started)) }()

	now := s.clock.Now()
	var report Report

	for i := 0; i < maxBatchesPerSweep; i++ {
		n, err := s.expireBatch(ctx, now)
		report.Expired += n
		if err != nil {
			return report, err
		}
		if n < s.batchSize {
			break
		}
	}

	for i := 0; i < maxBatchesPerSweep; i++ {
		n, err := s.completeBatch(ctx, now)
		report.Completed += n
		if err != nil {
			return report, err
		}
		if n < s.batchSize {
			break
		}
	}
	return report, nil
}

func (s *Scheduler) expireBatch(ctx context.Context, now time.Time) (int, error) {
	var expired []*models.Hold
	err := s.retry.Do(ctx, database.IsTransient, func() error {
		expired = nil
		return s.db.RunInTx(ctx, func(tx *database.Tx) error {
			holds, err := tx.ExpiredHolds(ctx, now, s.batchSize)
			if err != nil {
				return err
			}
			for _, h := range holds {
				ok, err := tx.TransitionHold(ctx, h.ID, models.HoldStatusHeld, models.HoldStatusExpired, now)
				if err != nil {
					return err
				}
				// проиграли гонку с подтверждением
				if !ok {
					continue
				}
				h.Status = models.HoldStatusExpired
				h.UpdatedAt = now
				expired = append(expired, h)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	for _, h := range expired {
		s.publish(events.EventHoldExpired, events.NewHoldPayload(h))
		s.logger.Debug().Str("hold_token", h.Token).Time("expires_at", h.ExpiresAt).Msg("hold expired")
	}
	return len(expired), nil
}

func (s *Scheduler) completeBatch(ctx context.Context, now time.Time) (int, error) {
	var completed []*models.Booking
	err := s.retry.Do(ctx, database.IsTransient, func() error {
		completed = nil
		return s.db.RunInTx(ctx, func(tx *database.Tx) error {
			bookings, err := tx.FinishedBookings(ctx, now, s.batchSize)
			if err != nil {
				return err
			}
			for _, b := range bookings {
				ok, err := tx.TransitionBooking(ctx, b.ID, models.StatusConfirmed, models.StatusCompleted, now)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				b.Status = models.StatusCompleted
				b.UpdatedAt = now
				completed = append(completed, b)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	for _, b := range completed {
		s.publish(events.EventBookingCompleted, events.NewBookingPayload(b))
	}
	return len(completed), nil
}

func (s *Scheduler) publish(eventType string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
