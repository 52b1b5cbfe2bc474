package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"slotbook/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var bookingColumns = []string{
	"id", "hold_token", "service_id", "start_at", "end_at", "block_end_at",
	"status", "payment_reference", "created_at", "updated_at", "cancelled_at",
}

// BookingFilter narrows ListBookings. Zero values are ignored.
type BookingFilter struct {
	ResourceID int64
	From       time.Time
	To         time.Time
	Statuses   []string
	Limit      int
}

func (q Queries) InsertBooking(ctx context.Context, booking *models.Booking) error {
	query, args, err := qb.Insert("bookings").
		Columns("hold_token", "service_id", "start_at", "end_at", "block_end_at",
			"status", "payment_reference", "created_at", "updated_at").
		Values(booking.HoldToken, booking.ServiceID, toMillis(booking.StartAt), toMillis(booking.EndAt),
			toMillis(booking.BlockEndAt), booking.Status, booking.PaymentReference,
			toMillis(booking.CreatedAt), toMillis(booking.UpdatedAt)).
		ToSql()
	if err != nil {
		return buildError("InsertBooking", err)
	}

	result, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	booking.ID = id

	for pos, resourceID := range booking.ResourceIDs {
		query, args, err := qb.Insert("booking_resources").
			Columns("booking_id", "resource_id", "position", "start_at", "block_end_at").
			Values(booking.ID, resourceID, pos, toMillis(booking.StartAt), toMillis(booking.BlockEndAt)).
			ToSql()
		if err != nil {
			return buildError("InsertBooking", err)
		}
		if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert booking resource: %w", err)
		}
	}
	return nil
}

func (q Queries) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	bookings, err := q.selectBookings(ctx, qb.Select(bookingColumns...).From("bookings").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, models.ErrBookingNotFound
	}
	return bookings[0], nil
}

func (q Queries) GetBookingByHoldToken(ctx context.Context, token string) (*models.Booking, error) {
	bookings, err := q.selectBookings(ctx, qb.Select(bookingColumns...).From("bookings").Where(sq.Eq{"hold_token": token}))
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, models.ErrBookingNotFound
	}
	return bookings[0], nil
}

// ListBookings returns bookings ordered by start. A time filter matches
// bookings that overlap [From, To).
func (q Queries) ListBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error) {
	cols := make([]string, len(bookingColumns))
	for i, c := range bookingColumns {
		cols[i] = "b." + c
	}
	sel := qb.Select(cols...).From("bookings b").OrderBy("b.start_at ASC", "b.id ASC")
	if f.ResourceID != 0 {
		sel = sel.Where(sq.Expr("EXISTS (SELECT 1 FROM booking_resources br WHERE br.booking_id = b.id AND br.resource_id = ?)", f.ResourceID))
	}
	if !f.From.IsZero() {
		sel = sel.Where(sq.Gt{"b.end_at": toMillis(f.From)})
	}
	if !f.To.IsZero() {
		sel = sel.Where(sq.Lt{"b.start_at": toMillis(f.To)})
	}
	if len(f.Statuses) > 0 {
		sel = sel.Where(sq.Eq{"b.status": f.Statuses})
	}
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit))
	}
	return q.selectBookings(ctx, sel)
}

// FinishedBookings returns confirmed bookings whose service ended at or before now.
func (q Queries) FinishedBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	sel := qb.Select(bookingColumns...).From("bookings").
		Where(sq.Eq{"status": models.StatusConfirmed}).
		Where(sq.LtOrEq{"end_at": toMillis(now)}).
		OrderBy("end_at ASC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	return q.selectBookings(ctx, sel)
}

// TransitionBooking is the booking counterpart of TransitionHold. Cancelling
// stamps cancelled_at and frees the claims of the originating hold.
func (q Queries) TransitionBooking(ctx context.Context, id int64, from, to string, now time.Time) (bool, error) {
	upd := qb.Update("bookings").
		Set("status", to).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"id": id, "status": from})
	if to == models.StatusCancelled {
		upd = upd.Set("cancelled_at", toMillis(now))
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return false, buildError("TransitionBooking", err)
	}
	result, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if to == models.StatusCancelled {
		query, args, err := qb.Update("hold_resources").
			Set("active", 0).
			Where(sq.Expr("hold_id IN (SELECT h.id FROM holds h JOIN bookings b ON b.hold_token = h.token WHERE b.id = ?)", id)).
			ToSql()
		if err != nil {
			return false, buildError("TransitionBooking", err)
		}
		if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("failed to release booking claims: %w", err)
		}
	}
	return true, nil
}

func (q Queries) selectBookings(ctx context.Context, sel sq.SelectBuilder) ([]*models.Booking, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, buildError("selectBookings", err)
	}
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		var (
			b                                models.Booking
			startAt, endAt, blockEnd, ca, ua int64
			cancelledAt                      sql.NullInt64
		)
		err := rows.Scan(&b.ID, &b.HoldToken, &b.ServiceID, &startAt, &endAt, &blockEnd,
			&b.Status, &b.PaymentReference, &ca, &ua, &cancelledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.StartAt = fromMillis(startAt)
		b.EndAt = fromMillis(endAt)
		b.BlockEndAt = fromMillis(blockEnd)
		b.CreatedAt = fromMillis(ca)
		b.UpdatedAt = fromMillis(ua)
		b.CancelledAt = timePtr(cancelledAt)
		bookings = append(bookings, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	rows.Close()

	for _, b := range bookings {
		ids, err := q.resourceIDs(ctx, "booking_resources", "booking_id", b.ID)
		if err != nil {
			return nil, err
		}
		b.ResourceIDs = ids
	}
	return bookings, nil
}
