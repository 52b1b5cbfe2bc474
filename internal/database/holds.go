package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"slotbook/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var holdColumns = []string{
	"id", "token", "service_id", "start_at", "end_at", "block_end_at",
	"status", "expires_at", "payment_reference", "booking_id", "created_at", "updated_at",
}

// InsertHold stores a held hold and its resource claims. A claim that collides
// with another active claim on the same resource and start is reported as
// ErrSlotUnavailable.
func (q Queries) InsertHold(ctx context.Context, hold *models.Hold) error {
	query, args, err := qb.Insert("holds").
		Columns("token", "service_id", "start_at", "end_at", "block_end_at",
			"status", "expires_at", "payment_reference", "created_at", "updated_at").
		Values(hold.Token, hold.ServiceID, toMillis(hold.StartAt), toMillis(hold.EndAt), toMillis(hold.BlockEndAt),
			hold.Status, toMillis(hold.ExpiresAt), hold.PaymentReference, toMillis(hold.CreatedAt), toMillis(hold.UpdatedAt)).
		ToSql()
	if err != nil {
		return buildError("InsertHold", err)
	}

	result, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate hold token", models.ErrSlotUnavailable)
		}
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	hold.ID = id

	for pos, resourceID := range hold.ResourceIDs {
		query, args, err := qb.Insert("hold_resources").
			Columns("hold_id", "resource_id", "position", "start_at", "block_end_at", "active").
			Values(hold.ID, resourceID, pos, toMillis(hold.StartAt), toMillis(hold.BlockEndAt), 1).
			ToSql()
		if err != nil {
			return buildError("InsertHold", err)
		}
		if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				kind := models.ErrSlotUnavailable
				if len(hold.ResourceIDs) > 1 {
					kind = models.ErrResourceConflict
				}
				return &models.ConflictError{Err: kind, ResourceID: resourceID}
			}
			return fmt.Errorf("failed to insert hold resource: %w", err)
		}
	}
	return nil
}

func (q Queries) GetHoldByToken(ctx context.Context, token string) (*models.Hold, error) {
	holds, err := q.selectHolds(ctx, qb.Select(holdColumns...).From("holds").Where(sq.Eq{"token": token}))
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, models.ErrHoldNotFound
	}
	return holds[0], nil
}

func (q Queries) GetHold(ctx context.Context, id int64) (*models.Hold, error) {
	holds, err := q.selectHolds(ctx, qb.Select(holdColumns...).From("holds").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, models.ErrHoldNotFound
	}
	return holds[0], nil
}

// ExpiredHolds returns up to limit holds still held whose TTL ran out at now.
func (q Queries) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*models.Hold, error) {
	sel := qb.Select(holdColumns...).From("holds").
		Where(sq.Eq{"status": models.HoldStatusHeld}).
		Where(sq.LtOrEq{"expires_at": toMillis(now)}).
		OrderBy("expires_at ASC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	return q.selectHolds(ctx, sel)
}

// StaleHolds returns holds still held on any of the resources, overlapping
// window, whose TTL ran out at now.
func (q Queries) StaleHolds(ctx context.Context, resourceIDs []int64, window models.Interval, now time.Time) ([]*models.Hold, error) {
	cols := make([]string, len(holdColumns))
	for i, c := range holdColumns {
		cols[i] = "h." + c
	}
	sel := qb.Select(cols...).Distinct().From("holds h").
		Join("hold_resources hr ON hr.hold_id = h.id").
		Where(sq.Eq{"h.status": models.HoldStatusHeld, "hr.resource_id": resourceIDs}).
		Where(sq.LtOrEq{"h.expires_at": toMillis(now)}).
		Where(sq.Lt{"hr.start_at": toMillis(window.End)}).
		Where(sq.Gt{"hr.block_end_at": toMillis(window.Start)})
	return q.selectHolds(ctx, sel)
}

// TransitionHold moves a hold from one status to another only if it is still
// in from. It reports whether this call won the transition. Leaving the held
// state for anything but confirmed releases the resource claims.
func (q Queries) TransitionHold(ctx context.Context, id int64, from, to string, now time.Time) (bool, error) {
	query, args, err := qb.Update("holds").
		Set("status", to).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"id": id, "status": from}).
		ToSql()
	if err != nil {
		return false, buildError("TransitionHold", err)
	}
	result, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update hold status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if to == models.HoldStatusExpired || to == models.HoldStatusReleased {
		if err := q.releaseClaims(ctx, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (q Queries) releaseClaims(ctx context.Context, holdID int64) error {
	query, args, err := qb.Update("hold_resources").Set("active", 0).Where(sq.Eq{"hold_id": holdID}).ToSql()
	if err != nil {
		return buildError("releaseClaims", err)
	}
	if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release hold claims: %w", err)
	}
	return nil
}

// AttachBooking records the booking created from a confirmed hold.
func (q Queries) AttachBooking(ctx context.Context, holdID, bookingID int64, paymentReference string, now time.Time) error {
	query, args, err := qb.Update("holds").
		Set("booking_id", bookingID).
		Set("payment_reference", paymentReference).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"id": holdID}).
		ToSql()
	if err != nil {
		return buildError("AttachBooking", err)
	}
	if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to attach booking to hold: %w", err)
	}
	return nil
}

// Occupancies lists confirmed bookings and held holds on the resources whose
// blocked interval overlaps window.
func (q Queries) Occupancies(ctx context.Context, resourceIDs []int64, window models.Interval) ([]models.Occupancy, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	start, end := toMillis(window.Start), toMillis(window.End)

	bookingsQuery, bookingArgs, err := qb.
		Select("'"+models.OccupancyBooking+"'", "b.id", "''", "br.resource_id", "br.start_at", "br.block_end_at").
		From("booking_resources br").
		Join("bookings b ON b.id = br.booking_id").
		Where(sq.Eq{"b.status": models.StatusConfirmed, "br.resource_id": resourceIDs}).
		Where(sq.Lt{"br.start_at": end}).
		Where(sq.Gt{"br.block_end_at": start}).
		ToSql()
	if err != nil {
		return nil, buildError("Occupancies", err)
	}
	holdsQuery, holdArgs, err := qb.
		Select("'"+models.OccupancyHold+"'", "h.id", "h.token", "hr.resource_id", "hr.start_at", "hr.block_end_at").
		From("hold_resources hr").
		Join("holds h ON h.id = hr.hold_id").
		Where(sq.Eq{"h.status": models.HoldStatusHeld, "hr.resource_id": resourceIDs}).
		Where(sq.Lt{"hr.start_at": end}).
		Where(sq.Gt{"hr.block_end_at": start}).
		ToSql()
	if err != nil {
		return nil, buildError("Occupancies", err)
	}

	args := append(bookingArgs, holdArgs...)
	rows, err := q.ex.QueryContext(ctx, bookingsQuery+" UNION ALL "+holdsQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occupancies: %w", err)
	}
	defer rows.Close()

	var out []models.Occupancy
	for rows.Next() {
		var o models.Occupancy
		var s, e int64
		if err := rows.Scan(&o.Kind, &o.ID, &o.Token, &o.ResourceID, &s, &e); err != nil {
			return nil, fmt.Errorf("failed to scan occupancy: %w", err)
		}
		o.Interval = models.Interval{Start: fromMillis(s), End: fromMillis(e)}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate occupancies: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Interval.Start.Before(out[j].Interval.Start)
	})
	return out, nil
}

func (q Queries) selectHolds(ctx context.Context, sel sq.SelectBuilder) ([]*models.Hold, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, buildError("selectHolds", err)
	}
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	var holds []*models.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate holds: %w", err)
	}
	// rows must be closed before the follow-up query on a single-connection pool
	rows.Close()

	for _, h := range holds {
		ids, err := q.resourceIDs(ctx, "hold_resources", "hold_id", h.ID)
		if err != nil {
			return nil, err
		}
		h.ResourceIDs = ids
	}
	return holds, nil
}

func scanHold(rows *sql.Rows) (*models.Hold, error) {
	var (
		h                                         models.Hold
		startAt, endAt, blockEnd, expires, ca, ua int64
		bookingID                                 sql.NullInt64
	)
	err := rows.Scan(&h.ID, &h.Token, &h.ServiceID, &startAt, &endAt, &blockEnd,
		&h.Status, &expires, &h.PaymentReference, &bookingID, &ca, &ua)
	if err != nil {
		return nil, fmt.Errorf("failed to scan hold: %w", err)
	}
	h.StartAt = fromMillis(startAt)
	h.EndAt = fromMillis(endAt)
	h.BlockEndAt = fromMillis(blockEnd)
	h.ExpiresAt = fromMillis(expires)
	h.CreatedAt = fromMillis(ca)
	h.UpdatedAt = fromMillis(ua)
	if bookingID.Valid {
		id := bookingID.Int64
		h.BookingID = &id
	}
	return &h, nil
}

func (q Queries) resourceIDs(ctx context.Context, table, ownerColumn string, ownerID int64) ([]int64, error) {
	query, args, err := qb.Select("resource_id").From(table).
		Where(sq.Eq{ownerColumn: ownerID}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, buildError("resourceIDs", err)
	}
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
