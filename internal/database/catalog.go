package database

import (
	"context"
	"fmt"
	"time"

	"slotbook/internal/models"

	sq "github.com/Masterminds/squirrel"
)

// SaveCatalog upserts resources and services and replaces the availability
// rules of every resource mentioned in the catalog. The in-memory cache is
// rebuilt afterwards.
func (db *DB) SaveCatalog(ctx context.Context, catalog *models.Catalog) error {
	err := db.RunInTx(ctx, func(tx *Tx) error {
		for i := range catalog.Resources {
			r := &catalog.Resources[i]
			if r.Kind == "" {
				r.Kind = models.ResourceKindStaff
			}
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO resources (id, name, kind, is_active) VALUES (?, ?, ?, ?)
                 ON CONFLICT(id) DO UPDATE SET name = excluded.name, kind = excluded.kind, is_active = excluded.is_active`,
				r.ID, r.Name, r.Kind, r.IsActive)
			if err != nil {
				return fmt.Errorf("failed to upsert resource %d: %w", r.ID, err)
			}
		}

		for i := range catalog.Services {
			s := &catalog.Services[i]
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO services (id, name, duration_minutes, buffer_after_minutes, requires_payment, slot_step_minutes, back_to_back, is_active)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT(id) DO UPDATE SET name = excluded.name, duration_minutes = excluded.duration_minutes,
                     buffer_after_minutes = excluded.buffer_after_minutes, requires_payment = excluded.requires_payment,
                     slot_step_minutes = excluded.slot_step_minutes, back_to_back = excluded.back_to_back,
                     is_active = excluded.is_active`,
				s.ID, s.Name, s.DurationMinutes, s.BufferAfterMinutes, s.RequiresPayment, s.SlotStepMinutes, s.BackToBack, s.IsActive)
			if err != nil {
				return fmt.Errorf("failed to upsert service %d: %w", s.ID, err)
			}
			if _, err := tx.tx.ExecContext(ctx, `DELETE FROM service_resources WHERE service_id = ?`, s.ID); err != nil {
				return fmt.Errorf("failed to clear service resources: %w", err)
			}
			for _, rid := range s.RequiredResources {
				if _, err := tx.tx.ExecContext(ctx,
					`INSERT INTO service_resources (service_id, resource_id) VALUES (?, ?)`, s.ID, rid); err != nil {
					return fmt.Errorf("failed to link service %d to resource %d: %w", s.ID, rid, err)
				}
			}
		}

		touched := make(map[int64]bool)
		for _, t := range catalog.Templates {
			touched[t.ResourceID] = true
		}
		for _, e := range catalog.Exceptions {
			touched[e.ResourceID] = true
		}
		for rid := range touched {
			if _, err := tx.tx.ExecContext(ctx, `DELETE FROM availability_templates WHERE resource_id = ?`, rid); err != nil {
				return fmt.Errorf("failed to clear templates: %w", err)
			}
			if _, err := tx.tx.ExecContext(ctx, `DELETE FROM availability_exceptions WHERE resource_id = ?`, rid); err != nil {
				return fmt.Errorf("failed to clear exceptions: %w", err)
			}
		}

		for _, t := range catalog.Templates {
			if _, _, err := models.ParseClock(t.StartTime); err != nil {
				return fmt.Errorf("template for resource %d: %w", t.ResourceID, err)
			}
			if _, _, err := models.ParseClock(t.EndTime); err != nil {
				return fmt.Errorf("template for resource %d: %w", t.ResourceID, err)
			}
			if _, err := tx.tx.ExecContext(ctx,
				`INSERT INTO availability_templates (resource_id, weekday, start_time, end_time) VALUES (?, ?, ?, ?)`,
				t.ResourceID, int(t.Weekday), t.StartTime, t.EndTime); err != nil {
				return fmt.Errorf("failed to insert template: %w", err)
			}
		}
		for _, e := range catalog.Exceptions {
			if _, err := tx.tx.ExecContext(ctx,
				`INSERT INTO availability_exceptions (resource_id, date, is_blocked, start_time, end_time) VALUES (?, ?, ?, ?, ?)`,
				e.ResourceID, e.Date, e.IsBlocked, e.StartTime, e.EndTime); err != nil {
				return fmt.Errorf("failed to insert exception: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.resources = make(map[int64]*models.Resource)
	db.services = make(map[int64]*models.Service)
	db.mu.Unlock()

	db.logger.Info().
		Int("resources", len(catalog.Resources)).
		Int("services", len(catalog.Services)).
		Int("templates", len(catalog.Templates)).
		Int("exceptions", len(catalog.Exceptions)).
		Msg("catalog saved")
	return nil
}

func (db *DB) GetResource(ctx context.Context, id int64) (*models.Resource, error) {
	db.mu.RLock()
	cached, ok := db.resources[id]
	db.mu.RUnlock()
	if ok {
		r := *cached
		return &r, nil
	}

	var r models.Resource
	err := db.QueryRowContext(ctx, `SELECT id, name, kind, is_active FROM resources WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Kind, &r.IsActive)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	db.mu.Lock()
	db.resources[id] = &r
	db.mu.Unlock()

	out := r
	return &out, nil
}

func (db *DB) ListResources(ctx context.Context) ([]models.Resource, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, kind, is_active FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []models.Resource
	for rows.Next() {
		var r models.Resource
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// GetService returns the service with its required shared resources.
func (db *DB) GetService(ctx context.Context, id int64) (*models.Service, error) {
	db.mu.RLock()
	cached, ok := db.services[id]
	db.mu.RUnlock()
	if ok {
		return copyService(cached), nil
	}

	var s models.Service
	err := db.QueryRowContext(ctx,
		`SELECT id, name, duration_minutes, buffer_after_minutes, requires_payment, slot_step_minutes, back_to_back, is_active
         FROM services WHERE id = ?`, id).
		Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.BufferAfterMinutes, &s.RequiresPayment, &s.SlotStepMinutes, &s.BackToBack, &s.IsActive)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrServiceNotFound
		}
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	required, err := db.serviceResources(ctx, id)
	if err != nil {
		return nil, err
	}
	s.RequiredResources = required

	db.mu.Lock()
	db.services[id] = &s
	db.mu.Unlock()
	return copyService(&s), nil
}

func (db *DB) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan service id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	services := make([]models.Service, 0, len(ids))
	for _, id := range ids {
		s, err := db.GetService(ctx, id)
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, nil
}

func (db *DB) serviceResources(ctx context.Context, serviceID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT resource_id FROM service_resources WHERE service_id = ? ORDER BY resource_id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get service resources: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan service resource: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func copyService(s *models.Service) *models.Service {
	out := *s
	out.RequiredResources = append([]int64(nil), s.RequiredResources...)
	return &out
}

// ListTemplates returns the weekly availability rules of a resource.
func (db *DB) ListTemplates(ctx context.Context, resourceID int64) ([]models.AvailabilityTemplate, error) {
	query, args, err := qb.Select("id", "resource_id", "weekday", "start_time", "end_time").
		From("availability_templates").
		Where(sq.Eq{"resource_id": resourceID}).
		OrderBy("weekday", "start_time").
		ToSql()
	if err != nil {
		return nil, buildError("ListTemplates", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []models.AvailabilityTemplate
	for rows.Next() {
		var t models.AvailabilityTemplate
		var weekday int
		if err := rows.Scan(&t.ID, &t.ResourceID, &weekday, &t.StartTime, &t.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		t.Weekday = time.Weekday(weekday)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// ListExceptions returns date overrides for a resource between two local
// dates (YYYY-MM-DD), inclusive.
func (db *DB) ListExceptions(ctx context.Context, resourceID int64, fromDate, toDate string) ([]models.AvailabilityException, error) {
	query, args, err := qb.Select("id", "resource_id", "date", "is_blocked", "start_time", "end_time").
		From("availability_exceptions").
		Where(sq.Eq{"resource_id": resourceID}).
		Where(sq.GtOrEq{"date": fromDate}).
		Where(sq.LtOrEq{"date": toDate}).
		OrderBy("date", "start_time").
		ToSql()
	if err != nil {
		return nil, buildError("ListExceptions", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exceptions: %w", err)
	}
	defer rows.Close()

	var exceptions []models.AvailabilityException
	for rows.Next() {
		var e models.AvailabilityException
		if err := rows.Scan(&e.ID, &e.ResourceID, &e.Date, &e.IsBlocked, &e.StartTime, &e.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan exception: %w", err)
		}
		exceptions = append(exceptions, e)
	}
	return exceptions, rows.Err()
}
