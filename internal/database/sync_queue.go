package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"slotbook/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var syncTaskColumns = []string{
	"id", "task_type", "booking_id", "payload", "status", "retry_count",
	"last_error", "created_at", "processed_at", "next_retry_at",
}

func (db *DB) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = models.SyncStatusPending
	}

	query, args, err := qb.Insert("sync_queue").
		Columns("task_type", "booking_id", "payload", "status", "retry_count", "last_error", "created_at", "next_retry_at").
		Values(task.TaskType, task.BookingID, task.Payload, task.Status, task.RetryCount, task.LastError,
			toMillis(task.CreatedAt), nullableMillis(task.NextRetryAt)).
		ToSql()
	if err != nil {
		return buildError("CreateSyncTask", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	return nil
}

// PendingSyncTasks returns tasks that are due at now, oldest first.
func (db *DB) PendingSyncTasks(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error) {
	sel := qb.Select(syncTaskColumns...).From("sync_queue").
		Where(sq.Eq{"status": []string{models.SyncStatusPending, models.SyncStatusRetry}}).
		Where(sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": toMillis(now)}}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	return db.selectSyncTasks(ctx, sel)
}

func (db *DB) FailedSyncTasks(ctx context.Context) ([]models.SyncTask, error) {
	return db.selectSyncTasks(ctx, qb.Select(syncTaskColumns...).From("sync_queue").
		Where(sq.Eq{"status": models.SyncStatusFailed}).
		OrderBy("created_at DESC"))
}

// UpdateSyncTaskStatus records the outcome of a processing attempt. A retry
// bumps retry_count; completed and failed stamp processed_at.
func (db *DB) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	now := time.Now().UTC()
	upd := qb.Update("sync_queue").
		Set("status", status).
		Set("next_retry_at", nullableMillis(nextRetryAt)).
		Where(sq.Eq{"id": id})
	if errMsg != "" {
		upd = upd.Set("last_error", errMsg)
	}

	switch status {
	case models.SyncStatusRetry:
		upd = upd.Set("retry_count", sq.Expr("retry_count + 1"))
	case models.SyncStatusCompleted, models.SyncStatusFailed:
		upd = upd.Set("processed_at", toMillis(now))
	}

	query, args, err := upd.ToSql()
	if err != nil {
		return buildError("UpdateSyncTaskStatus", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return nil
}

func (db *DB) selectSyncTasks(ctx context.Context, sel sq.SelectBuilder) ([]models.SyncTask, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, buildError("selectSyncTasks", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		var (
			t                      models.SyncTask
			lastError              sql.NullString
			createdAt              int64
			processedAt, nextRetry sql.NullInt64
		)
		err := rows.Scan(&t.ID, &t.TaskType, &t.BookingID, &t.Payload, &t.Status, &t.RetryCount,
			&lastError, &createdAt, &processedAt, &nextRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		if lastError.Valid {
			msg := lastError.String
			t.LastError = &msg
		}
		t.CreatedAt = fromMillis(createdAt)
		t.ProcessedAt = timePtr(processedAt)
		t.NextRetryAt = timePtr(nextRetry)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
