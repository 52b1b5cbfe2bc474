package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"slotbook/internal/database"
	"slotbook/internal/events"
	"slotbook/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestProcessTaskSuccess(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{}, nil)

	booking := insertBooking(t, db, "tok-1")

	ctx := context.Background()
	if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpsert, BookingID: booking.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, ok := worker.tryLocalQueue()
	if !ok {
		t.Fatalf("expected task in local queue")
	}
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	if status != models.SyncStatusCompleted {
		t.Fatalf("expected status=completed, got %s", status)
	}
	if retryCount != 0 {
		t.Fatalf("expected retry_count=0, got %d", retryCount)
	}
	if nextRetry.Valid {
		t.Fatalf("expected next_retry_at NULL on success")
	}
	if sheets.upsertCalls != 1 {
		t.Fatalf("expected upsert call, got %d", sheets.upsertCalls)
	}
	if sheets.lastBooking == nil || sheets.lastBooking.HoldToken != "tok-1" {
		t.Fatalf("expected upsert with stored booking, got %+v", sheets.lastBooking)
	}
}

func TestProcessTaskRetry(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{err: errors.New("boom")}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, nil)

	ctx := context.Background()
	if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpdateStatus, BookingID: 2, Status: models.StatusCancelled}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, ok := worker.tryLocalQueue()
	if !ok {
		t.Fatalf("expected task in local queue")
	}
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	if status != models.SyncStatusRetry {
		t.Fatalf("expected status=retry, got %s", status)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", retryCount)
	}
	if !nextRetry.Valid || nextRetry.Int64 <= time.Now().UnixMilli() {
		t.Fatalf("expected next_retry_at in future, got %v", nextRetry)
	}
}

func TestProcessTaskFail(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{err: errors.New("fatal")}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{MaxRetries: 1}, nil)

	ctx := context.Background()
	if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpdateStatus, BookingID: 3, Status: models.StatusCompleted}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := worker.tryLocalQueue()
	worker.processTask(ctx, &task)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	if status != models.SyncStatusFailed {
		t.Fatalf("expected status=failed, got %s", status)
	}
}

func TestProcessTaskMissingBooking(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{MaxRetries: 5}, nil)

	ctx := context.Background()
	if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpsert, BookingID: 404}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := worker.tryLocalQueue()
	worker.processTask(ctx, &task)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	if status != models.SyncStatusFailed {
		t.Fatalf("a vanished booking must not be retried, got %s", status)
	}
	if sheets.upsertCalls != 0 {
		t.Fatalf("expected no upsert, got %d", sheets.upsertCalls)
	}
}

func TestSheetsWorker_HandleSheetTask(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{MaxRetries: 3}, nil)
	booking := insertBooking(t, db, "tok")

	ctx := context.Background()

	t.Run("Upsert", func(t *testing.T) {
		err := worker.handleSheetTask(ctx, TaskUpsert, sheetTaskPayload{BookingID: booking.ID})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if sheets.upsertCalls != 1 {
			t.Fatalf("expected 1 upsert call, got %d", sheets.upsertCalls)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		err := worker.handleSheetTask(ctx, TaskUpdateStatus, sheetTaskPayload{BookingID: 123, Status: models.StatusCancelled})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if sheets.statusCalls != 1 {
			t.Fatalf("expected 1 status call, got %d", sheets.statusCalls)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if err := worker.handleSheetTask(ctx, "delete", sheetTaskPayload{BookingID: 1}); err == nil {
			t.Fatalf("expected error for unknown task type")
		}
	})
}

func TestSheetsWorker_EnqueueTask(t *testing.T) {
	db := newTestDB(t)
	worker := NewSheetsWorker(db, &fakeSheets{}, nil, RetryPolicy{}, nil)
	ctx := context.Background()

	t.Run("ValidTask", func(t *testing.T) {
		if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpsert, BookingID: 1}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	})

	t.Run("InvalidTaskType", func(t *testing.T) {
		if err := worker.EnqueueTask(ctx, SheetTask{BookingID: 1}); err == nil {
			t.Fatalf("expected error for empty task type")
		}
	})

	t.Run("InvalidBookingID", func(t *testing.T) {
		if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpsert}); err == nil {
			t.Fatalf("expected error for missing booking id")
		}
	})

	t.Run("StatusRequired", func(t *testing.T) {
		if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpdateStatus, BookingID: 1}); err == nil {
			t.Fatalf("expected error for missing status")
		}
	})
}

func TestSheetsWorker_Subscribe(t *testing.T) {
	db := newTestDB(t)
	worker := NewSheetsWorker(db, &fakeSheets{}, nil, RetryPolicy{}, nil)
	bus := events.NewEventBus()
	worker.Subscribe(bus)

	booking := &models.Booking{ID: 7, ResourceIDs: []int64{1}, Status: models.StatusConfirmed}
	if err := bus.PublishJSON(events.EventBookingConfirmed, events.NewBookingPayload(booking)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	booking.Status = models.StatusCancelled
	if err := bus.PublishJSON(events.EventBookingCancelled, events.NewBookingPayload(booking)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// hold events are not mirrored
	if err := bus.PublishJSON(events.EventHoldCreated, events.HoldEventPayload{HoldID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, ok := worker.tryLocalQueue()
	if !ok || first.TaskType != TaskUpsert || first.BookingID != 7 {
		t.Fatalf("expected upsert task, got %+v", first)
	}
	second, ok := worker.tryLocalQueue()
	if !ok || second.TaskType != TaskUpdateStatus {
		t.Fatalf("expected update_status task, got %+v", second)
	}
	payload, err := worker.decodePayload(second.Payload)
	if err != nil || payload.Status != models.StatusCancelled {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}
	if _, ok := worker.tryLocalQueue(); ok {
		t.Fatalf("expected no more tasks")
	}
}

func TestSheetsWorker_RedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := newTestDB(t)
	sheets := &fakeSheets{err: errors.New("quota")}
	worker := NewSheetsWorker(db, sheets, client, RetryPolicy{MaxRetries: 1}, nil)

	ctx := context.Background()
	if err := worker.EnqueueTask(ctx, SheetTask{Type: TaskUpdateStatus, BookingID: 9, Status: models.StatusCompleted}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := worker.tryLocalQueue(); ok {
		t.Fatalf("task must go to redis when it is available")
	}

	task, ok := worker.tryRedis(ctx)
	if !ok || task.BookingID != 9 {
		t.Fatalf("expected task from redis, got %+v", task)
	}
	worker.processTask(ctx, &task)

	dead, err := client.LLen(ctx, worker.deadLetterKey).Result()
	if err != nil || dead != 1 {
		t.Fatalf("expected 1 dead letter, got %d (%v)", dead, err)
	}
}

func TestSheetsWorker_ProcessPending(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.CreateSyncTask(ctx, &models.SyncTask{
			TaskType:  TaskUpdateStatus,
			BookingID: int64(i + 1),
			Payload:   fmt.Sprintf(`{"booking_id":%d,"status":"completed"}`, i+1),
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	if n := worker.processPending(ctx); n != 3 {
		t.Fatalf("expected 3 tasks, got %d", n)
	}
	if sheets.statusCalls != 3 {
		t.Fatalf("expected 3 status calls, got %d", sheets.statusCalls)
	}
	if n := worker.processPending(ctx); n != 0 {
		t.Fatalf("expected queue to be drained, got %d", n)
	}
}

func TestSheetsWorker_StartStops(t *testing.T) {
	db := newTestDB(t)
	sheets := &fakeSheets{}
	worker := NewSheetsWorker(db, sheets, nil, RetryPolicy{}, nil)
	worker.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	if err := worker.EnqueueTask(context.Background(), SheetTask{Type: TaskUpdateStatus, BookingID: 1, Status: models.StatusCompleted}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sheets.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
	// the poller may pick the row up before the queued copy arrives
	if sheets.calls() == 0 {
		t.Fatalf("expected task to be processed")
	}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	d1 := policy.NextDelay(1)
	d2 := policy.NextDelay(2)
	d3 := policy.NextDelay(5)

	if d1 != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d2)
	}
	if d3 != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d3)
	}
}

func TestRetryPolicyDo(t *testing.T) {
	busy := errors.New("busy")
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	retryBusy := func(err error) bool { return errors.Is(err, busy) }

	t.Run("SucceedsAfterRetries", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), retryBusy, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("expected success on 3rd call, got %v after %d", err, calls)
		}
	})

	t.Run("GivesUp", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), retryBusy, func() error {
			calls++
			return busy
		})
		if !errors.Is(err, busy) || calls != 3 {
			t.Fatalf("expected busy after 3 calls, got %v after %d", err, calls)
		}
	})

	t.Run("PermanentError", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), retryBusy, func() error {
			calls++
			return models.ErrSlotUnavailable
		})
		if !errors.Is(err, models.ErrSlotUnavailable) || calls != 1 {
			t.Fatalf("expected one call, got %v after %d", err, calls)
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour}
		err := slow.Do(ctx, nil, func() error { return busy })
		if !errors.Is(err, context.Canceled) || !errors.Is(err, busy) {
			t.Fatalf("expected cancellation with cause, got %v", err)
		}
	})
}

// Helpers

type fakeSheets struct {
	mu          sync.Mutex
	err         error
	upsertCalls int
	statusCalls int
	lastBooking *models.Booking
}

func (f *fakeSheets) UpsertBooking(_ context.Context, b *models.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.lastBooking = b
	return f.err
}

func (f *fakeSheets) UpdateBookingStatus(_ context.Context, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.err
}

func (f *fakeSheets) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls + f.statusCalls
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(":memory:", &logger)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertBooking(t *testing.T, db *database.DB, token string) *models.Booking {
	t.Helper()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	b := &models.Booking{
		HoldToken:   token,
		ServiceID:   1,
		ResourceIDs: []int64{1},
		StartAt:     start,
		EndAt:       start.Add(time.Hour),
		BlockEndAt:  start.Add(time.Hour),
		Status:      models.StatusConfirmed,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
	if err := db.InsertBooking(context.Background(), b); err != nil {
		t.Fatalf("insert booking: %v", err)
	}
	return b
}

func loadTaskStatus(t *testing.T, db *database.DB, id int64) (status string, retryCount int, nextRetry sql.NullInt64) {
	t.Helper()
	row := db.QueryRowContext(context.Background(), `SELECT status, retry_count, next_retry_at FROM sync_queue WHERE id = ?`, id)
	if err := row.Scan(&status, &retryCount, &nextRetry); err != nil {
		t.Fatalf("scan task: %v", err)
	}
	return status, retryCount, nextRetry
}
