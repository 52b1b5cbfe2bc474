package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"slotbook/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the durable store for the catalog, holds, bookings and the sync queue.
// Writers use BEGIN IMMEDIATE (see dsn), so a read-check-insert inside RunInTx
// is serialized against every other writer.
type DB struct {
	*sql.DB
	Queries

	path   string
	logger *zerolog.Logger

	mu        sync.RWMutex
	resources map[int64]*models.Resource
	services  map[int64]*models.Service
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty in-memory database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{
		DB:        sqlDB,
		Queries:   Queries{ex: sqlDB},
		path:      path,
		logger:    logger,
		resources: make(map[int64]*models.Resource),
		services:  make(map[int64]*models.Service),
	}, nil
}

func dsn(path string) string {
	params := "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	return path + "?" + params
}

func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS resources (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            kind TEXT NOT NULL DEFAULT 'staff',
            is_active BOOLEAN NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS services (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            duration_minutes INTEGER NOT NULL,
            buffer_after_minutes INTEGER NOT NULL DEFAULT 0,
            requires_payment BOOLEAN NOT NULL DEFAULT 0,
            slot_step_minutes INTEGER NOT NULL DEFAULT 0,
            back_to_back BOOLEAN NOT NULL DEFAULT 0,
            is_active BOOLEAN NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS service_resources (
            service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
            resource_id INTEGER NOT NULL REFERENCES resources(id),
            PRIMARY KEY (service_id, resource_id)
        )`,
		`CREATE TABLE IF NOT EXISTS availability_templates (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            resource_id INTEGER NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
            weekday INTEGER NOT NULL,
            start_time TEXT NOT NULL,
            end_time TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS availability_exceptions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            resource_id INTEGER NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
            date TEXT NOT NULL,
            is_blocked BOOLEAN NOT NULL DEFAULT 0,
            start_time TEXT NOT NULL DEFAULT '',
            end_time TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS holds (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            token TEXT NOT NULL UNIQUE,
            service_id INTEGER NOT NULL,
            start_at INTEGER NOT NULL,
            end_at INTEGER NOT NULL,
            block_end_at INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'held',
            expires_at INTEGER NOT NULL,
            payment_reference TEXT NOT NULL DEFAULT '',
            booking_id INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS hold_resources (
            hold_id INTEGER NOT NULL REFERENCES holds(id) ON DELETE CASCADE,
            resource_id INTEGER NOT NULL,
            position INTEGER NOT NULL,
            start_at INTEGER NOT NULL,
            block_end_at INTEGER NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY (hold_id, resource_id)
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            hold_token TEXT NOT NULL UNIQUE,
            service_id INTEGER NOT NULL,
            start_at INTEGER NOT NULL,
            end_at INTEGER NOT NULL,
            block_end_at INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'confirmed',
            payment_reference TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            cancelled_at INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS booking_resources (
            booking_id INTEGER NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            resource_id INTEGER NOT NULL,
            position INTEGER NOT NULL,
            start_at INTEGER NOT NULL,
            block_end_at INTEGER NOT NULL,
            PRIMARY KEY (booking_id, resource_id)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            booking_id INTEGER NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at INTEGER NOT NULL,
            processed_at INTEGER,
            next_retry_at INTEGER
        )`,

		// one active claim per resource and start instant
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hold_resources_active_key ON hold_resources(resource_id, start_at) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_hold_resources_window ON hold_resources(resource_id, start_at, block_end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_booking_resources_window ON booking_resources(resource_id, start_at, block_end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_status_expires ON holds(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_end ON bookings(status, end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_templates_resource ON availability_templates(resource_id, weekday)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_resource_date ON availability_exceptions(resource_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", firstLine(query), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// executor is satisfied by *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements against either the pool or an open transaction.
type Queries struct {
	ex executor
}

// Tx is a write transaction opened with BEGIN IMMEDIATE.
type Tx struct {
	Queries
	tx *sql.Tx
}

// RunInTx runs fn in one immediate transaction and commits when fn returns nil.
func (db *DB) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&Tx{Queries: Queries{ex: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsTransient reports sqlite busy/locked errors that are safe to retry.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func buildError(op string, err error) error {
	return fmt.Errorf("%s: build query: %w", op, err)
}

// qb builds statements with sqlite placeholders.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
