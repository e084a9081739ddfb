// Package store локальное хранилище строк, водяных знаков и идентичности устройства на SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slog"

	"sitesync/internal/domain/schema"
	"sitesync/internal/utils/clock"
)

type Store struct {
	db       *sql.DB
	wall     clock.Clock
	clock    *clock.Monotonic
	registry *schema.Registry
	log      *slog.Logger
	newID    func() string
}

type Option func(*options)

type options struct {
	clock    clock.Clock
	registry *schema.Registry
	newID    func() string
}

// WithClock базовые часы; хранилище само делает их монотонными
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithRegistry(r *schema.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithIDGenerator генератор localId для новых строк
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(ctx context.Context, path string, log *slog.Logger, opts ...Option) (*Store, error) {
	o := options{
		clock:    clock.System{},
		registry: schema.Default(),
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}
	// одно соединение: запись атомарна на уровне строки, транзакции страницы не пересекаются
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		wall:     o.clock,
		registry: o.registry,
		log:      log.With(slog.String("component", "local_store")),
		newID:    o.newID,
	}

	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}

	var floor int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM rows`).Scan(&floor); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка чтения последней метки: %w", err)
	}
	s.clock = clock.NewMonotonic(o.clock, floor)

	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rows (
			table_name TEXT NOT NULL,
			local_id TEXT NOT NULL,
			server_id TEXT,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			server_last_modified INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL,
			prior_status TEXT,
			failure_count INTEGER NOT NULL DEFAULT 0,
			quarantined BOOLEAN NOT NULL DEFAULT 0,
			sent BOOLEAN NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (table_name, local_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_rows_server_id ON rows(table_name, server_id) WHERE server_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_rows_pending ON rows(table_name, sync_status, updated_at);

		CREATE TABLE IF NOT EXISTS watermarks (
			table_name TEXT PRIMARY KEY,
			last_pulled_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			device_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID возвращает сохраненный идентификатор устройства
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	return deviceID(ctx, s.db)
}

func deviceID(ctx context.Context, q querier) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT device_id FROM device WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoDevice
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения устройства: %w", err)
	}
	return id, nil
}

// EnsureDeviceID создает UUIDv4 устройства при первом вызове
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO device (id, device_id, created_at) VALUES (1, ?, ?)`,
		uuid.NewString(), s.wall.Now())
	if err != nil {
		return "", fmt.Errorf("ошибка создания устройства: %w", err)
	}
	return s.DeviceID(ctx)
}

// Watermark возвращает 0, если таблица еще не синхронизировалась
func (s *Store) Watermark(ctx context.Context, table string) (int64, error) {
	return watermark(ctx, s.db, table)
}

// SetWatermark не понижает сохраненное значение
func (s *Store) SetWatermark(ctx context.Context, table string, w int64) error {
	return setWatermark(ctx, s.db, table, w)
}

// Watermarks все сохраненные водяные знаки
func (s *Store) Watermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, last_pulled_at FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения водяных знаков: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			table string
			w     int64
		)
		if err := rows.Scan(&table, &w); err != nil {
			return nil, fmt.Errorf("ошибка сканирования водяного знака: %w", err)
		}
		out[table] = w
	}
	return out, rows.Err()
}

func watermark(ctx context.Context, q querier, table string) (int64, error) {
	var w int64
	err := q.QueryRowContext(ctx, `SELECT last_pulled_at FROM watermarks WHERE table_name = ?`, table).Scan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения водяного знака: %w", err)
	}
	return w, nil
}

func setWatermark(ctx context.Context, q querier, table string, w int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO watermarks (table_name, last_pulled_at) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET last_pulled_at = MAX(last_pulled_at, excluded.last_pulled_at)
	`, table, w)
	if err != nil {
		return fmt.Errorf("ошибка сохранения водяного знака: %w", err)
	}
	return nil
}

// Counts число строк таблицы по статусам; карантин считается отдельно
type Counts struct {
	Clean         int `json:"clean"`
	PendingUpsert int `json:"pendingUpsert"`
	PendingDelete int `json:"pendingDelete"`
	InFlight      int `json:"inFlight"`
	Quarantined   int `json:"quarantined"`
}

func (c Counts) Pending() int {
	return c.PendingUpsert + c.PendingDelete + c.InFlight
}

func (s *Store) Counts(ctx context.Context, table string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, quarantined, COUNT(*) FROM rows WHERE table_name = ? GROUP BY sync_status, quarantined
	`, table)
	if err != nil {
		return Counts{}, fmt.Errorf("ошибка подсчета строк: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status      Status
			quarantined bool
			n           int
		)
		if err := rows.Scan(&status, &quarantined, &n); err != nil {
			return Counts{}, fmt.Errorf("ошибка подсчета строк: %w", err)
		}
		if quarantined {
			c.Quarantined += n
			continue
		}
		switch status {
		case StatusClean:
			c.Clean += n
		case StatusPendingUpsert:
			c.PendingUpsert += n
		case StatusPendingDelete:
			c.PendingDelete += n
		case StatusInFlight:
			c.InFlight += n
		}
	}
	return c, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}
