package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"sitesync/internal/domain/sync"
)

const rowColumns = `table_name, server_id, user_id, payload, updated_at, deleted_at,
	device_id::text, origin_device_id::text, origin_local_id`

// SyncRepository реализация репозитория синхронизации для PostgreSQL
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewSyncRepository создает новый репозиторий синхронизации
func NewSyncRepository(storage *Storage, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: storage.Pool(),
		log:  log.With("component", "sync_repository"),
	}
}

func (r *SyncRepository) EnsureDevice(ctx context.Context, device *sync.Device) (*sync.Device, error) {
	const query = `
		INSERT INTO devices (device_id, user_id, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING device_id::text, user_id, registered_at, last_seen_at, revoked_at`

	row := r.pool.QueryRow(ctx, query, device.ID, device.UserID, device.RegisteredAt, device.LastSeenAt)
	d, err := scanDevice(row)
	if err != nil {
		r.log.Error("failed to ensure device", "device_id", device.ID, "error", err)
		return nil, fmt.Errorf("failed to ensure device: %w", err)
	}
	return d, nil
}

func (r *SyncRepository) GetDevice(ctx context.Context, deviceID string) (*sync.Device, error) {
	const query = `
		SELECT device_id::text, user_id, registered_at, last_seen_at, revoked_at
		FROM devices WHERE device_id = $1`

	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *SyncRepository) ListUserDevices(ctx context.Context, userID string) ([]*sync.Device, error) {
	const query = `
		SELECT device_id::text, user_id, registered_at, last_seen_at, revoked_at
		FROM devices WHERE user_id = $1
		ORDER BY registered_at, device_id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	out := make([]*sync.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SyncRepository) RevokeDevice(ctx context.Context, deviceID string, at int64) error {
	const query = `UPDATE devices SET revoked_at = COALESCE(revoked_at, $2) WHERE device_id = $1`

	tag, err := r.pool.Exec(ctx, query, deviceID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrDeviceNotFound
	}
	return nil
}

func (r *SyncRepository) SaveDeviceWatermark(ctx context.Context, deviceID, table string, watermark, at int64) error {
	const query = `
		INSERT INTO device_watermarks (device_id, table_name, watermark, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, table_name) DO UPDATE SET
			watermark = EXCLUDED.watermark,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.pool.Exec(ctx, query, deviceID, table, watermark, at); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

func (r *SyncRepository) ListDeviceWatermarks(ctx context.Context, deviceID string) (map[string]int64, error) {
	const query = `SELECT table_name, watermark FROM device_watermarks WHERE device_id = $1`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			table string
			w     int64
		)
		if err := rows.Scan(&table, &w); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out[table] = w
	}
	return out, rows.Err()
}

func (r *SyncRepository) FindChangedSince(ctx context.Context, userID, table string, watermark int64, limit int) ([]*sync.Row, error) {
	const query = `
		SELECT ` + rowColumns + `
		FROM sync_rows
		WHERE table_name = $1 AND user_id = $2
		  AND GREATEST(updated_at, COALESCE(deleted_at, 0)) > $3
		ORDER BY GREATEST(updated_at, COALESCE(deleted_at, 0)), server_id
		LIMIT $4`

	rows, err := r.pool.Query(ctx, query, table, userID, watermark, limit)
	if err != nil {
		r.log.Error("failed to find changes", "table", table, "error", err)
		return nil, fmt.Errorf("failed to find changes: %w", err)
	}
	defer rows.Close()

	out := make([]*sync.Row, 0, limit)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *SyncRepository) GetRow(ctx context.Context, table, serverID string) (*sync.Row, error) {
	const query = `SELECT ` + rowColumns + ` FROM sync_rows WHERE table_name = $1 AND server_id = $2`

	row, err := scanRow(r.pool.QueryRow(ctx, query, table, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrRowNotFound
		}
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return row, nil
}

func (r *SyncRepository) GetIdempotency(ctx context.Context, deviceID, table, localID string) (*sync.IdempotencyRecord, error) {
	const query = `
		SELECT device_id::text, table_name, local_id, server_id, client_updated_at, op, server_updated_at
		FROM sync_idempotency
		WHERE device_id = $1 AND table_name = $2 AND local_id = $3`

	var (
		rec sync.IdempotencyRecord
		op  string
	)
	err := r.pool.QueryRow(ctx, query, deviceID, table, localID).Scan(
		&rec.DeviceID, &rec.Table, &rec.LocalID, &rec.ServerID,
		&rec.ClientUpdatedAt, &op, &rec.ServerUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrIdempotencyNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	rec.Op = sync.Op(op)
	return &rec, nil
}

// ApplyMutation выполняет проверку версии, выдачу метки и запись в одной транзакции
func (r *SyncRepository) ApplyMutation(ctx context.Context, m *sync.Mutation) (*sync.Row, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM sync_rows WHERE table_name = $1 AND server_id = $2 FOR UPDATE`,
		m.Table, m.ServerID))
	exists := true
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock row: %w", err)
		}
		exists = false
	}

	if m.ExpectedVersion == nil {
		if exists {
			return nil, sync.ErrStaleVersion
		}
	} else if !exists || current.UpdatedAt != *m.ExpectedVersion {
		return nil, sync.ErrStaleVersion
	}

	var ts int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sync_clocks (table_name, last_ts) VALUES ($1, $2)
		ON CONFLICT (table_name) DO UPDATE SET
			last_ts = GREATEST(EXCLUDED.last_ts, sync_clocks.last_ts + 1)
		RETURNING last_ts`, m.Table, m.Now).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to tick clock: %w", err)
	}

	var saved *sync.Row
	switch {
	case !exists:
		payload, err := encodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		var deletedAt *int64
		if m.Op == sync.OpDelete {
			deletedAt = &ts
		}
		saved, err = scanRow(tx.QueryRow(ctx, `
			INSERT INTO sync_rows (table_name, server_id, user_id, payload, updated_at, deleted_at,
				device_id, origin_device_id, origin_local_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
			RETURNING `+rowColumns,
			m.Table, m.ServerID, m.UserID, payload, ts, deletedAt, m.DeviceID, m.LocalID))
		if err != nil {
			return nil, fmt.Errorf("failed to insert row: %w", err)
		}
	case m.Op == sync.OpDelete:
		saved, err = scanRow(tx.QueryRow(ctx, `
			UPDATE sync_rows SET updated_at = $3, deleted_at = $3, device_id = $4
			WHERE table_name = $1 AND server_id = $2
			RETURNING `+rowColumns,
			m.Table, m.ServerID, ts, m.DeviceID))
		if err != nil {
			return nil, fmt.Errorf("failed to delete row: %w", err)
		}
	default:
		payload, err := encodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		saved, err = scanRow(tx.QueryRow(ctx, `
			UPDATE sync_rows SET payload = $3, updated_at = $4, deleted_at = NULL, device_id = $5
			WHERE table_name = $1 AND server_id = $2
			RETURNING `+rowColumns,
			m.Table, m.ServerID, payload, ts, m.DeviceID))
		if err != nil {
			return nil, fmt.Errorf("failed to update row: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_idempotency (device_id, table_name, local_id, server_id, client_updated_at, op, server_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, table_name, local_id) DO UPDATE SET
			server_id = EXCLUDED.server_id,
			client_updated_at = EXCLUDED.client_updated_at,
			op = EXCLUDED.op,
			server_updated_at = EXCLUDED.server_updated_at`,
		m.DeviceID, m.Table, m.LocalID, m.ServerID, m.ClientUpdatedAt, string(m.Op), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to save idempotency record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return saved, nil
}

// PurgeTombstones горизонт владельца: минимальный watermark среди его не отозванных устройств
func (r *SyncRepository) PurgeTombstones(ctx context.Context, table string, cutoff int64) (int64, error) {
	const query = `
		WITH horizon AS (
			SELECT d.user_id, MIN(COALESCE(w.watermark, 0)) AS min_watermark
			FROM devices d
			LEFT JOIN device_watermarks w
				ON w.device_id = d.device_id AND w.table_name = $1
			WHERE d.revoked_at IS NULL
			GROUP BY d.user_id
		), purged AS (
			DELETE FROM sync_rows s
			WHERE s.table_name = $1
			  AND s.deleted_at IS NOT NULL
			  AND s.deleted_at < $2
			  AND s.deleted_at <= COALESCE(
				(SELECT h.min_watermark FROM horizon h WHERE h.user_id = s.user_id), s.deleted_at)
			RETURNING s.server_id
		), idem AS (
			DELETE FROM sync_idempotency i
			USING purged p
			WHERE i.table_name = $1 AND i.server_id = p.server_id
		)
		SELECT COUNT(*) FROM purged`

	var n int64
	if err := r.pool.QueryRow(ctx, query, table, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return n, nil
}

// AcquirePushLock держит advisory lock на выделенном соединении до release
func (r *SyncRepository) AcquirePushLock(ctx context.Context, deviceID, table string) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	key := deviceID + ":" + table
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take push lock: %w", err)
	}

	var once gosync.Once
	return func() {
		once.Do(func() { r.releasePushLock(conn, key) })
	}, nil
}

func (r *SyncRepository) releasePushLock(conn *pgxpool.Conn, key string) {
	if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
		r.log.Warn("failed to release push lock", "key", key, "error", err)
		// соединение с висящим lock не возвращаем в пул
		_ = conn.Conn().Close(context.Background())
	}
	conn.Release()
}

func scanDevice(row pgx.Row) (*sync.Device, error) {
	var d sync.Device
	if err := row.Scan(&d.ID, &d.UserID, &d.RegisteredAt, &d.LastSeenAt, &d.RevokedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanRow(row pgx.Row) (*sync.Row, error) {
	var (
		r       sync.Row
		payload []byte
	)
	err := row.Scan(&r.Table, &r.ServerID, &r.UserID, &payload, &r.UpdatedAt, &r.DeletedAt,
		&r.DeviceID, &r.OriginDeviceID, &r.OriginLocalID)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return &r, nil
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}
