package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Status состояние синхронизации локальной строки
type Status string

const (
	StatusClean         Status = "CLEAN"
	StatusPendingUpsert Status = "PENDING_UPSERT"
	StatusPendingDelete Status = "PENDING_DELETE"
	// StatusInFlight строка отправлена в push; прежнее состояние хранится в PriorStatus
	StatusInFlight Status = "IN_FLIGHT"
)

// Row локальная строка с метаданными синхронизации
type Row struct {
	Table              string         `json:"table"`
	LocalID            string         `json:"localId"`
	ServerID           string         `json:"serverId,omitempty"`
	Payload            map[string]any `json:"payload"`
	UpdatedAt          int64          `json:"updatedAt"`
	ServerLastModified int64          `json:"serverLastModified"`
	Status             Status         `json:"syncStatus"`
	PriorStatus        Status         `json:"priorStatus,omitempty"`
	FailureCount       int            `json:"failureCount"`
	Quarantined        bool           `json:"quarantined"`
	Sent               bool           `json:"-"`
	LastError          string         `json:"lastError,omitempty"`
}

// PendingOp операция, которую строка ожидает отправить
func (r *Row) PendingOp() Status {
	if r.Status == StatusInFlight {
		return r.PriorStatus
	}
	return r.Status
}

// Version строка в собранном пакете: localId и updatedAt на момент сборки
type Version struct {
	LocalID   string
	UpdatedAt int64
}

const rowColumns = `table_name, local_id, server_id, payload, updated_at, server_last_modified,
	sync_status, prior_status, failure_count, quarantined, sent, last_error`

func (s *Store) Get(ctx context.Context, table, localID string) (*Row, error) {
	return getRow(ctx, s.db, table, localID)
}

// GetByServerID поиск по serverId
func (s *Store) GetByServerID(ctx context.Context, table, serverID string) (*Row, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE table_name = ? AND server_id = ?`, table, serverID))
}

// List возвращает видимые строки таблицы; includeDeleted добавляет ожидающие удаления
func (s *Store) List(ctx context.Context, table string, includeDeleted bool) ([]*Row, error) {
	query := `SELECT ` + rowColumns + ` FROM rows WHERE table_name = ?`
	args := []any{table}
	if !includeDeleted {
		query += ` AND NOT (sync_status = ? OR (sync_status = ? AND prior_status = ?))`
		args = append(args, StatusPendingDelete, StatusInFlight, StatusPendingDelete)
	}
	query += ` ORDER BY updated_at, local_id`

	return queryRows(ctx, s.db, query, args...)
}

// Put записывает локальное изменение: updatedAt := now (монотонно), статус PENDING_UPSERT.
// Пустой localID создает новую строку.
func (s *Store) Put(ctx context.Context, table, localID string, payload map[string]any) (*Row, error) {
	if localID == "" {
		localID = s.newID()
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	var out *Row
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getRow(ctx, tx, table, localID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.clock.Now()
		if current == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO rows (table_name, local_id, payload, updated_at, sync_status)
				VALUES (?, ?, ?, ?, ?)`, table, localID, data, now, StatusPendingUpsert)
			if err != nil {
				return fmt.Errorf("ошибка вставки строки: %w", err)
			}
		} else {
			if current.PendingOp() == StatusPendingDelete {
				return ErrPendingDelete
			}
			if now <= current.UpdatedAt {
				now = current.UpdatedAt + 1
				s.clock.Observe(now)
			}
			// строка в полете остается отправленной версией только до ответа: новое изменение снова PENDING_UPSERT
			_, err = tx.ExecContext(ctx, `
				UPDATE rows SET payload = ?, updated_at = ?, sync_status = ?, prior_status = NULL,
					quarantined = 0, failure_count = 0, last_error = ''
				WHERE table_name = ? AND local_id = ?`,
				data, now, StatusPendingUpsert, table, localID)
			if err != nil {
				return fmt.Errorf("ошибка обновления строки: %w", err)
			}
		}

		out, err = getRow(ctx, tx, table, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete удаляет строку физически, если сервер о ней не знает; иначе помечает PENDING_DELETE
func (s *Store) Delete(ctx context.Context, table, localID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getRow(ctx, tx, table, localID)
		if err != nil {
			return err
		}
		if current.PendingOp() == StatusPendingDelete {
			return nil
		}

		if current.ServerID == "" && !current.Sent {
			_, err = tx.ExecContext(ctx, `DELETE FROM rows WHERE table_name = ? AND local_id = ?`, table, localID)
			if err != nil {
				return fmt.Errorf("ошибка удаления строки: %w", err)
			}
			return nil
		}

		now := s.clock.Now()
		if now <= current.UpdatedAt {
			now = current.UpdatedAt + 1
			s.clock.Observe(now)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rows SET updated_at = ?, sync_status = ?, prior_status = NULL,
				quarantined = 0, failure_count = 0, last_error = ''
			WHERE table_name = ? AND local_id = ?`,
			now, StatusPendingDelete, table, localID)
		if err != nil {
			return fmt.Errorf("ошибка пометки удаления: %w", err)
		}
		return nil
	})
}

// SelectPending ожидающие строки (обе операции) от старых к новым, без карантина
func (s *Store) SelectPending(ctx context.Context, table string, limit int) ([]*Row, error) {
	return queryRows(ctx, s.db, `
		SELECT `+rowColumns+` FROM rows
		WHERE table_name = ? AND sync_status IN (?, ?) AND quarantined = 0
		ORDER BY updated_at, local_id LIMIT ?`,
		table, StatusPendingUpsert, StatusPendingDelete, limit)
}

// SelectPendingOp ожидающие строки с конкретной операцией строго после курсора after.
// Нулевой курсор читает с начала очереди.
func (s *Store) SelectPendingOp(ctx context.Context, table string, op Status, after Version, limit int) ([]*Row, error) {
	return queryRows(ctx, s.db, `
		SELECT `+rowColumns+` FROM rows
		WHERE table_name = ? AND sync_status = ? AND quarantined = 0
			AND (updated_at > ? OR (updated_at = ? AND local_id > ?))
		ORDER BY updated_at, local_id LIMIT ?`,
		table, op, after.UpdatedAt, after.UpdatedAt, after.LocalID, limit)
}

// MarkInFlight переводит в IN_FLIGHT только строки, не изменившиеся с момента сборки пакета.
// Возвращает localId помеченных строк.
func (s *Store) MarkInFlight(ctx context.Context, table string, versions []Version) ([]string, error) {
	marked := make([]string, 0, len(versions))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, v := range versions {
			res, err := tx.ExecContext(ctx, `
				UPDATE rows SET prior_status = sync_status, sync_status = ?, sent = 1
				WHERE table_name = ? AND local_id = ? AND updated_at = ? AND sync_status IN (?, ?)`,
				StatusInFlight, table, v.LocalID, v.UpdatedAt, StatusPendingUpsert, StatusPendingDelete)
			if err != nil {
				return fmt.Errorf("ошибка пометки строки %s: %w", v.LocalID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				marked = append(marked, v.LocalID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// RevertInFlight возвращает строки таблицы из IN_FLIGHT в прежнее ожидающее состояние
func (s *Store) RevertInFlight(ctx context.Context, table string) (int64, error) {
	return s.revertInFlight(ctx, `AND table_name = ?`, table)
}

// RevertAllInFlight восстановление после аварийного завершения
func (s *Store) RevertAllInFlight(ctx context.Context) (int64, error) {
	return s.revertInFlight(ctx, ``)
}

func (s *Store) revertInFlight(ctx context.Context, filter string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rows SET sync_status = COALESCE(prior_status, ?), prior_status = NULL
		WHERE sync_status = ? `+filter,
		append([]any{StatusPendingUpsert, StatusInFlight}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата строк в очередь: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AckUpsert применяет accepted: serverId и serverLastModified сохраняются всегда,
// CLEAN ставится только если строка не менялась после сборки пакета. Возвращает true для CLEAN.
//
// Ответ старше уже известной серверной версии означает повтор прежнего результата
// по ключу идемпотентности: строка получает новый updatedAt и уходит в следующий push.
func (s *Store) AckUpsert(ctx context.Context, table string, sent Version, serverID string, serverUpdatedAt int64) (bool, error) {
	clean := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getRow(ctx, tx, table, sent.LocalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := releaseServerID(ctx, tx, table, sent.LocalID, serverID); err != nil {
			return err
		}

		slm := current.ServerLastModified
		if serverUpdatedAt > slm {
			slm = serverUpdatedAt
		}

		inFlight := current.Status == StatusInFlight && current.UpdatedAt == sent.UpdatedAt
		switch {
		case inFlight && serverUpdatedAt < current.ServerLastModified:
			now := s.clock.Now()
			if now <= current.UpdatedAt {
				now = current.UpdatedAt + 1
				s.clock.Observe(now)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE rows SET server_id = ?, updated_at = ?, sync_status = COALESCE(prior_status, ?), prior_status = NULL
				WHERE table_name = ? AND local_id = ?`,
				serverID, now, StatusPendingUpsert, table, sent.LocalID)
		case inFlight:
			clean = true
			_, err = tx.ExecContext(ctx, `
				UPDATE rows SET server_id = ?, server_last_modified = ?, sync_status = ?, prior_status = NULL,
					failure_count = 0, last_error = ''
				WHERE table_name = ? AND local_id = ?`,
				serverID, slm, StatusClean, table, sent.LocalID)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE rows SET server_id = ?, server_last_modified = ? WHERE table_name = ? AND local_id = ?`,
				serverID, slm, table, sent.LocalID)
		}
		if err != nil {
			return fmt.Errorf("ошибка подтверждения строки: %w", err)
		}
		return nil
	})
	return clean, err
}

// AckDelete физически удаляет строку после подтверждения удаления
func (s *Store) AckDelete(ctx context.Context, table string, sent Version) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rows WHERE table_name = ? AND local_id = ? AND updated_at = ?
			AND (sync_status = ? OR (sync_status = ? AND prior_status = ?))`,
		table, sent.LocalID, sent.UpdatedAt, StatusPendingDelete, StatusInFlight, StatusPendingDelete)
	if err != nil {
		return fmt.Errorf("ошибка удаления подтвержденной строки: %w", err)
	}
	return nil
}

// RecordRejection увеличивает счетчик отказов и при достижении порога отправляет строку в карантин.
// Возвращает true, если строка попала в карантин.
func (s *Store) RecordRejection(ctx context.Context, table string, sent Version, reason string, threshold int) (bool, error) {
	quarantined := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getRow(ctx, tx, table, sent.LocalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		status := current.Status
		if status == StatusInFlight {
			status = current.PriorStatus
		}
		failures := current.FailureCount + 1
		quarantined = threshold > 0 && failures >= threshold

		_, err = tx.ExecContext(ctx, `
			UPDATE rows SET sync_status = ?, prior_status = NULL, failure_count = ?, quarantined = ?, last_error = ?
			WHERE table_name = ? AND local_id = ?`,
			status, failures, quarantined, reason, table, sent.LocalID)
		if err != nil {
			return fmt.Errorf("ошибка записи отказа: %w", err)
		}
		return nil
	})
	return quarantined, err
}

// Release снимает карантин, строка снова попадет в push
func (s *Store) Release(ctx context.Context, table, localID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rows SET quarantined = 0, failure_count = 0 WHERE table_name = ? AND local_id = ?`, table, localID)
	if err != nil {
		return fmt.Errorf("ошибка снятия карантина: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// releaseServerID удаляет чистую копию строки с тем же serverId под другим localId (serverId инъективен).
// Копия с неотправленным изменением не удаляется.
func releaseServerID(ctx context.Context, q querier, table, localID, serverID string) error {
	other, err := scanOne(q.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE table_name = ? AND server_id = ? AND local_id <> ?`,
		table, serverID, localID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if other.Status != StatusClean {
		return fmt.Errorf("%w: %s занят строкой %s (%s)", ErrServerIDTaken, serverID, other.LocalID, other.Status)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM rows WHERE table_name = ? AND local_id = ?`, table, other.LocalID); err != nil {
		return fmt.Errorf("ошибка удаления дубликата %s: %w", other.LocalID, err)
	}
	return nil
}

func getRow(ctx context.Context, q querier, table, localID string) (*Row, error) {
	return scanOne(q.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE table_name = ? AND local_id = ?`, table, localID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(sc scanner) (*Row, error) {
	r, err := scan(sc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scan(sc scanner) (*Row, error) {
	var (
		r        Row
		serverID sql.NullString
		prior    sql.NullString
		payload  string
	)
	err := sc.Scan(&r.Table, &r.LocalID, &serverID, &payload, &r.UpdatedAt, &r.ServerLastModified,
		&r.Status, &prior, &r.FailureCount, &r.Quarantined, &r.Sent, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.ServerID = serverID.String
	r.PriorStatus = Status(prior.String)
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("ошибка парсинга payload: %w", err)
	}
	return &r, nil
}

func queryRows(ctx context.Context, q querier, query string, args ...any) ([]*Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	out := make([]*Row, 0)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования строки: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации payload: %w", err)
	}
	return string(b), nil
}
