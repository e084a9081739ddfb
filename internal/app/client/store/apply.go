package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sitesync/internal/domain/conflict"
	"sitesync/internal/domain/syncerr"
)

// Remote серверная версия строки из pull или из конфликта push
type Remote struct {
	ServerID  string
	UpdatedAt int64
	DeletedAt *int64
	Payload   map[string]any
	// LocalID сервер возвращает только устройству, создавшему строку
	LocalID string
	// DeviceID устройство, последним изменившее строку
	DeviceID string
}

func (r Remote) Deleted() bool {
	return r.DeletedAt != nil
}

// Governing метка, по которой строка упорядочена на сервере
func (r Remote) Governing() int64 {
	if r.DeletedAt != nil && *r.DeletedAt > r.UpdatedAt {
		return *r.DeletedAt
	}
	return r.UpdatedAt
}

type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRemoved
	// OutcomeKept локальное изменение осталось в очереди
	OutcomeKept
	// OutcomeSkipped строка не прошла проверку схемы
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeKept:
		return "kept"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Applied результат применения одной серверной строки
type Applied struct {
	ServerID string
	LocalID  string
	Outcome  Outcome
	Conflict bool
	// Err заполнен для OutcomeSkipped (SCHEMA_MISMATCH)
	Err error
}

// ApplyPage применяет страницу pull и сохраняет newWatermark в одной транзакции.
// Страница со строкой новее newWatermark отклоняется целиком.
func (s *Store) ApplyPage(ctx context.Context, table string, rows []Remote, newWatermark int64, policy conflict.Policy) ([]Applied, error) {
	for _, r := range rows {
		if r.Governing() > newWatermark {
			return nil, fmt.Errorf("%w: %s@%d > %d", ErrWatermarkAhead, r.ServerID, r.Governing(), newWatermark)
		}
	}

	out := make([]Applied, 0, len(rows))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			a, err := s.applyServerRow(ctx, tx, table, r, policy)
			if err != nil {
				return fmt.Errorf("ошибка применения строки %s: %w", r.ServerID, err)
			}
			out = append(out, a)
		}
		return setWatermark(ctx, tx, table, newWatermark)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyServerRow применяет одну серверную строку вне страницы
func (s *Store) ApplyServerRow(ctx context.Context, table string, remote Remote, policy conflict.Policy) (Applied, error) {
	var out Applied
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.applyServerRow(ctx, tx, table, remote, policy)
		return err
	})
	return out, err
}

// ResolveConflict разрешает конфликт push для отправленной версии sent.
// Если строку изменили после сборки пакета, сохраняется только serverId:
// новое изменение остается в очереди и разрешится в следующем push.
func (s *Store) ResolveConflict(ctx context.Context, table string, sent Version, remote Remote, policy conflict.Policy) (Applied, error) {
	var out Applied
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		local, err := getRow(ctx, tx, table, sent.LocalID)
		if errors.Is(err, ErrNotFound) {
			out = Applied{ServerID: remote.ServerID, LocalID: sent.LocalID, Outcome: OutcomeUnchanged}
			return nil
		}
		if err != nil {
			return err
		}
		if err := releaseServerID(ctx, tx, table, sent.LocalID, remote.ServerID); err != nil {
			return err
		}

		if local.Status != StatusInFlight || local.UpdatedAt != sent.UpdatedAt {
			_, err = tx.ExecContext(ctx, `UPDATE rows SET server_id = ? WHERE table_name = ? AND local_id = ?`,
				remote.ServerID, table, sent.LocalID)
			if err != nil {
				return fmt.Errorf("ошибка сохранения serverId: %w", err)
			}
			out = Applied{ServerID: remote.ServerID, LocalID: sent.LocalID, Outcome: OutcomeKept, Conflict: true}
			return nil
		}

		out, err = s.resolve(ctx, tx, table, local, remote, policy)
		return err
	})
	return out, err
}

func (s *Store) applyServerRow(ctx context.Context, tx *sql.Tx, table string, remote Remote, policy conflict.Policy) (Applied, error) {
	local, err := s.findForRemote(ctx, tx, table, remote)
	if err != nil {
		return Applied{}, err
	}

	if local == nil {
		return s.insertRemote(ctx, tx, table, remote)
	}

	// подтверждение создания потерялось: строку нашли по localId
	if local.ServerID == "" {
		return s.adopt(ctx, tx, table, local, remote, policy)
	}

	if local.PendingOp() == StatusClean {
		if remote.Deleted() {
			return s.remove(ctx, tx, table, local, remote, false)
		}
		if remote.UpdatedAt <= local.ServerLastModified {
			return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeUnchanged}, nil
		}
		return s.overwrite(ctx, tx, table, local, remote, false)
	}

	// локальное изменение основано на этой или более новой версии
	if remote.Governing() <= local.ServerLastModified {
		return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeUnchanged}, nil
	}

	return s.resolve(ctx, tx, table, local, remote, policy)
}

func (s *Store) resolve(ctx context.Context, tx *sql.Tx, table string, local *Row, remote Remote, policy conflict.Policy) (Applied, error) {
	op := conflict.OpUpsert
	if local.PendingOp() == StatusPendingDelete {
		op = conflict.OpDelete
	}

	res := conflict.Resolve(policy,
		conflict.Local{PendingOp: op, UpdatedAt: local.UpdatedAt, ServerLastModified: local.ServerLastModified},
		conflict.Remote{ServerID: remote.ServerID, UpdatedAt: remote.UpdatedAt, Deleted: remote.Deleted()},
	)

	switch res.Action {
	case conflict.RemoveLocal:
		return s.remove(ctx, tx, table, local, remote, true)
	case conflict.KeepLocal:
		pending := local.PendingOp()
		if pending == StatusClean || pending == "" {
			pending = StatusPendingUpsert
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE rows SET server_id = ?, server_last_modified = ?, sync_status = ?, prior_status = NULL
			WHERE table_name = ? AND local_id = ?`,
			remote.ServerID, res.Rebase, pending, table, local.LocalID)
		if err != nil {
			return Applied{}, fmt.Errorf("ошибка сохранения локальной версии: %w", err)
		}
		return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeKept, Conflict: true}, nil
	default:
		return s.overwrite(ctx, tx, table, local, remote, true)
	}
}

func (s *Store) findForRemote(ctx context.Context, tx *sql.Tx, table string, remote Remote) (*Row, error) {
	local, err := scanOne(tx.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE table_name = ? AND server_id = ?`, table, remote.ServerID))
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if remote.LocalID == "" {
		return nil, nil
	}

	local, err = scanOne(tx.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE table_name = ? AND local_id = ? AND server_id IS NULL`,
		table, remote.LocalID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return local, err
}

func (s *Store) insertRemote(ctx context.Context, tx *sql.Tx, table string, remote Remote) (Applied, error) {
	if remote.Deleted() {
		return Applied{ServerID: remote.ServerID, Outcome: OutcomeUnchanged}, nil
	}
	if err := s.validate(table, remote.Payload); err != nil {
		return Applied{ServerID: remote.ServerID, Outcome: OutcomeSkipped, Err: err}, nil
	}

	localID := remote.LocalID
	if localID != "" {
		if _, err := getRow(ctx, tx, table, localID); err == nil {
			localID = ""
		} else if !errors.Is(err, ErrNotFound) {
			return Applied{}, err
		}
	}
	if localID == "" {
		localID = s.newID()
	}

	data, err := encodePayload(remote.Payload)
	if err != nil {
		return Applied{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (table_name, local_id, server_id, payload, updated_at, server_last_modified, sync_status, sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		table, localID, remote.ServerID, data, remote.UpdatedAt, remote.UpdatedAt, StatusClean)
	if err != nil {
		return Applied{}, fmt.Errorf("ошибка вставки серверной строки: %w", err)
	}
	return Applied{ServerID: remote.ServerID, LocalID: localID, Outcome: OutcomeInserted}, nil
}

func (s *Store) adopt(ctx context.Context, tx *sql.Tx, table string, local *Row, remote Remote, policy conflict.Policy) (Applied, error) {
	if remote.Deleted() {
		return s.remove(ctx, tx, table, local, remote, true)
	}
	if local.PendingOp() == StatusClean {
		return s.overwrite(ctx, tx, table, local, remote, false)
	}

	self, err := deviceID(ctx, tx)
	if err != nil && !errors.Is(err, ErrNoDevice) {
		return Applied{}, err
	}
	// после создания строку правило другое устройство: локальная версия не основана на серверной
	if remote.DeviceID == "" || remote.DeviceID != self {
		return s.resolve(ctx, tx, table, local, remote, policy)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rows SET server_id = ?, server_last_modified = MAX(server_last_modified, ?)
		WHERE table_name = ? AND local_id = ?`,
		remote.ServerID, remote.UpdatedAt, table, local.LocalID)
	if err != nil {
		return Applied{}, fmt.Errorf("ошибка привязки serverId: %w", err)
	}
	return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeKept}, nil
}

func (s *Store) overwrite(ctx context.Context, tx *sql.Tx, table string, local *Row, remote Remote, isConflict bool) (Applied, error) {
	if err := s.validate(table, remote.Payload); err != nil {
		return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeSkipped, Conflict: isConflict, Err: err}, nil
	}
	data, err := encodePayload(remote.Payload)
	if err != nil {
		return Applied{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rows SET server_id = ?, payload = ?, server_last_modified = ?, updated_at = MAX(updated_at, ?),
			sync_status = ?, prior_status = NULL, failure_count = 0, quarantined = 0, last_error = ''
		WHERE table_name = ? AND local_id = ?`,
		remote.ServerID, data, remote.UpdatedAt, remote.UpdatedAt, StatusClean, table, local.LocalID)
	if err != nil {
		return Applied{}, fmt.Errorf("ошибка перезаписи строки: %w", err)
	}
	return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeUpdated, Conflict: isConflict}, nil
}

func (s *Store) remove(ctx context.Context, tx *sql.Tx, table string, local *Row, remote Remote, isConflict bool) (Applied, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE table_name = ? AND local_id = ?`, table, local.LocalID); err != nil {
		return Applied{}, fmt.Errorf("ошибка удаления строки: %w", err)
	}
	return Applied{ServerID: remote.ServerID, LocalID: local.LocalID, Outcome: OutcomeRemoved, Conflict: isConflict}, nil
}

func (s *Store) validate(table string, payload map[string]any) error {
	if err := s.registry.Validate(table, payload); err != nil {
		return syncerr.Wrap(syncerr.SchemaMismatch, table, err)
	}
	return nil
}
