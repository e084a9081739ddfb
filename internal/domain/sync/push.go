package sync

import (
	"context"
	"errors"
	"fmt"

	"sitesync/internal/domain/syncerr"
)

// pushRow решает судьбу одной строки. Ошибка возвращается только при сбое хранилища.
func (s *Service) pushRow(ctx context.Context, userID, table, deviceID string, row PushRow) (PushResult, error) {
	if row.LocalID == "" {
		return rejected(row, "localId is required"), nil
	}
	if row.Op != OpUpsert && row.Op != OpDelete {
		return rejected(row, fmt.Sprintf("unsupported op %q", row.Op)), nil
	}
	if row.Op == OpUpsert {
		if err := s.registry.Validate(table, row.Payload); err != nil {
			return rejected(row, err.Error()), nil
		}
	}

	idem, err := s.repo.GetIdempotency(ctx, deviceID, table, row.LocalID)
	if err != nil && !errors.Is(err, ErrIdempotencyNotFound) {
		return PushResult{}, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	// Повтор той же версии: отдаем прежний результат без повторного применения
	if idem != nil && idem.ClientUpdatedAt == row.UpdatedAt && idem.Op == row.Op {
		return accepted(row, idem.ServerID, idem.ServerUpdatedAt), nil
	}

	serverID := ""
	if row.ServerID != nil {
		serverID = *row.ServerID
	}
	base := row.BaseVersion
	if serverID == "" && idem != nil {
		// Устройство не получило ответ на создание, но уже правит строку дальше
		serverID = idem.ServerID
		if base == nil {
			v := idem.ServerUpdatedAt
			base = &v
		}
	}

	m := &Mutation{
		Table:           table,
		ServerID:        serverID,
		UserID:          userID,
		DeviceID:        deviceID,
		LocalID:         row.LocalID,
		Op:              row.Op,
		Payload:         row.Payload,
		ClientUpdatedAt: row.UpdatedAt,
		Now:             s.clock.Now(),
	}

	if serverID == "" {
		if row.Op == OpDelete {
			return accepted(row, "", 0), nil
		}
		m.ServerID = s.newID()
		created, err := s.repo.ApplyMutation(ctx, m)
		if err != nil {
			return PushResult{}, fmt.Errorf("failed to create row: %w", err)
		}
		return accepted(row, created.ServerID, created.UpdatedAt), nil
	}

	current, err := s.repo.GetRow(ctx, table, serverID)
	if err != nil {
		if !errors.Is(err, ErrRowNotFound) {
			return PushResult{}, fmt.Errorf("failed to get row: %w", err)
		}
		if row.Op == OpDelete {
			return accepted(row, serverID, 0), nil
		}
		return rejected(row, fmt.Sprintf("unknown serverId %q", serverID)), nil
	}

	if current.UserID != userID {
		return rejected(row, "row belongs to another user"), nil
	}

	if current.IsDeleted() {
		if row.Op == OpDelete {
			return accepted(row, serverID, *current.DeletedAt), nil
		}
		return conflicted(row, current), nil
	}

	if !basedOn(current, row, base) {
		return conflicted(row, current), nil
	}

	expected := current.UpdatedAt
	m.ExpectedVersion = &expected

	applied, err := s.repo.ApplyMutation(ctx, m)
	if errors.Is(err, ErrStaleVersion) {
		// Параллельный push с другого устройства успел раньше
		current, err = s.repo.GetRow(ctx, table, serverID)
		if err != nil {
			return PushResult{}, fmt.Errorf("failed to reload row: %w", err)
		}
		return conflicted(row, current), nil
	}
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to apply mutation: %w", err)
	}

	return accepted(row, applied.ServerID, applied.Governing()), nil
}

// basedOn сообщает, основана ли входящая версия на текущей серверной
func basedOn(current *Row, row PushRow, base *int64) bool {
	if base != nil {
		return *base == current.UpdatedAt
	}
	return row.UpdatedAt > current.UpdatedAt
}

func accepted(row PushRow, serverID string, serverUpdatedAt int64) PushResult {
	return PushResult{
		LocalID:         row.LocalID,
		Status:          StatusAccepted,
		ServerID:        serverID,
		ServerUpdatedAt: serverUpdatedAt,
	}
}

func conflicted(row PushRow, current *Row) PushResult {
	serverRow := toPullRow(current, "")
	return PushResult{
		LocalID:         row.LocalID,
		Status:          StatusConflict,
		ServerID:        current.ServerID,
		ServerUpdatedAt: current.Governing(),
		ServerRow:       &serverRow,
	}
}

func rejected(row PushRow, reason string) PushResult {
	msg := string(syncerr.Validation) + ": " + reason
	return PushResult{
		LocalID: row.LocalID,
		Status:  StatusRejected,
		Reason:  &msg,
	}
}
