package engine

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"

	"sitesync/internal/app/client/events"
	"sitesync/internal/app/client/store"
	"sitesync/internal/domain/sync"
	"sitesync/internal/domain/syncerr"
)

// sentRow версия строки и операция, ушедшие в пакете
type sentRow struct {
	store.Version
	op sync.Op
}

// pushTable сначала отправляет все upsert, затем delete
func (e *Engine) pushTable(ctx context.Context, deviceID, table string) (events.Stats, error) {
	var stats events.Stats

	for _, op := range []store.Status{store.StatusPendingUpsert, store.StatusPendingDelete} {
		var after store.Version
		for {
			rows, err := e.store.SelectPendingOp(ctx, table, op, after, e.cfg.PushBatchSize)
			if err != nil {
				return stats, err
			}
			if len(rows) == 0 {
				break
			}
			last := rows[len(rows)-1]
			after = store.Version{LocalID: last.LocalID, UpdatedAt: last.UpdatedAt}

			if err := e.pushBatch(ctx, deviceID, table, rows, &stats); err != nil {
				return stats, err
			}
		}
	}

	return stats, nil
}

func (e *Engine) pushBatch(ctx context.Context, deviceID, table string, rows []*store.Row, stats *events.Stats) error {
	versions := make([]store.Version, len(rows))
	byID := make(map[string]*store.Row, len(rows))
	for i, r := range rows {
		versions[i] = store.Version{LocalID: r.LocalID, UpdatedAt: r.UpdatedAt}
		byID[r.LocalID] = r
	}

	marked, err := e.store.MarkInFlight(ctx, table, versions)
	if err != nil {
		return err
	}
	if len(marked) == 0 {
		return nil
	}

	req := &sync.PushRequest{
		Table:    table,
		DeviceID: deviceID,
		Data:     make([]sync.PushRow, 0, len(marked)),
	}
	sent := make([]sentRow, 0, len(marked))
	for _, id := range marked {
		pr := toPushRow(byID[id])
		req.Data = append(req.Data, pr)
		sent = append(sent, sentRow{Version: store.Version{LocalID: pr.LocalID, UpdatedAt: pr.UpdatedAt}, op: pr.Op})
	}
	stats.Pushed += len(req.Data)

	// повтор отправляет тот же пакет: сервер узнает его по ключам идемпотентности
	var resp *sync.PushResponse
	err = e.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.transport.Push(ctx, req)
		return err
	})
	if err != nil {
		e.revert(ctx, table)
		return err
	}

	if err := e.applyResults(ctx, table, sent, resp.Results, stats); err != nil {
		e.revert(ctx, table)
		return err
	}

	// строки без результата возвращаются в очередь
	e.revert(ctx, table)

	e.log.Debug("Пакет отправлен",
		slog.String("table", table),
		slog.Int("rows", len(req.Data)),
	)
	return nil
}

func (e *Engine) applyResults(ctx context.Context, table string, sent []sentRow, results []sync.PushResult, stats *events.Stats) error {
	for i, res := range results {
		if i >= len(sent) {
			break
		}
		v := sent[i]
		if res.LocalID != v.LocalID {
			return syncerr.New(syncerr.Transport, fmt.Sprintf("результат %d относится к %s вместо %s", i, res.LocalID, v.LocalID))
		}

		switch res.Status {
		case sync.StatusAccepted:
			stats.Accepted++
			if err := e.ack(ctx, table, v, res); err != nil {
				return err
			}

		case sync.StatusConflict:
			stats.Conflicts++
			e.sink.Emit(events.Event{Type: events.Conflict, Table: table, LocalID: v.LocalID, Code: syncerr.Conflict})
			if res.ServerRow == nil {
				continue
			}
			out, err := e.store.ResolveConflict(ctx, table, v.Version, toRemote(*res.ServerRow), e.cfg.ConflictPolicy)
			if err != nil {
				return err
			}
			e.log.Warn("Конфликт разрешен",
				slog.String("table", table),
				slog.String("local_id", v.LocalID),
				slog.String("outcome", out.Outcome.String()),
			)

		case sync.StatusRejected:
			stats.Rejected++
			reason := string(syncerr.Validation)
			if res.Reason != nil {
				reason = *res.Reason
			}
			quarantined, err := e.store.RecordRejection(ctx, table, v.Version, reason, e.cfg.QuarantineThreshold)
			if err != nil {
				return err
			}
			if quarantined {
				stats.Quarantined++
				e.sink.Emit(events.Event{
					Type:    events.RowQuarantined,
					Table:   table,
					LocalID: v.LocalID,
					Code:    syncerr.Validation,
					Err:     syncerr.New(syncerr.Validation, reason),
				})
			}

		default:
			return syncerr.New(syncerr.Transport, fmt.Sprintf("неизвестный статус %q", res.Status))
		}
	}
	return nil
}

// ack применяет accepted по отправленной операции, а не по текущему состоянию строки
func (e *Engine) ack(ctx context.Context, table string, v sentRow, res sync.PushResult) error {
	if v.op == sync.OpDelete {
		return e.store.AckDelete(ctx, table, v.Version)
	}
	_, err := e.store.AckUpsert(ctx, table, v.Version, res.ServerID, res.ServerUpdatedAt)
	return err
}

func (e *Engine) revert(ctx context.Context, table string) {
	if _, err := e.store.RevertInFlight(context.WithoutCancel(ctx), table); err != nil {
		e.log.Error("Не удалось вернуть строки в очередь", slog.String("table", table), slog.String("error", err.Error()))
	}
}

func toPushRow(r *store.Row) sync.PushRow {
	out := sync.PushRow{
		LocalID:   r.LocalID,
		UpdatedAt: r.UpdatedAt,
		Op:        sync.OpUpsert,
	}
	if r.PendingOp() == store.StatusPendingDelete {
		out.Op = sync.OpDelete
	} else {
		out.Payload = r.Payload
	}
	if r.ServerID != "" {
		serverID := r.ServerID
		base := r.ServerLastModified
		out.ServerID = &serverID
		out.BaseVersion = &base
	}
	return out
}
