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

func (e *Engine) pullTable(ctx context.Context, deviceID, table string) (events.Stats, error) {
	var stats events.Stats
	log := e.log.With(slog.String("table", table))

	for {
		w, err := e.store.Watermark(ctx, table)
		if err != nil {
			return stats, err
		}

		var resp *sync.PullResponse
		err = e.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = e.transport.Pull(ctx, sync.PullRequest{
				Table:    table,
				LastSync: w,
				DeviceID: deviceID,
				Limit:    e.cfg.PullPageSize,
			})
			return err
		})
		if err != nil {
			return stats, err
		}

		remotes := make([]store.Remote, len(resp.Rows))
		for i, r := range resp.Rows {
			remotes[i] = toRemote(r)
		}

		applied, err := e.store.ApplyPage(ctx, table, remotes, resp.NewWatermark, e.cfg.ConflictPolicy)
		if err != nil {
			return stats, fmt.Errorf("ошибка применения страницы: %w", err)
		}

		stats.Pulled += len(resp.Rows)
		for _, a := range applied {
			switch a.Outcome {
			case store.OutcomeSkipped:
				stats.Skipped++
				log.Warn("Строка пропущена", slog.String("server_id", a.ServerID), slog.String("error", a.Err.Error()))
			case store.OutcomeUnchanged:
			default:
				stats.Applied++
			}
			if a.Conflict {
				stats.Conflicts++
				e.sink.Emit(events.Event{
					Type:    events.Conflict,
					Table:   table,
					LocalID: a.LocalID,
					Code:    syncerr.Conflict,
				})
			}
		}

		log.Debug("Страница применена",
			slog.Int("rows", len(resp.Rows)),
			slog.Int64("watermark", resp.NewWatermark),
			slog.Bool("has_more", resp.HasMore),
		)

		// пустая страница или водяной знак не сдвинулся: дальше читать нечего
		if !resp.HasMore || len(resp.Rows) == 0 || resp.NewWatermark <= w {
			return stats, nil
		}
	}
}

func toRemote(r sync.PullRow) store.Remote {
	return store.Remote{
		ServerID:  r.ServerID,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
		Payload:   r.Payload,
		LocalID:   r.LocalID,
		DeviceID:  r.DeviceID,
	}
}
