package events

import (
	"golang.org/x/exp/slog"
)

// LogSink пишет события в журнал
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "events"))}
}

func (s *LogSink) Emit(e Event) {
	attrs := []any{slog.String("event", string(e.Type))}
	if e.Table != "" {
		attrs = append(attrs, slog.String("table", e.Table))
	}
	if e.LocalID != "" {
		attrs = append(attrs, slog.String("local_id", e.LocalID))
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.State != "" {
		attrs = append(attrs, slog.String("state", e.State))
	}
	if e.Stats != nil {
		attrs = append(attrs,
			slog.Int("pulled", e.Stats.Pulled),
			slog.Int("pushed", e.Stats.Pushed),
			slog.Int("conflicts", e.Stats.Conflicts),
			slog.Int("rejected", e.Stats.Rejected),
		)
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	switch e.Type {
	case CycleFailed:
		s.log.Error("Синхронизация не удалась", attrs...)
	case AuthExpired, RowQuarantined, Conflict:
		s.log.Warn("Событие синхронизации", attrs...)
	case CycleStart, StateChanged:
		s.log.Debug("Событие синхронизации", attrs...)
	default:
		s.log.Info("Событие синхронизации", attrs...)
	}
}
