package record

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
	"sitesync/internal/app/client/store"
)

// RecordCmd - родительская команда для всех операций с записями
var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Управление записями",
	Long: `Создание, просмотр и удаление записей синхронизируемых таблиц.
Изменения сохраняются локально и уходят на сервер при синхронизации.`,
}

func statusLabel(r *store.Row) string {
	switch {
	case r.Quarantined:
		return types.Failure("КАРАНТИН")
	case r.Status == store.StatusClean:
		return types.Success(string(r.Status))
	default:
		return types.Warning(string(r.PendingOp()))
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func printRow(r *store.Row) {
	fmt.Printf("Таблица:     %s\n", r.Table)
	fmt.Printf("Local ID:    %s\n", r.LocalID)
	if r.ServerID != "" {
		fmt.Printf("Server ID:   %s\n", r.ServerID)
	}
	fmt.Printf("Статус:      %s\n", statusLabel(r))
	fmt.Printf("Изменено:    %s\n", formatMillis(r.UpdatedAt))
	if r.ServerLastModified > 0 {
		fmt.Printf("На сервере:  %s\n", formatMillis(r.ServerLastModified))
	}
	if r.LastError != "" {
		fmt.Printf("Ошибка:      %s (попыток: %d)\n", r.LastError, r.FailureCount)
	}
}
