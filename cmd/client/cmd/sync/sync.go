package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
	"sitesync/internal/app/client"
	"sitesync/internal/app/client/events"
	"sitesync/internal/domain/syncerr"
)

var (
	syncStatus bool
	watch      bool
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Управление синхронизацией",
	Long: `Синхронизация данных между клиентом и сервером.

Без флагов выполняет один цикл: сначала забирает изменения с сервера,
затем отправляет локальные. --status показывает очередь и отметки,
--watch синхронизирует по таймеру и уведомлениям сервера до Ctrl+C.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		switch {
		case syncStatus:
			return showSyncStatus(cmd, app)
		case watch:
			return runWatch(cmd.Context(), app)
		}
		return runSync(cmd, app)
	},
}

func runSync(cmd *cobra.Command, app *client.App) error {
	start := time.Now()
	result, err := app.SyncNow(cmd.Context())
	if err != nil {
		if syncerr.IsAuth(err) {
			return fmt.Errorf("токен отклонен сервером, сохраните новый: sitesync auth token: %w", err)
		}
		return fmt.Errorf("ошибка синхронизации: %w", err)
	}

	if types.JSON(cmd) {
		return types.PrintJSON(result.Stats)
	}

	s := result.Stats
	fmt.Println(types.Success("✓ Синхронизация завершена"))
	fmt.Printf("Время выполнения: %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Получено с сервера: %d (применено %d, пропущено %d)\n", s.Pulled, s.Applied, s.Skipped)
	fmt.Printf("Отправлено: %d (принято %d)\n", s.Pushed, s.Accepted)
	if s.Conflicts > 0 {
		fmt.Printf("%s %d\n", types.Warning("Конфликтов:"), s.Conflicts)
	}
	if s.Rejected > 0 {
		fmt.Printf("%s %d (в карантине %d)\n", types.Failure("Отклонено:"), s.Rejected, s.Quarantined)
	}
	return nil
}

func showSyncStatus(cmd *cobra.Command, app *client.App) error {
	st, err := app.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("ошибка получения статуса: %w", err)
	}
	if types.JSON(cmd) {
		return types.PrintJSON(st)
	}

	fmt.Println("=== Статус синхронизации ===")
	fmt.Printf("Устройство: %s\n", st.DeviceID)
	if !app.IsAuthenticated() {
		fmt.Println(types.Warning("Токен не сохранен: sitesync auth token"))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Таблица\tОтметка\tСинхронно\tВ очереди\tВ карантине\t\n")
	for _, t := range st.Tables {
		mark := types.Muted("-")
		if t.Watermark > 0 {
			mark = time.UnixMilli(t.Watermark).Format("2006-01-02 15:04:05")
		}
		pending := fmt.Sprint(t.Counts.Pending())
		if t.Counts.Pending() > 0 {
			pending = types.Warning(pending)
		}
		quarantined := fmt.Sprint(t.Counts.Quarantined)
		if t.Counts.Quarantined > 0 {
			quarantined = types.Failure(quarantined)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n", t.Table, mark, t.Counts.Clean, pending, quarantined)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nСервер: ")
	switch {
	case st.Server != nil:
		fmt.Printf("%s (устройств: %d)\n", types.Success("доступен"), st.Server.DeviceCount)
	case st.ServerErr != "":
		fmt.Printf("%s %s\n", types.Failure("ошибка:"), st.ServerErr)
	default:
		fmt.Println(types.Muted("не проверялся"))
	}
	return nil
}

func runWatch(ctx context.Context, app *client.App) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	ch, unsubscribe := app.Subscribe(64)
	defer unsubscribe()
	go printEvents(ch)

	fmt.Println("Синхронизация запущена, Ctrl+C для выхода")
	if err := app.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printEvents(ch <-chan events.Event) {
	for e := range ch {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		at := types.Muted(e.At.Format("15:04:05"))
		switch e.Type {
		case events.CycleDone:
			s := e.Stats
			if s != nil && (s.Pulled > 0 || s.Pushed > 0) {
				fmt.Printf("%s %s получено %d, отправлено %d\n", at, types.Success("✓"), s.Pulled, s.Pushed)
			}
		case events.CycleFailed:
			fmt.Printf("%s %s %v\n", at, types.Failure("✗"), e.Err)
		case events.AuthExpired:
			fmt.Printf("%s %s токен отклонен, сохраните новый: sitesync auth token\n", at, types.Failure("✗"))
		case events.RowQuarantined:
			fmt.Printf("%s %s %s/%s в карантине\n", at, types.Warning("!"), e.Table, e.LocalID)
		case events.Conflict:
			fmt.Printf("%s %s конфликт %s/%s\n", at, types.Warning("!"), e.Table, e.LocalID)
		case events.StateChanged:
			fmt.Printf("%s %s\n", at, types.Muted(e.State))
		}
	}
}

func init() {
	SyncCmd.Flags().BoolVar(&syncStatus, "status", false, "показать статус синхронизации")
	SyncCmd.Flags().BoolVarP(&watch, "watch", "w", false, "синхронизировать в фоне до Ctrl+C")
}
