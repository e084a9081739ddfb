package record

import (
	"fmt"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var DeleteCmd = &cobra.Command{
	Use:   "delete TABLE LOCAL_ID",
	Short: "Удалить запись",
	Long: `Запись, о которой сервер еще не знает, удаляется сразу. Остальные
помечаются на удаление и исчезают после подтверждения сервером.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.DeleteRecord(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("ошибка удаления записи: %w", err)
		}
		fmt.Println(types.Success("✓ Запись удалена"))
		return nil
	},
}

var ReleaseCmd = &cobra.Command{
	Use:   "release TABLE LOCAL_ID",
	Short: "Вернуть запись из карантина",
	Long:  `Сбрасывает счетчик отказов сервера, и запись снова отправляется при синхронизации.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.ReleaseRecord(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("ошибка возврата записи: %w", err)
		}
		fmt.Println(types.Success("✓ Запись возвращена в очередь"))
		return nil
	},
}
