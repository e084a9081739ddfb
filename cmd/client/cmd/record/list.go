package record

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var showDeleted bool

var ListCmd = &cobra.Command{
	Use:   "list TABLE",
	Short: "Список записей таблицы",
	Long: `Просмотр записей таблицы с их состоянием синхронизации.

Флаг --all показывает и записи, ожидающие отправки удаления.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		rows, err := app.ListRecords(cmd.Context(), args[0], showDeleted)
		if err != nil {
			return fmt.Errorf("ошибка получения списка записей: %w", err)
		}

		if types.JSON(cmd) {
			return types.PrintJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("Записи не найдены")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Local ID\tServer ID\tСтатус\tИзменено\t\n")
		fmt.Fprintf(w, "---\t---\t---\t---\t\n")
		for _, r := range rows {
			serverID := r.ServerID
			if serverID == "" {
				serverID = types.Muted("-")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", r.LocalID, serverID, statusLabel(r), formatMillis(r.UpdatedAt))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\nВсего записей: %d\n", len(rows))
		return nil
	},
}

func init() {
	ListCmd.Flags().BoolVar(&showDeleted, "all", false, "показывать записи, ожидающие удаления")
}
