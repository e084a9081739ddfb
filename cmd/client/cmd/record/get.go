package record

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var GetCmd = &cobra.Command{
	Use:   "get TABLE LOCAL_ID",
	Short: "Показать запись",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		row, err := app.GetRecord(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("ошибка получения записи: %w", err)
		}

		if types.JSON(cmd) {
			return types.PrintJSON(row)
		}
		printRow(row)

		data, err := json.MarshalIndent(row.Payload, "", "  ")
		if err != nil {
			return fmt.Errorf("ошибка вывода payload: %w", err)
		}
		fmt.Println()
		fmt.Println(string(data))
		return nil
	},
}
