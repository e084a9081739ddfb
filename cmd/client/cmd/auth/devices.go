package auth

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var DevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Устройства пользователя",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		devices, err := app.Devices(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения устройств: %w", err)
		}
		if types.JSON(cmd) {
			return types.PrintJSON(devices)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tЗарегистрировано\tПоследний раз\tСтатус\t\n")
		for _, d := range devices {
			status := types.Success("активно")
			if d.RevokedAt != nil {
				status = types.Failure("отозвано")
			}
			id := d.ID
			if id == app.DeviceID() {
				id += " (это)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", id, formatMillis(d.RegisteredAt), formatMillis(d.LastSeenAt), status)
		}
		return w.Flush()
	},
}

var RevokeCmd = &cobra.Command{
	Use:   "revoke DEVICE_ID",
	Short: "Отозвать устройство",
	Long: `Отозванное устройство больше не может синхронизироваться, а его
отметка синхронизации перестает удерживать очистку надгробий.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.RevokeDevice(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("ошибка отзыва устройства: %w", err)
		}
		fmt.Println(types.Success("✓ Устройство отозвано"))
		return nil
	},
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
