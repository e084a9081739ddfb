package auth

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sitesync/cmd/client/cmd/types"
)

var TokenCmd = &cobra.Command{
	Use:   "token [TOKEN]",
	Short: "Сохранить токен доступа",
	Long: `Сохраняет bearer-токен локально. Без аргумента токен запрашивается
без отображения на экране.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Print("Токен: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("ошибка чтения токена: %w", err)
			}
			fmt.Println()
			token = string(raw)
		}

		if err := app.SaveToken(token); err != nil {
			return err
		}

		fmt.Println(types.Success("✓ Токен сохранен"))
		return nil
	},
}

var LogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Удалить сохраненный токен",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.ClearToken(); err != nil {
			return err
		}
		fmt.Println(types.Success("✓ Токен удален"))
		return nil
	},
}
