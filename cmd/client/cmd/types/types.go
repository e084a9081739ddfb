// Package types общие для подкоманд ключи контекста и вывод.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sitesync/internal/app/client"
)

type ctxKey string

// ClientAppKey ключ *client.App в контексте команды
const ClientAppKey ctxKey = "app"

var ErrNoApp = errors.New("приложение не инициализировано")

var (
	Success = color.New(color.FgGreen, color.Bold).SprintFunc()
	Warning = color.New(color.FgYellow).SprintFunc()
	Failure = color.New(color.FgRed, color.Bold).SprintFunc()
	Muted   = color.New(color.FgHiBlack).SprintFunc()
)

// App достает приложение, созданное корневой командой
func App(cmd *cobra.Command) (*client.App, error) {
	app, ok := cmd.Context().Value(ClientAppKey).(*client.App)
	if !ok || app == nil {
		return nil, ErrNoApp
	}
	return app, nil
}

// JSON включен ли вывод в формате JSON (--json)
func JSON(cmd *cobra.Command) bool {
	v, err := cmd.Flags().GetBool("json")
	return err == nil && v
}

// PrintJSON выводит значение с отступами
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("ошибка вывода JSON: %w", err)
	}
	return nil
}
