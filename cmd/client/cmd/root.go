package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitesync/cmd/client/cmd/auth"
	"sitesync/cmd/client/cmd/record"
	"sitesync/cmd/client/cmd/sync"
	"sitesync/cmd/client/cmd/types"
	"sitesync/internal/app/client"
	"sitesync/internal/app/client/config"
	"sitesync/internal/utils/logger"
)

var (
	configDir string
	debug     bool
	serverURL string
	app       *client.App
)

var rootCmd = &cobra.Command{
	Use:   "sitesync",
	Short: "SiteSync - офлайн-клиент синхронизации",
	Long: `SiteSync хранит записи (клиенты, сметы, договоры, финансовые операции)
в локальной базе и синхронизирует их с сервером, когда есть сеть.

Изменения пишутся локально сразу, а цикл синхронизации сначала забирает
изменения с сервера, затем отправляет локальные.`,
	PersistentPreRunE: setupApp,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	err := rootCmd.Execute()
	if app != nil {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", types.Failure("Ошибка:"), err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	// Переопределяем настройки из флагов командной строки
	if configDir != "" {
		viper.Set("CONFIG_DIR", configDir)
	}
	if serverURL != "" {
		viper.Set("SERVER_ADDRESS", serverURL)
	}
	if debug {
		viper.Set("LOG_LEVEL", "debug")
	}

	cfg := config.MustLoad()
	log := logger.WithLevel(cfg.Env, cfg.LogLevel)

	var err error
	app, err = client.New(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("ошибка инициализации приложения: %w", err)
	}

	cmd.SetContext(context.WithValue(cmd.Context(), types.ClientAppKey, app))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "каталог конфигурации и локальной базы")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "включить отладочный режим")
	rootCmd.PersistentFlags().Bool("json", false, "вывод в формате JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "адрес сервера синхронизации")

	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(auth.AuthCmd)
	auth.AuthCmd.AddCommand(auth.TokenCmd)
	auth.AuthCmd.AddCommand(auth.LogoutCmd)
	auth.AuthCmd.AddCommand(auth.DevicesCmd)
	auth.AuthCmd.AddCommand(auth.RevokeCmd)

	rootCmd.AddCommand(record.RecordCmd)
	record.RecordCmd.AddCommand(record.PutCmd)
	record.RecordCmd.AddCommand(record.GetCmd)
	record.RecordCmd.AddCommand(record.ListCmd)
	record.RecordCmd.AddCommand(record.DeleteCmd)
	record.RecordCmd.AddCommand(record.ReleaseCmd)

	rootCmd.AddCommand(sync.SyncCmd)
}
