package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Инициализировать клиент SiteSync",
	Long: `Команда init создает локальную базу и идентификатор устройства,
затем проверяет соединение с сервером.

Без сети клиент работает в офлайн-режиме: изменения копятся локально
и уходят на сервер при следующей синхронизации.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		fmt.Println("=== Инициализация SiteSync ===")
		fmt.Println()
		fmt.Printf("Устройство: %s\n", app.DeviceID())
		fmt.Printf("Таблицы:    %s\n", strings.Join(app.Tables(), ", "))
		fmt.Println()

		fmt.Println("Проверка соединения с сервером...")
		if err := app.CheckConnection(cmd.Context()); err != nil {
			fmt.Printf("%s не удалось подключиться к серверу: %v\n", types.Warning("Предупреждение:"), err)
			fmt.Println("Вы можете работать в офлайн-режиме, синхронизация начнется при появлении сети.")
		} else {
			fmt.Println(types.Success("✓ Соединение с сервером установлено"))
		}

		fmt.Println()
		fmt.Println("Что дальше:")
		fmt.Println("1. Сохраните токен доступа: sitesync auth token")
		fmt.Println("2. Создайте запись: sitesync record put clients --data '{\"name\":\"Maria\"}'")
		fmt.Println("3. Синхронизируйте: sitesync sync")

		return nil
	},
}
