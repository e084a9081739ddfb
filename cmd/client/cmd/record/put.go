package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sitesync/cmd/client/cmd/types"
)

var (
	putData string
	putFile string
)

var PutCmd = &cobra.Command{
	Use:   "put TABLE [LOCAL_ID]",
	Short: "Создать или изменить запись",
	Long: `Записывает payload в локальную базу. Без LOCAL_ID создается новая запись.

Payload передается флагом --data (JSON-объект) или --file (путь, "-" для stdin).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		payload, err := readPayload()
		if err != nil {
			return err
		}

		var localID string
		if len(args) == 2 {
			localID = args[1]
		}

		row, err := app.PutRecord(cmd.Context(), args[0], localID, payload)
		if err != nil {
			return fmt.Errorf("ошибка сохранения записи: %w", err)
		}

		if types.JSON(cmd) {
			return types.PrintJSON(row)
		}
		fmt.Println(types.Success("✓ Запись сохранена"))
		printRow(row)
		return nil
	},
}

func readPayload() (map[string]any, error) {
	var raw []byte
	switch {
	case putData != "" && putFile != "":
		return nil, fmt.Errorf("укажите только один из флагов --data и --file")
	case putData != "":
		raw = []byte(putData)
	case putFile == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения stdin: %w", err)
		}
		raw = b
	case putFile != "":
		b, err := os.ReadFile(putFile)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("payload не задан: используйте --data или --file")
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload должен быть JSON-объектом: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload должен быть JSON-объектом")
	}
	return payload, nil
}

func init() {
	PutCmd.Flags().StringVarP(&putData, "data", "d", "", "payload в формате JSON")
	PutCmd.Flags().StringVarP(&putFile, "file", "f", "", "файл с payload (- для stdin)")
}
