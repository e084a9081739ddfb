package auth

import (
	"github.com/spf13/cobra"
)

// AuthCmd - родительская команда для токена доступа и устройств
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Токен доступа и устройства",
	Long: `Выдача токена - задача хоста: клиент только хранит bearer-токен
и предъявляет его серверу. После AUTH_EXPIRED сохраните новый токен.`,
}
