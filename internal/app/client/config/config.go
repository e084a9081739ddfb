package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sitesync/internal/domain/conflict"
	"sitesync/internal/domain/sync"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultLogLevel      = "info"
	defaultEnv           = "local"
	defaultConfigDir     = ".sitesync"
	configFileName       = "config.yaml"
)

var defaultTables = []string{"clients", "budgets", "contracts", "financial_entries"}

type Config struct {
	Env           string `mapstructure:"app_env"`
	ServerAddress string `mapstructure:"server_address"`
	LogLevel      string `mapstructure:"log_level"`
	ConfigDir     string `mapstructure:"config_dir"`
	TokenPath     string `mapstructure:"token_path"`
	DataPath      string `mapstructure:"data_path"`
	SchemaPath    string `mapstructure:"schema_path"`
	EnableTLS     bool   `mapstructure:"enable_tls"`

	Sync Sync
}

// Sync параметры движка синхронизации
type Sync struct {
	Tables              []string        `mapstructure:"tables"`
	PullPageSize        int             `mapstructure:"pull_page_size"`
	PushBatchSize       int             `mapstructure:"push_batch_size"`
	CycleInterval       time.Duration   `mapstructure:"cycle_interval_ms"`
	BaseRetryDelay      time.Duration   `mapstructure:"base_retry_delay_ms"`
	MaxRetryDelay       time.Duration   `mapstructure:"max_retry_delay_ms"`
	MaxRetriesPerCycle  int             `mapstructure:"max_retries_per_cycle"`
	RequestTimeout      time.Duration   `mapstructure:"request_timeout_ms"`
	ConflictPolicy      conflict.Policy `mapstructure:"conflict_policy"`
	QuarantineThreshold int             `mapstructure:"quarantine_threshold"`
	NotifyEnabled       bool            `mapstructure:"notify_enabled"`
	ProbeInterval       time.Duration   `mapstructure:"probe_interval_ms"`
}

// MustLoad загружает конфигурацию клиента
func MustLoad() *Config {
	// Определяем путь к .env файлу (относительно места запуска)
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fmt.Printf("Ошибка загрузки .env файла: %v\n", err)
		}
	}

	config, err := Load(viper.GetViper())
	if err != nil {
		panic(fmt.Sprintf("Ошибка конфигурации: %v", err))
	}
	return config
}

// Load собирает конфигурацию: значения по умолчанию, config.yaml из каталога конфигурации, переменные окружения
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", defaultEnv)
	v.SetDefault("SERVER_ADDRESS", defaultServerAddress)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("CONFIG_DIR", defaultConfigDir)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("TABLES", strings.Join(defaultTables, ","))
	v.SetDefault("PULL_PAGE_SIZE", 100)
	v.SetDefault("PUSH_BATCH_SIZE", 50)
	v.SetDefault("CYCLE_INTERVAL_MS", 30_000)
	v.SetDefault("BASE_RETRY_DELAY_MS", 1_000)
	v.SetDefault("MAX_RETRY_DELAY_MS", 60_000)
	v.SetDefault("MAX_RETRIES_PER_CYCLE", 5)
	v.SetDefault("REQUEST_TIMEOUT_MS", 15_000)
	v.SetDefault("CONFLICT_POLICY", string(conflict.ServerWins))
	v.SetDefault("QUARANTINE_THRESHOLD", 5)
	v.SetDefault("NOTIFY_ENABLED", true)
	v.SetDefault("PROBE_INTERVAL_MS", 10_000)

	// Получаем домашнюю директорию пользователя
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	configDir := v.GetString("CONFIG_DIR")
	if configDir == defaultConfigDir {
		configDir = filepath.Join(homeDir, configDir)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории конфигурации: %w", err)
	}

	v.SetConfigFile(filepath.Join(configDir, configFileName))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("ошибка чтения %s: %w", configFileName, err)
		}
	}

	tokenPath := v.GetString("TOKEN_PATH")
	if tokenPath == "" {
		tokenPath = filepath.Join(configDir, "token")
	}
	dataPath := v.GetString("DATA_PATH")
	if dataPath == "" {
		dataPath = filepath.Join(configDir, "data.db")
	}

	config := &Config{
		Env:           v.GetString("APP_ENV"),
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		ConfigDir:     configDir,
		TokenPath:     tokenPath,
		DataPath:      dataPath,
		SchemaPath:    v.GetString("SCHEMA_PATH"),
		EnableTLS:     v.GetBool("ENABLE_TLS"),
		Sync: Sync{
			Tables:              tableList(v.Get("TABLES")),
			PullPageSize:        v.GetInt("PULL_PAGE_SIZE"),
			PushBatchSize:       v.GetInt("PUSH_BATCH_SIZE"),
			CycleInterval:       millis(v, "CYCLE_INTERVAL_MS"),
			BaseRetryDelay:      millis(v, "BASE_RETRY_DELAY_MS"),
			MaxRetryDelay:       millis(v, "MAX_RETRY_DELAY_MS"),
			MaxRetriesPerCycle:  v.GetInt("MAX_RETRIES_PER_CYCLE"),
			RequestTimeout:      millis(v, "REQUEST_TIMEOUT_MS"),
			ConflictPolicy:      conflict.Policy(v.GetString("CONFLICT_POLICY")),
			QuarantineThreshold: v.GetInt("QUARANTINE_THRESHOLD"),
			NotifyEnabled:       v.GetBool("NOTIFY_ENABLED"),
			ProbeInterval:       millis(v, "PROBE_INTERVAL_MS"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address не может быть пустым")
	}
	s := c.Sync
	if len(s.Tables) == 0 {
		return fmt.Errorf("tables не может быть пустым")
	}
	if s.PullPageSize <= 0 || s.PushBatchSize <= 0 {
		return fmt.Errorf("pull_page_size и push_batch_size должны быть положительными")
	}
	// больший пакет сервер отклонит целиком, и очередь не разгрузится
	if s.PushBatchSize > sync.DefaultMaxPushBatch {
		return fmt.Errorf("push_batch_size не может превышать %d", sync.DefaultMaxPushBatch)
	}
	if s.CycleInterval <= 0 || s.RequestTimeout <= 0 || s.BaseRetryDelay <= 0 || s.MaxRetryDelay < s.BaseRetryDelay {
		return fmt.Errorf("некорректные интервалы синхронизации")
	}
	if s.MaxRetriesPerCycle < 0 || s.QuarantineThreshold <= 0 {
		return fmt.Errorf("max_retries_per_cycle и quarantine_threshold некорректны")
	}
	if _, err := conflict.ParsePolicy(string(s.ConflictPolicy)); err != nil {
		return fmt.Errorf("conflict_policy: %w", err)
	}
	return nil
}

// IsProd проверяет, prod ли окружение
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// BaseURL адрес сервера со схемой
func (c *Config) BaseURL() string {
	if strings.HasPrefix(c.ServerAddress, "http://") || strings.HasPrefix(c.ServerAddress, "https://") {
		return strings.TrimRight(c.ServerAddress, "/")
	}
	scheme := "http"
	if c.EnableTLS {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(c.ServerAddress, "/")
}

// tableList принимает как строку через запятую (env), так и список (config.yaml)
func tableList(raw any) []string {
	var parts []string
	switch t := raw.(type) {
	case []any:
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = t
	case string:
		parts = strings.Split(t, ",")
	}

	out := make([]string, 0, len(parts))
	seen := make(map[string]bool)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
