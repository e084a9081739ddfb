package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sitesync/internal/domain/sync"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

var (
	ErrEmptyRunAddress = errors.New("empty run address")
	ErrEmptySecret     = errors.New("empty secret")
	ErrPageSize        = errors.New("invalid pull page size")
	ErrPushBatch       = errors.New("invalid push batch size")
	ErrDuration        = errors.New("non-positive duration")
)

type Config struct {
	Env    string
	DB     db
	Server server
	Logger logger
	Auth   auth
	Sync   syncConfig
}

type db struct {
	// пусто: хранилище в памяти
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type server struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS"`
}

type logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type auth struct {
	Secret string `env:"SECRET"`
}

type syncConfig struct {
	SchemaPath          string        `env:"SCHEMA_PATH"`
	PullPageSizeDefault int           `env:"PULL_PAGE_SIZE_DEFAULT"`
	PullPageSizeMax     int           `env:"PULL_PAGE_SIZE_MAX"`
	MaxPushBatch        int           `env:"MAX_PUSH_BATCH"`
	TombstoneRetention  time.Duration `env:"TOMBSTONE_RETENTION"`
	CompactionInterval  time.Duration `env:"COMPACTION_INTERVAL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", ":8080")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("schema_path", "")
	v.SetDefault("pull_page_size_default", 100)
	v.SetDefault("pull_page_size_max", 1000)
	v.SetDefault("max_push_batch", sync.DefaultMaxPushBatch)
	v.SetDefault("tombstone_retention", 30*24*time.Hour)
	v.SetDefault("compaction_interval", time.Hour)
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// MustLoad читает .env и переменные окружения, завершает процесс при невалидной конфигурации
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load(viper.New())
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

// Load собирает конфигурацию из переданного экземпляра viper
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: db{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: server{
			RunAddress:         v.GetString("run_address"),
			ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
			CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		},
		Logger: logger{LogLevel: v.GetString("log_level")},
		Auth:   auth{Secret: v.GetString("secret")},
		Sync: syncConfig{
			SchemaPath:          v.GetString("schema_path"),
			PullPageSizeDefault: v.GetInt("pull_page_size_default"),
			PullPageSizeMax:     v.GetInt("pull_page_size_max"),
			MaxPushBatch:        v.GetInt("max_push_batch"),
			TombstoneRetention:  v.GetDuration("tombstone_retention"),
			CompactionInterval:  v.GetDuration("compaction_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Server.RunAddress) == "" {
		return ErrEmptyRunAddress
	}
	if c.Env == EnvProd && c.Auth.Secret == "" {
		return ErrEmptySecret
	}
	if c.Sync.PullPageSizeDefault <= 0 || c.Sync.PullPageSizeMax <= 0 ||
		c.Sync.PullPageSizeDefault > c.Sync.PullPageSizeMax {
		return fmt.Errorf("%w: default %d, max %d", ErrPageSize, c.Sync.PullPageSizeDefault, c.Sync.PullPageSizeMax)
	}
	if c.Sync.MaxPushBatch <= 0 {
		return fmt.Errorf("%w: %d", ErrPushBatch, c.Sync.MaxPushBatch)
	}
	for name, d := range map[string]time.Duration{
		"tombstone_retention": c.Sync.TombstoneRetention,
		"compaction_interval": c.Sync.CompactionInterval,
		"shutdown_timeout":    c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrDuration, name)
		}
	}
	return nil
}

// UseMemoryStorage сервер без DATABASE_URI держит строки в памяти
func (c *Config) UseMemoryStorage() bool {
	return c.DB.DatabaseURI == ""
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
