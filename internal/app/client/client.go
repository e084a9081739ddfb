// Package client собирает клиент синхронизации: хранилище, транспорт, движок и оркестратор.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"sitesync/internal/app/client/config"
	"sitesync/internal/app/client/engine"
	"sitesync/internal/app/client/events"
	"sitesync/internal/app/client/notify"
	"sitesync/internal/app/client/orchestrator"
	"sitesync/internal/app/client/store"
	"sitesync/internal/app/client/transport"
	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
)

var (
	ErrUnknownTable = errors.New("таблица не синхронизируется")
	ErrNoToken      = errors.New("токен не найден. Выполните: sitesync auth token")
)

type App struct {
	config       *config.Config
	log          *slog.Logger
	registry     *schema.Registry
	store        *store.Store
	transport    *transport.Client
	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	bus          *events.Bus
	deviceID     string
}

// TableStatus локальное состояние одной таблицы
type TableStatus struct {
	Table     string       `json:"table"`
	Watermark int64        `json:"watermark"`
	Counts    store.Counts `json:"counts"`
}

// Status сводка для команды sync --status
type Status struct {
	DeviceID    string               `json:"deviceId"`
	State       orchestrator.State   `json:"state"`
	AuthBlocked bool                 `json:"authBlocked"`
	Tables      []TableStatus        `json:"tables"`
	Last        *orchestrator.Result `json:"-"`
	Server      *sync.StatusResponse `json:"server,omitempty"`
	ServerErr   string               `json:"serverError,omitempty"`
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	registry, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки схемы: %w", err)
	}
	for _, t := range cfg.Sync.Tables {
		if !registry.Has(t) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, t)
		}
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории: %w", err)
	}

	st, err := store.Open(ctx, cfg.DataPath, log, store.WithRegistry(registry))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия локального хранилища: %w", err)
	}

	deviceID, err := st.EnsureDeviceID(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	tr, err := transport.New(cfg.BaseURL(), log, transport.WithTimeout(cfg.Sync.RequestTimeout))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ошибка инициализации транспорта: %w", err)
	}

	bus := events.NewBus()
	sink := events.Multi{bus, events.NewLogSink(log)}

	eng := engine.New(st, tr, sink, log, engine.Config{
		Tables:              cfg.Sync.Tables,
		PullPageSize:        cfg.Sync.PullPageSize,
		PushBatchSize:       cfg.Sync.PushBatchSize,
		ConflictPolicy:      cfg.Sync.ConflictPolicy,
		QuarantineThreshold: cfg.Sync.QuarantineThreshold,
		Retry: engine.RetryConfig{
			BaseDelay:   cfg.Sync.BaseRetryDelay,
			MaxDelay:    cfg.Sync.MaxRetryDelay,
			MaxAttempts: cfg.Sync.MaxRetriesPerCycle,
		},
	})
	orch := orchestrator.New(eng, st, sink, log, cfg.Sync.CycleInterval)
	eng.Retrier().OnBackoff(orch.OnBackoff)

	app := &App{
		config:       cfg,
		log:          log,
		registry:     registry,
		store:        st,
		transport:    tr,
		engine:       eng,
		orchestrator: orch,
		bus:          bus,
		deviceID:     deviceID,
	}

	// Загружаем токен если он есть
	if token, err := app.GetToken(); err == nil {
		tr.SetToken(token)
		log.Debug("Токен загружен из файла")
	}

	return app, nil
}

// Close закрывает локальное хранилище и подписки
func (a *App) Close() error {
	a.orchestrator.Stop()
	a.bus.Close()
	return a.store.Close()
}

func (a *App) DeviceID() string {
	return a.deviceID
}

func (a *App) Tables() []string {
	return a.config.Sync.Tables
}

// GetToken возвращает сохраненный токен
func (a *App) GetToken() (string, error) {
	tokenBytes, err := os.ReadFile(a.config.TokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("ошибка чтения токена: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// SaveToken сохраняет токен и снимает блокировку циклов после AUTH_EXPIRED
func (a *App) SaveToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if err := os.WriteFile(a.config.TokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	a.transport.SetToken(token)
	a.orchestrator.Reauthenticated()
	return nil
}

// ClearToken удаляет токен
func (a *App) ClearToken() error {
	if err := os.Remove(a.config.TokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления токена: %w", err)
	}
	a.transport.SetToken("")
	return nil
}

func (a *App) IsAuthenticated() bool {
	return a.transport.Token() != ""
}

// CheckConnection проверяет соединение с сервером
func (a *App) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return a.transport.HealthCheck(ctx)
}

func (a *App) checkTable(table string) error {
	if !slices.Contains(a.config.Sync.Tables, table) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// PutRecord проверяет payload по схеме и записывает локальное изменение
func (a *App) PutRecord(ctx context.Context, table, localID string, payload map[string]any) (*store.Row, error) {
	if err := a.checkTable(table); err != nil {
		return nil, err
	}
	if err := a.registry.Validate(table, payload); err != nil {
		return nil, fmt.Errorf("ошибка проверки записи: %w", err)
	}
	return a.store.Put(ctx, table, localID, payload)
}

func (a *App) DeleteRecord(ctx context.Context, table, localID string) error {
	if err := a.checkTable(table); err != nil {
		return err
	}
	return a.store.Delete(ctx, table, localID)
}

func (a *App) GetRecord(ctx context.Context, table, localID string) (*store.Row, error) {
	if err := a.checkTable(table); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, table, localID)
}

func (a *App) ListRecords(ctx context.Context, table string, includeDeleted bool) ([]*store.Row, error) {
	if err := a.checkTable(table); err != nil {
		return nil, err
	}
	return a.store.List(ctx, table, includeDeleted)
}

// ReleaseRecord возвращает строку из карантина в очередь отправки
func (a *App) ReleaseRecord(ctx context.Context, table, localID string) error {
	if err := a.checkTable(table); err != nil {
		return err
	}
	return a.store.Release(ctx, table, localID)
}

// SyncNow выполняет цикл pull-затем-push
func (a *App) SyncNow(ctx context.Context) (*orchestrator.Result, error) {
	if !a.IsAuthenticated() {
		return nil, ErrNoToken
	}
	return a.orchestrator.SyncNow(ctx)
}

// Subscribe подписка на события циклов
func (a *App) Subscribe(buffer int) (<-chan events.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// Status собирает локальное состояние и, если сервер доступен, его сведения об устройстве
func (a *App) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		DeviceID:    a.deviceID,
		State:       a.orchestrator.State(),
		AuthBlocked: a.orchestrator.AuthBlocked(),
		Last:        a.orchestrator.LastResult(),
	}

	for _, table := range a.config.Sync.Tables {
		w, err := a.store.Watermark(ctx, table)
		if err != nil {
			return nil, err
		}
		counts, err := a.store.Counts(ctx, table)
		if err != nil {
			return nil, err
		}
		st.Tables = append(st.Tables, TableStatus{Table: table, Watermark: w, Counts: counts})
	}

	if a.IsAuthenticated() {
		server, err := a.transport.Status(ctx, a.deviceID)
		if err != nil {
			st.ServerErr = err.Error()
		} else {
			st.Server = server
		}
	}

	return st, nil
}

func (a *App) Devices(ctx context.Context) ([]*sync.Device, error) {
	return a.transport.Devices(ctx)
}

func (a *App) RevokeDevice(ctx context.Context, deviceID string) error {
	return a.transport.RevokeDevice(ctx, deviceID)
}

// Watch запускает оркестратор, проверку связи и слушателя уведомлений до отмены ctx
func (a *App) Watch(ctx context.Context) error {
	if !a.IsAuthenticated() {
		return ErrNoToken
	}

	a.log.Info("Клиент запущен",
		slog.String("server", a.config.BaseURL()),
		slog.String("device_id", a.deviceID),
		slog.String("env", a.config.Env),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orchestrator.Start(ctx)
	})
	g.Go(func() error {
		return a.orchestrator.Probe(ctx, a.transport.HealthCheck, a.config.Sync.ProbeInterval)
	})
	if a.config.Sync.NotifyEnabled {
		listener := notify.New(a.config.BaseURL(), a.transport.Token, a.deviceID, a.orchestrator.Trigger, a.log,
			notify.WithBackoff(a.config.Sync.BaseRetryDelay, a.config.Sync.MaxRetryDelay))
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	err := g.Wait()
	a.log.Info("Клиент завершил работу")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
