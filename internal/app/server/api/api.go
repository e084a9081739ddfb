//GET    /health               # Проверка доступности (публичный)
//GET    /sync/pull            # Страница изменений таблицы (auth)
//POST   /sync/push            # Пакет изменений (auth)
//GET    /sync/status          # Водяные знаки устройства (auth)
//GET    /sync/devices         # Устройства пользователя (auth)
//DELETE /sync/devices/{id}    # Отзыв устройства (auth)
//GET    /sync/notify          # Websocket с уведомлениями об изменениях (auth)

package api

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/exp/slog"

	"sitesync/internal/app/server/api/http/health"
	"sitesync/internal/app/server/api/http/middleware"
	"sitesync/internal/app/server/api/http/middleware/auth"
	"sitesync/internal/app/server/api/http/middleware/logger"
	syncAPI "sitesync/internal/app/server/api/http/sync"
	"sitesync/internal/app/server/api/ws"
	"sitesync/internal/app/server/config"
	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
	"sitesync/internal/utils/clock"
)

// Deps зависимости HTTP-слоя
type Deps struct {
	Config   *config.Config
	Repo     sync.Repository
	Registry *schema.Registry
	// Pinger nil для хранилища в памяти
	Pinger health.Pinger
	Clock  clock.Clock
	Log    *slog.Logger
}

type Handlers struct {
	Health *health.Handler
	Sync   *syncAPI.Handler
	Notify *ws.Hub
}

// New создает http.Handler со всеми операциями через huma.Register, websocket и CORS
func New(deps Deps) http.Handler {
	mux := chi.NewMux()

	humaConfig := huma.DefaultConfig("Sitesync API", "1.0.0")
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}

	API := humachi.New(mux, humaConfig)

	authMW := auth.New(auth.NewVerifier(deps.Config.Auth.Secret), deps.Log)
	h := handlers(deps, authMW)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)
	mux.Method(http.MethodGet, "/sync/notify", authMW.HTTP(h.Notify))

	return newCORS(deps.Config.Server.CORSAllowedOrigins).Handler(mux)
}

func handlers(deps Deps, authMW *auth.Auth) *Handlers {
	loggerMW := logger.New(deps.Log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := health.NewHandler(deps.Pinger, deps.Clock, deps.Log, middlewares.GetAllAndClear())

	hub := ws.NewHub(ws.DefaultConfig(), deps.Log)
	syncService := sync.NewService(deps.Repo, deps.Registry, deps.Log, ServiceConfig(deps.Config),
		sync.WithClock(deps.Clock),
		sync.WithNotifier(hub),
	)
	middlewares.Add(loggerMW.Middleware(), authMW.Middleware())
	syncHandler := syncAPI.NewHandler(syncService, deps.Log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
		Notify: hub,
	}
}

// ServiceConfig переносит настройки синхронизации из конфигурации сервера
func ServiceConfig(cfg *config.Config) *sync.ServiceConfig {
	sc := sync.DefaultServiceConfig()
	sc.DefaultPageSize = cfg.Sync.PullPageSizeDefault
	sc.MaxPageSize = cfg.Sync.PullPageSizeMax
	sc.MaxPushBatch = cfg.Sync.MaxPushBatch
	sc.TombstoneRetention = cfg.Sync.TombstoneRetention
	sc.CompactionInterval = cfg.Sync.CompactionInterval
	return sc
}

func newCORS(origins []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(string) bool { return true }
	} else {
		opts.AllowedOrigins = origins
	}
	return cors.New(opts)
}
