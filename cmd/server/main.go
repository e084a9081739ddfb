package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"

	"sitesync/internal/app/server/api"
	"sitesync/internal/app/server/api/http/health"
	"sitesync/internal/app/server/config"
	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
	"sitesync/internal/infrastructure/storage/memory"
	"sitesync/internal/infrastructure/storage/postgres"
	"sitesync/internal/utils/clock"
	"sitesync/internal/utils/logger"
)

func main() {
	cfg := config.MustLoad()
	log := logger.WithLevel(cfg.Env, cfg.Logger.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := schema.Load(cfg.Sync.SchemaPath)
	if err != nil {
		return err
	}

	var (
		repo   sync.Repository
		pinger health.Pinger
	)
	if cfg.UseMemoryStorage() {
		log.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = memory.NewSyncRepository()
	} else {
		storage, err := postgres.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = storage.Close() }()
		repo = postgres.NewSyncRepository(storage, log)
		pinger = storage
	}

	clk := clock.System{}
	compactor := sync.NewCompactor(repo, registry, log, api.ServiceConfig(cfg), clk)
	go compactor.Run(ctx)

	srv := &http.Server{
		Addr: cfg.Server.RunAddress,
		Handler: api.New(api.Deps{
			Config:   cfg,
			Repo:     repo,
			Registry: registry,
			Pinger:   pinger,
			Clock:    clk,
			Log:      log,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "address", cfg.Server.RunAddress, "env", cfg.Env, "tables", registry.Tables())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
