package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"sitesync/internal/domain/schema"
	"sitesync/internal/utils/clock"
)

// Compactor периодически удаляет надгробия, которые уже получили все устройства владельца
type Compactor struct {
	repo     Repository
	registry *schema.Registry
	log      *slog.Logger
	clock    clock.Clock
	config   *ServiceConfig
}

func NewCompactor(repo Repository, registry *schema.Registry, log *slog.Logger, config *ServiceConfig, c clock.Clock) *Compactor {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if registry == nil {
		registry = schema.Default()
	}
	if c == nil {
		c = clock.System{}
	}

	return &Compactor{
		repo:     repo,
		registry: registry,
		log:      log.With(slog.String("component", "tombstone_compactor")),
		clock:    c,
		config:   config,
	}
}

// RunOnce выполняет один проход по всем таблицам реестра
func (c *Compactor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now() - c.config.TombstoneRetention.Milliseconds()

	var total int64
	for _, table := range c.registry.Tables() {
		n, err := c.repo.PurgeTombstones(ctx, table, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to purge tombstones of %s: %w", table, err)
		}
		if n > 0 {
			c.log.Info("tombstones purged", "table", table, "count", n)
		}
		total += n
	}

	return total, nil
}

// Run запускает периодическую компакцию до отмены контекста
func (c *Compactor) Run(ctx context.Context) {
	if c.config.CompactionInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.Error("compaction failed", "error", err)
			}
		}
	}
}
