// Package engine движки pull и push клиента синхронизации.
package engine

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"

	"sitesync/internal/app/client/events"
	"sitesync/internal/app/client/store"
	"sitesync/internal/domain/conflict"
	"sitesync/internal/domain/sync"
)

// Transport протокол синхронизации
type Transport interface {
	Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error)
	Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error)
}

type Config struct {
	Tables              []string
	PullPageSize        int
	PushBatchSize       int
	ConflictPolicy      conflict.Policy
	QuarantineThreshold int
	Retry               RetryConfig
}

type Engine struct {
	store     *store.Store
	transport Transport
	retrier   *Retrier
	sink      events.Sink
	log       *slog.Logger
	cfg       Config
}

func New(st *store.Store, transport Transport, sink events.Sink, log *slog.Logger, cfg Config) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = conflict.ServerWins
	}
	return &Engine{
		store:     st,
		transport: transport,
		retrier:   NewRetrier(cfg.Retry),
		sink:      sink,
		log:       log.With(slog.String("component", "sync_engine")),
		cfg:       cfg,
	}
}

// Retrier общий на цикл механизм повторов
func (e *Engine) Retrier() *Retrier {
	return e.retrier
}

// Cycle один проход: pull всех таблиц, затем push всех таблиц
func (e *Engine) Cycle(ctx context.Context) (events.Stats, error) {
	var total events.Stats
	if len(e.cfg.Tables) == 0 {
		return total, ErrNoTables
	}

	e.retrier.Reset()
	deviceID, err := e.store.EnsureDeviceID(ctx)
	if err != nil {
		return total, err
	}

	for _, table := range e.cfg.Tables {
		stats, err := e.pullTable(ctx, deviceID, table)
		total.Add(stats)
		if err != nil {
			return total, fmt.Errorf("pull %s: %w", table, err)
		}
	}

	for _, table := range e.cfg.Tables {
		stats, err := e.pushTable(ctx, deviceID, table)
		total.Add(stats)
		if err != nil {
			return total, fmt.Errorf("push %s: %w", table, err)
		}
	}

	return total, nil
}

// PullTable забирает все изменения одной таблицы
func (e *Engine) PullTable(ctx context.Context, table string) (events.Stats, error) {
	deviceID, err := e.store.EnsureDeviceID(ctx)
	if err != nil {
		return events.Stats{}, err
	}
	return e.pullTable(ctx, deviceID, table)
}

// PushTable отправляет все ожидающие изменения одной таблицы
func (e *Engine) PushTable(ctx context.Context, table string) (events.Stats, error) {
	deviceID, err := e.store.EnsureDeviceID(ctx)
	if err != nil {
		return events.Stats{}, err
	}
	return e.pushTable(ctx, deviceID, table)
}
