// Package orchestrator планирует циклы синхронизации и ведет автомат состояний клиента.
package orchestrator

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"

	"sitesync/internal/app/client/events"
	"sitesync/internal/domain/syncerr"
)

type State string

const (
	Idle    State = "IDLE"
	Running State = "RUNNING"
	// Backoff цикл ждет повтора запроса после временной ошибки
	Backoff State = "BACKOFF"
	Offline State = "OFFLINE"
)

var (
	ErrOffline      = errors.New("нет соединения с сервером")
	ErrAuthRequired = errors.New("требуется повторная аутентификация")
	ErrStopped      = errors.New("оркестратор остановлен")
)

// Cycler выполняет один цикл pull-затем-push
type Cycler interface {
	Cycle(ctx context.Context) (events.Stats, error)
}

// Recoverer возвращает строки из IN_FLIGHT в очередь
type Recoverer interface {
	RevertAllInFlight(ctx context.Context) (int64, error)
}

// Result итог последнего цикла
type Result struct {
	Stats      events.Stats
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type Orchestrator struct {
	cycler   Cycler
	recovery Recoverer
	sink     events.Sink
	log      *slog.Logger
	interval time.Duration
	group    singleflight.Group
	trigger  chan struct{}

	// циклы выполняются в собственном контексте оркестратора, а не вызывающего
	ctx     context.Context
	cancel  context.CancelFunc
	running gosync.WaitGroup

	mu          gosync.Mutex
	state       State
	online      bool
	authBlocked bool
	last        *Result
}

func New(cycler Cycler, recovery Recoverer, sink events.Sink, log *slog.Logger, interval time.Duration) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ctx:      ctx,
		cancel:   cancel,
		cycler:   cycler,
		recovery: recovery,
		sink:     sink,
		log:      log.With(slog.String("component", "orchestrator")),
		interval: interval,
		trigger:  make(chan struct{}, 1),
		state:    Idle,
		online:   true,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult nil до первого завершенного цикла
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// AuthBlocked сообщает, ждут ли циклы повторной аутентификации
func (o *Orchestrator) AuthBlocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authBlocked
}

// SetOnline сигнал среды о сети; возврат в сеть сразу запускает цикл
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	if online {
		if o.state == Offline {
			o.setStateLocked(Idle)
		}
	} else {
		o.setStateLocked(Offline)
	}
	o.mu.Unlock()

	if online {
		o.Trigger()
	}
}

// Reauthenticated снимает блокировку после новой аутентификации хоста
func (o *Orchestrator) Reauthenticated() {
	o.mu.Lock()
	o.authBlocked = false
	o.mu.Unlock()
	o.Trigger()
}

// OnBackoff подключается к механизму повторов движка
func (o *Orchestrator) OnBackoff(attempt int, delay time.Duration, err error) {
	o.mu.Lock()
	if o.state == Running {
		o.setStateLocked(Backoff)
	}
	o.mu.Unlock()

	o.log.Warn("Повтор запроса",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// Trigger просит цикл у запущенного цикла Start, не блокируя вызывающего
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// SyncNow запускает цикл; параллельные вызовы получают результат одного и того же цикла.
// Отмена ctx прекращает ожидание, но не сам цикл.
func (o *Orchestrator) SyncNow(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	switch {
	case o.ctx.Err() != nil:
		o.mu.Unlock()
		return nil, ErrStopped
	case !o.online:
		o.mu.Unlock()
		return nil, ErrOffline
	case o.authBlocked:
		o.mu.Unlock()
		return nil, ErrAuthRequired
	}
	o.mu.Unlock()

	ch := o.group.DoChan("cycle", func() (any, error) {
		o.mu.Lock()
		if o.ctx.Err() != nil {
			o.mu.Unlock()
			return nil, ErrStopped
		}
		o.running.Add(1)
		o.mu.Unlock()
		defer o.running.Done()

		return o.run(o.ctx), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*Result)
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop отменяет текущий цикл и ждет его завершения. После Stop циклы не запускаются.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.running.Wait()
}

// Start крутит таймер циклов до отмены ctx, после чего останавливает оркестратор.
// Перед стартом возвращает в очередь строки, оставшиеся IN_FLIGHT после аварийного завершения.
func (o *Orchestrator) Start(ctx context.Context) error {
	if n, err := o.recovery.RevertAllInFlight(ctx); err != nil {
		o.log.Error("Не удалось восстановить строки в полете", slog.String("error", err.Error()))
	} else if n > 0 {
		o.log.Info("Строки возвращены в очередь", slog.Int64("rows", n))
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Trigger()
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		case <-o.trigger:
			o.tick(ctx)
		}
	}
}

// Probe проверяет доступность сервера и переключает режим сети
func (o *Orchestrator) Probe(ctx context.Context, check func(ctx context.Context) error, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := check(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.SetOnline(err == nil || syncerr.CodeOf(err) != syncerr.Transport)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	_, err := o.SyncNow(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrOffline), errors.Is(err, ErrAuthRequired), errors.Is(err, ErrStopped):
		o.log.Debug("Цикл пропущен", slog.String("reason", err.Error()))
	default:
		o.log.Debug("Цикл завершился ошибкой", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) run(ctx context.Context) *Result {
	o.mu.Lock()
	o.setStateLocked(Running)
	o.mu.Unlock()

	res := &Result{StartedAt: time.Now()}
	o.sink.Emit(events.Event{Type: events.CycleStart, At: res.StartedAt})

	stats, err := o.cycler.Cycle(ctx)
	res.Stats = stats
	res.Err = err
	res.FinishedAt = time.Now()

	if err != nil {
		// отмена и сбой не оставляют строки в полете
		if _, rerr := o.recovery.RevertAllInFlight(context.WithoutCancel(ctx)); rerr != nil {
			o.log.Error("Не удалось вернуть строки в очередь", slog.String("error", rerr.Error()))
		}
	}

	o.mu.Lock()
	o.last = res
	if syncerr.IsAuth(err) {
		o.authBlocked = true
	}
	if o.online {
		o.setStateLocked(Idle)
	} else {
		o.setStateLocked(Offline)
	}
	o.mu.Unlock()

	switch {
	case err == nil:
		o.sink.Emit(events.Event{Type: events.CycleDone, At: res.FinishedAt, Stats: &stats})
	case syncerr.IsAuth(err):
		o.sink.Emit(events.Event{Type: events.AuthExpired, At: res.FinishedAt, Code: syncerr.AuthExpired, Err: err})
	default:
		o.sink.Emit(events.Event{
			Type:  events.CycleFailed,
			At:    res.FinishedAt,
			Code:  syncerr.CodeOf(err),
			Err:   err,
			Stats: &stats,
		})
	}

	return res
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	o.state = s
	o.sink.Emit(events.Event{Type: events.StateChanged, State: string(s), At: time.Now()})
}
