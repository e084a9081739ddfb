package engine

import (
	"context"
	"fmt"
	"math/rand"
	gosync "sync"
	"time"

	"sitesync/internal/domain/syncerr"
)

type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts число повторов на весь цикл, а не на один запрос
	MaxAttempts int
}

// BackoffFunc вызывается перед каждой паузой
type BackoffFunc func(attempt int, delay time.Duration, err error)

// Retrier повторяет запросы с экспоненциальной задержкой и джиттером
type Retrier struct {
	cfg   RetryConfig
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error

	mu        gosync.Mutex
	used      int
	onBackoff BackoffFunc
}

func NewRetrier(cfg RetryConfig) *Retrier {
	return &Retrier{
		cfg:   cfg,
		rand:  rand.Float64,
		sleep: sleep,
	}
}

// OnBackoff подписывает оркестратор на паузы
func (r *Retrier) OnBackoff(f BackoffFunc) {
	r.mu.Lock()
	r.onBackoff = f
	r.mu.Unlock()
}

// Reset обнуляет бюджет повторов в начале цикла
func (r *Retrier) Reset() {
	r.mu.Lock()
	r.used = 0
	r.mu.Unlock()
}

// Delay задержка перед повтором n (с нуля): [d/2, d], где d = min(base*2^n, cap)
func (r *Retrier) Delay(n int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 0; i < n && d < r.cfg.MaxDelay; i++ {
		d *= 2
	}
	if r.cfg.MaxDelay > 0 && d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(r.rand()*float64(d-half))
}

// Do выполняет fn и повторяет при временных ошибках, пока не исчерпан бюджет цикла
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !syncerr.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.mu.Lock()
		if r.used >= r.cfg.MaxAttempts {
			r.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		r.used++
		hook := r.onBackoff
		r.mu.Unlock()

		delay := r.Delay(attempt)
		if hook != nil {
			hook(attempt+1, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
