// Package notify слушает websocket-уведомления сервера и ускоряет следующий цикл.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"sitesync/internal/app/client/engine"
	"sitesync/internal/domain/sync"
)

const notifyPath = "/sync/notify"

// Listener держит соединение с /sync/notify и переподключается с задержкой
type Listener struct {
	url      string
	token    func() string
	deviceID string
	trigger  func()
	log      *slog.Logger
	dialer   *websocket.Dialer
	backoff  *engine.Retrier
}

type Option func(*Listener)

// WithBackoff задает границы задержки переподключения
func WithBackoff(base, max time.Duration) Option {
	return func(l *Listener) {
		l.backoff = engine.NewRetrier(engine.RetryConfig{BaseDelay: base, MaxDelay: max})
	}
}

// New создает слушателя. baseURL в форме http(s)://host; token читается при каждом подключении.
func New(baseURL string, token func() string, deviceID string, trigger func(), log *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		url:      wsURL(baseURL) + notifyPath,
		token:    token,
		deviceID: deviceID,
		trigger:  trigger,
		log:      log.With(slog.String("component", "notify")),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff:  engine.NewRetrier(engine.RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run работает до отмены ctx
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
		}

		delay := l.backoff.Delay(failures)
		failures++
		l.log.Debug("Переподключение к уведомлениям",
			slog.Duration("delay", delay),
			slog.String("error", errString(err)),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// listen возвращает connected=true, если рукопожатие прошло
func (l *Listener) listen(ctx context.Context) (bool, error) {
	header := http.Header{}
	if tok := l.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("ошибка подключения: статус %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("ошибка подключения: %w", err)
	}
	defer func() { _ = conn.Close() }()
	l.log.Debug("Подписка на уведомления установлена")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var n sync.Notice
		if err := conn.ReadJSON(&n); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return true, nil
			}
			return true, fmt.Errorf("ошибка чтения уведомления: %w", err)
		}
		l.handle(n)
	}
}

func (l *Listener) handle(n sync.Notice) {
	if n.Type != sync.NoticeChanged {
		return
	}
	// свои изменения устройство уже знает
	if n.DeviceID == l.deviceID {
		return
	}
	l.log.Debug("Изменения на сервере", slog.String("table", n.Table))
	l.trigger()
}

func wsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
