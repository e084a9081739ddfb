// Package ws рассылает уведомления об изменениях подключенным устройствам пользователя.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"sitesync/internal/app/server/api/http/middleware/auth"
	"sitesync/internal/domain/sync"
)

type Config struct {
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   16,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type subscriber struct {
	ch chan sync.Notice
}

// Hub реализует sync.Notifier поверх websocket-соединений
type Hub struct {
	mu     gosync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	config Config
	log    *slog.Logger

	upgrader websocket.Upgrader
}

func NewHub(cfg Config, log *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		config: cfg,
		log:    log.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin проверяет CORS-слой, доступ проверяет bearer-токен
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish не блокируется: медленный получатель теряет уведомление и догонит следующим pull
func (h *Hub) Publish(userID string, n sync.Notice) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[userID] {
		select {
		case sub.ch <- n:
		default:
			h.log.Debug("dropping notice for slow subscriber", "user_id", userID, "table", n.Table)
		}
	}
}

// Count число активных подписок пользователя
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) subscribe(userID string) *subscriber {
	sub := &subscriber{ch: make(chan sync.Notice, h.config.BufferSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], sub)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// ServeHTTP ожидает пользователя в контексте (auth.HTTP)
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.subscribe(userID)
	defer h.unsubscribe(userID, sub)
	h.log.Debug("subscriber connected", "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// входящие сообщения не ожидаются; чтение нужно для обработки close/pong
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.forward(ctx, conn, sub)
}

func (h *Hub) forward(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.config.WriteTimeout))
			return
		case n := <-sub.ch:
			msg, err := json.Marshal(n)
			if err != nil {
				h.log.Error("failed to encode notice", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
