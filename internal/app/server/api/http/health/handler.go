package health

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"sitesync/internal/utils/clock"
)

// Pinger проверка доступности хранилища; nil для хранилища в памяти
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	pinger     Pinger
	clock      clock.Clock
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(pinger Pinger, clk clock.Clock, log *slog.Logger, middleware huma.Middlewares) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{
		pinger:     pinger,
		clock:      clk,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

func (h *Handler) healthCheck(ctx context.Context, _ *Input) (*Output, error) {
	h.log.Debug("health check request received")

	storage := "memory"
	if h.pinger != nil {
		storage = "postgres"
		if err := h.pinger.Ping(ctx); err != nil {
			h.log.Error("storage ping failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("storage unavailable")
		}
	}

	return &Output{
		Body: Response{
			Status:     "OK",
			Storage:    storage,
			ServerTime: h.clock.Now(),
		},
	}, nil
}
