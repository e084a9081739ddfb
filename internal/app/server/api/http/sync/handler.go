package sync

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
)

type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.devicesOp(), h.devices)
	huma.Register(api, h.revokeDeviceOp(), h.revokeDevice)
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	resp, err := h.service.Pull(ctx, sync.PullRequest{
		Table:    input.Table,
		LastSync: input.LastSync,
		DeviceID: input.DeviceID,
		Limit:    input.Limit,
	})
	if err != nil {
		return nil, h.toHTTPError(err, "pull")
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	resp, err := h.service.Push(ctx, input.Body)
	if err != nil {
		return nil, h.toHTTPError(err, "push")
	}
	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) status(ctx context.Context, input *statusInput) (*statusOutput, error) {
	resp, err := h.service.Status(ctx, input.DeviceID)
	if err != nil {
		return nil, h.toHTTPError(err, "status")
	}
	return &statusOutput{Body: *resp}, nil
}

func (h *Handler) devices(ctx context.Context, _ *devicesInput) (*devicesOutput, error) {
	devices, err := h.service.Devices(ctx)
	if err != nil {
		return nil, h.toHTTPError(err, "devices")
	}
	return &devicesOutput{Body: DevicesResponse{Devices: devices}}, nil
}

func (h *Handler) revokeDevice(ctx context.Context, input *revokeDeviceInput) (*revokeDeviceOutput, error) {
	if err := h.service.RevokeDevice(ctx, input.ID); err != nil {
		return nil, h.toHTTPError(err, "revoke device")
	}
	return &revokeDeviceOutput{}, nil
}

// toHTTPError переводит доменные ошибки в ответы API
func (h *Handler) toHTTPError(err error, op string) error {
	switch {
	case errors.Is(err, sync.ErrUnauthenticated):
		return huma.Error401Unauthorized("Unauthorized")
	case errors.Is(err, sync.ErrDeviceForeign), errors.Is(err, sync.ErrDeviceRevoked):
		return huma.Error403Forbidden(err.Error())
	case errors.Is(err, sync.ErrDeviceNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, sync.ErrUnknownTable), errors.Is(err, schema.ErrUnknownTable):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, sync.ErrInvalidDevice),
		errors.Is(err, sync.ErrInvalidWatermark),
		errors.Is(err, sync.ErrBatchTooLarge):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.NewError(499, "request canceled")
	}

	h.log.Error("sync request failed", "op", op, "error", err)
	return huma.Error500InternalServerError("internal error")
}
