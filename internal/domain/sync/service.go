package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slog"

	"sitesync/internal/app/server/api/http/middleware/auth"
	"sitesync/internal/domain/schema"
	"sitesync/internal/utils/clock"
)

// Servicer интерфейс сервиса синхронизации
type Servicer interface {
	// Pull возвращает строки таблицы, измененные после водяного знака
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)

	// Push применяет пакет изменений и возвращает результат по каждой строке
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)

	// Status возвращает состояние синхронизации устройства
	Status(ctx context.Context, deviceID string) (*StatusResponse, error)

	// Devices возвращает устройства пользователя
	Devices(ctx context.Context) ([]*Device, error)

	// RevokeDevice отзывает устройство
	RevokeDevice(ctx context.Context, deviceID string) error
}

// Notifier получает уведомления о принятых изменениях
type Notifier interface {
	Publish(userID string, n Notice)
}

// Service реализация сервиса синхронизации
type Service struct {
	repo     Repository
	registry *schema.Registry
	log      *slog.Logger
	config   *ServiceConfig
	clock    clock.Clock
	newID    func() string
	notifier Notifier
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator подменяет генератор serverId
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService создает новый сервис синхронизации
func NewService(repo Repository, registry *schema.Registry, log *slog.Logger, config *ServiceConfig, opts ...Option) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if registry == nil {
		registry = schema.Default()
	}

	s := &Service{
		repo:     repo,
		registry: registry,
		log:      log.With(slog.String("component", "sync_service")),
		config:   config,
		clock:    clock.System{},
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Pull возвращает страницу изменений после водяного знака
func (s *Service) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if err := s.validateTarget(req.Table, req.DeviceID); err != nil {
		return nil, err
	}
	if req.LastSync < 0 {
		return nil, ErrInvalidWatermark
	}

	if req.Limit <= 0 {
		req.Limit = s.config.DefaultPageSize
	}
	if req.Limit > s.config.MaxPageSize {
		req.Limit = s.config.MaxPageSize
	}

	now := s.clock.Now()
	if err := s.ensureDevice(ctx, userID, req.DeviceID, now); err != nil {
		return nil, err
	}

	rows, err := s.repo.FindChangedSince(ctx, userID, req.Table, req.LastSync, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find changed rows: %w", err)
	}

	// lastSync подтверждает, что устройство уже интегрировало все до этой метки
	if err := s.repo.SaveDeviceWatermark(ctx, req.DeviceID, req.Table, req.LastSync, now); err != nil {
		s.log.Warn("Failed to save device watermark", "device_id", req.DeviceID, "table", req.Table, "error", err)
	}

	resp := &PullResponse{
		Rows:         make([]PullRow, 0, len(rows)),
		NewWatermark: req.LastSync,
		HasMore:      len(rows) >= req.Limit,
	}
	for _, r := range rows {
		resp.Rows = append(resp.Rows, toPullRow(r, req.DeviceID))
		if g := r.Governing(); g > resp.NewWatermark {
			resp.NewWatermark = g
		}
	}

	s.log.Debug("pull served",
		"table", req.Table,
		"device_id", req.DeviceID,
		"last_sync", req.LastSync,
		"rows", len(resp.Rows),
		"new_watermark", resp.NewWatermark,
	)

	return resp, nil
}

// Push применяет пакет; результат каждой строки не зависит от последующих
func (s *Service) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if err := s.validateTarget(req.Table, req.DeviceID); err != nil {
		return nil, err
	}
	if len(req.Data) > s.config.MaxPushBatch {
		return nil, fmt.Errorf("%w: %d rows, max %d", ErrBatchTooLarge, len(req.Data), s.config.MaxPushBatch)
	}

	if err := s.ensureDevice(ctx, userID, req.DeviceID, s.clock.Now()); err != nil {
		return nil, err
	}

	release, err := s.repo.AcquirePushLock(ctx, req.DeviceID, req.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire push lock: %w", err)
	}
	defer release()

	resp := &PushResponse{Results: make([]PushResult, 0, len(req.Data))}
	accepted := 0
	for _, row := range req.Data {
		res, err := s.pushRow(ctx, userID, req.Table, req.DeviceID, row)
		if err != nil {
			return nil, fmt.Errorf("failed to apply row %s: %w", row.LocalID, err)
		}
		if res.Status == StatusAccepted {
			accepted++
			if res.ServerUpdatedAt > resp.ServerTime {
				resp.ServerTime = res.ServerUpdatedAt
			}
		}
		resp.Results = append(resp.Results, res)
	}

	if now := s.clock.Now(); now > resp.ServerTime {
		resp.ServerTime = now
	}

	if accepted > 0 && s.notifier != nil {
		s.notifier.Publish(userID, Notice{
			Type:       NoticeChanged,
			Table:      req.Table,
			DeviceID:   req.DeviceID,
			ServerTime: resp.ServerTime,
		})
	}

	s.log.Debug("push applied",
		"table", req.Table,
		"device_id", req.DeviceID,
		"rows", len(req.Data),
		"accepted", accepted,
	)

	return resp, nil
}

// Status возвращает водяные знаки устройства и число устройств пользователя
func (s *Service) Status(ctx context.Context, deviceID string) (*StatusResponse, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, ErrInvalidDevice
	}

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device != nil && device.UserID != userID {
		return nil, ErrDeviceForeign
	}

	watermarks := map[string]int64{}
	if device != nil {
		watermarks, err = s.repo.ListDeviceWatermarks(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to list watermarks: %w", err)
		}
	}

	devices, err := s.repo.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	return &StatusResponse{
		ServerTime:  s.clock.Now(),
		DeviceID:    deviceID,
		Watermarks:  watermarks,
		DeviceCount: len(devices),
		Tables:      s.registry.Tables(),
	}, nil
}

// Devices возвращает список устройств пользователя
func (s *Service) Devices(ctx context.Context) ([]*Device, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	devices, err := s.repo.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	return devices, nil
}

// RevokeDevice отзывает устройство; запись об устройстве сохраняется
func (s *Service) RevokeDevice(ctx context.Context, deviceID string) error {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return ErrUnauthenticated
	}

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		return fmt.Errorf("failed to get device info: %w", err)
	}
	if device.UserID != userID {
		return ErrDeviceForeign
	}
	if device.RevokedAt != nil {
		return nil
	}

	if err := s.repo.RevokeDevice(ctx, deviceID, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	s.log.Info("device revoked", "device_id", deviceID, "user_id", userID)
	return nil
}

func (s *Service) validateTarget(table, deviceID string) error {
	if !s.registry.Has(table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if _, err := uuid.Parse(deviceID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, deviceID)
	}
	return nil
}

func (s *Service) ensureDevice(ctx context.Context, userID, deviceID string, now int64) error {
	device, err := s.repo.EnsureDevice(ctx, &Device{
		ID:           deviceID,
		UserID:       userID,
		RegisteredAt: now,
		LastSeenAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	if device.UserID != userID {
		return ErrDeviceForeign
	}
	if device.RevokedAt != nil {
		return ErrDeviceRevoked
	}
	return nil
}
