package sync

import (
	"context"
)

// Repository интерфейс серверного хранилища строк
type Repository interface {
	// Устройства
	EnsureDevice(ctx context.Context, device *Device) (*Device, error)
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListUserDevices(ctx context.Context, userID string) ([]*Device, error)
	RevokeDevice(ctx context.Context, deviceID string, at int64) error
	SaveDeviceWatermark(ctx context.Context, deviceID, table string, watermark, at int64) error
	ListDeviceWatermarks(ctx context.Context, deviceID string) (map[string]int64, error)

	// Строки
	FindChangedSince(ctx context.Context, userID, table string, watermark int64, limit int) ([]*Row, error)
	GetRow(ctx context.Context, table, serverID string) (*Row, error)
	GetIdempotency(ctx context.Context, deviceID, table, localID string) (*IdempotencyRecord, error)
	// ApplyMutation атомарно выдает метку времени таблицы, пишет строку и запись идемпотентности
	ApplyMutation(ctx context.Context, m *Mutation) (*Row, error)
	// PurgeTombstones удаляет надгробия старше cutoff, которые уже прошли все устройства владельца
	PurgeTombstones(ctx context.Context, table string, cutoff int64) (int64, error)

	// AcquirePushLock сериализует push для пары (deviceId, table)
	AcquirePushLock(ctx context.Context, deviceID, table string) (release func(), err error)
}
