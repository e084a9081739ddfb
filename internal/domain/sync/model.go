package sync

import "time"

// Op операция над строкой в пакете push
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ResultStatus итог обработки строки из пакета push
type ResultStatus string

const (
	StatusAccepted ResultStatus = "accepted"
	StatusConflict ResultStatus = "conflict"
	StatusRejected ResultStatus = "rejected"
)

// Row авторитетная серверная копия строки
type Row struct {
	Table          string
	ServerID       string
	UserID         string
	Payload        map[string]any
	UpdatedAt      int64
	DeletedAt      *int64
	DeviceID       string
	OriginDeviceID string
	OriginLocalID  string
}

// Governing возвращает метку, по которой строка попадает в pull
func (r *Row) Governing() int64 {
	if r.DeletedAt != nil && *r.DeletedAt > r.UpdatedAt {
		return *r.DeletedAt
	}
	return r.UpdatedAt
}

func (r *Row) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Device зарегистрированное устройство
type Device struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	RegisteredAt int64  `json:"registeredAt"`
	LastSeenAt   int64  `json:"lastSeenAt"`
	RevokedAt    *int64 `json:"revokedAt"`
}

// IdempotencyRecord последний принятый результат для (deviceId, table, localId)
type IdempotencyRecord struct {
	DeviceID        string
	Table           string
	LocalID         string
	ServerID        string
	ClientUpdatedAt int64
	Op              Op
	ServerUpdatedAt int64
}

// Mutation атомарное изменение одной строки.
// ExpectedVersion == nil означает создание: строки с таким ServerID быть не должно.
type Mutation struct {
	Table           string
	ServerID        string
	UserID          string
	DeviceID        string
	LocalID         string
	Op              Op
	Payload         map[string]any
	ClientUpdatedAt int64
	Now             int64
	ExpectedVersion *int64
}

// Notice уведомление об изменениях в таблице
type Notice struct {
	Type       string `json:"type"`
	Table      string `json:"table"`
	DeviceID   string `json:"deviceId"`
	ServerTime int64  `json:"serverTime"`
}

const NoticeChanged = "changed"

// ServiceConfig конфигурация сервиса синхронизации
type ServiceConfig struct {
	DefaultPageSize    int           `json:"default_page_size"`
	MaxPageSize        int           `json:"max_page_size"`
	MaxPushBatch       int           `json:"max_push_batch"`
	TombstoneRetention time.Duration `json:"tombstone_retention"`
	CompactionInterval time.Duration `json:"compaction_interval"`
}

// DefaultMaxPushBatch предел строк в одном push, если сервер не настроен иначе
const DefaultMaxPushBatch = 500

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		DefaultPageSize:    100,
		MaxPageSize:        1000,
		MaxPushBatch:       DefaultMaxPushBatch,
		TombstoneRetention: 30 * 24 * time.Hour,
		CompactionInterval: time.Hour,
	}
}
