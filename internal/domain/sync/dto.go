package sync

// PullRequest параметры запроса GET /sync/pull
type PullRequest struct {
	Table    string
	LastSync int64
	DeviceID string
	Limit    int
}

// PullRow строка в ответе pull (и серверная строка в конфликте push)
type PullRow struct {
	ServerID  string         `json:"serverId"`
	UpdatedAt int64          `json:"updatedAt"`
	DeletedAt *int64         `json:"deletedAt"`
	Payload   map[string]any `json:"payload"`
	DeviceID  string         `json:"deviceId"`
	// LocalID заполняется только для устройства, создавшего строку
	LocalID string `json:"localId,omitempty"`
}

// Governing метка упорядочивания строки
func (r PullRow) Governing() int64 {
	if r.DeletedAt != nil && *r.DeletedAt > r.UpdatedAt {
		return *r.DeletedAt
	}
	return r.UpdatedAt
}

type PullResponse struct {
	Rows         []PullRow `json:"rows"`
	NewWatermark int64     `json:"newWatermark"`
	HasMore      bool      `json:"hasMore"`
}

// PushRow изменение одной строки в пакете
type PushRow struct {
	LocalID   string         `json:"localId" minLength:"1"`
	ServerID  *string        `json:"serverId" required:"false" nullable:"true"`
	UpdatedAt int64          `json:"updatedAt"`
	Op        Op             `json:"op" enum:"upsert,delete"`
	Payload   map[string]any `json:"payload,omitempty" required:"false"`
	// BaseVersion serverLastModified версии, на которой основано изменение
	BaseVersion *int64 `json:"baseVersion,omitempty" required:"false" nullable:"true"`
}

type PushRequest struct {
	Table    string    `json:"table" minLength:"1"`
	DeviceID string    `json:"deviceId" minLength:"1"`
	Data     []PushRow `json:"data"`
}

type PushResult struct {
	LocalID         string       `json:"localId"`
	Status          ResultStatus `json:"status"`
	ServerID        string       `json:"serverId"`
	ServerUpdatedAt int64        `json:"serverUpdatedAt"`
	ServerRow       *PullRow     `json:"serverRow"`
	Reason          *string      `json:"reason"`
}

type PushResponse struct {
	Results    []PushResult `json:"results"`
	ServerTime int64        `json:"serverTime"`
}

// StatusResponse состояние синхронизации устройства
type StatusResponse struct {
	ServerTime  int64            `json:"serverTime"`
	DeviceID    string           `json:"deviceId"`
	Watermarks  map[string]int64 `json:"watermarks"`
	DeviceCount int              `json:"deviceCount"`
	Tables      []string         `json:"tables"`
}

func toPullRow(r *Row, deviceID string) PullRow {
	out := PullRow{
		ServerID:  r.ServerID,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
		Payload:   r.Payload,
		DeviceID:  r.DeviceID,
	}
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	if deviceID != "" && r.OriginDeviceID == deviceID {
		out.LocalID = r.OriginLocalID
	}
	return out
}
