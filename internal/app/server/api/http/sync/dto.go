package sync

import (
	"sitesync/internal/domain/sync"
)

type pullInput struct {
	Table    string `query:"table" required:"true" minLength:"1" doc:"Syncable table name"`
	LastSync int64  `query:"lastSync" doc:"Watermark, epoch ms"`
	DeviceID string `query:"deviceId" required:"true"`
	Limit    int    `query:"limit" doc:"Page size; server default when omitted, clamped to the server maximum"`
}

type pullOutput struct {
	Body sync.PullResponse
}

type pushInput struct {
	Body sync.PushRequest
}

type pushOutput struct {
	Body sync.PushResponse
}

type statusInput struct {
	DeviceID string `query:"deviceId" required:"true"`
}

type statusOutput struct {
	Body sync.StatusResponse
}

type devicesInput struct{}

type devicesOutput struct {
	Body DevicesResponse
}

type DevicesResponse struct {
	Devices []*sync.Device `json:"devices"`
}

type revokeDeviceInput struct {
	ID string `path:"id"`
}

type revokeDeviceOutput struct{}
