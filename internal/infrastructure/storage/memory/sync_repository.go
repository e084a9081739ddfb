// Package memory хранит серверные строки в памяти процесса (режим разработки и тесты).
package memory

import (
	"context"
	"sort"
	gosync "sync"

	"sitesync/internal/domain/sync"
)

type rowKey struct {
	table    string
	serverID string
}

type idemKey struct {
	deviceID string
	table    string
	localID  string
}

type watermarkKey struct {
	deviceID string
	table    string
}

// SyncRepository реализация sync.Repository в памяти
type SyncRepository struct {
	mu          gosync.RWMutex
	rows        map[rowKey]*sync.Row
	idempotency map[idemKey]*sync.IdempotencyRecord
	devices     map[string]*sync.Device
	watermarks  map[watermarkKey]int64
	clocks      map[string]int64

	locksMu gosync.Mutex
	locks   map[watermarkKey]chan struct{}
}

func NewSyncRepository() *SyncRepository {
	return &SyncRepository{
		rows:        make(map[rowKey]*sync.Row),
		idempotency: make(map[idemKey]*sync.IdempotencyRecord),
		devices:     make(map[string]*sync.Device),
		watermarks:  make(map[watermarkKey]int64),
		clocks:      make(map[string]int64),
		locks:       make(map[watermarkKey]chan struct{}),
	}
}

func (r *SyncRepository) EnsureDevice(_ context.Context, device *sync.Device) (*sync.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[device.ID]; ok {
		if device.LastSeenAt > d.LastSeenAt {
			d.LastSeenAt = device.LastSeenAt
		}
		return copyDevice(d), nil
	}

	d := copyDevice(device)
	r.devices[d.ID] = d
	return copyDevice(d), nil
}

func (r *SyncRepository) GetDevice(_ context.Context, deviceID string) (*sync.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, sync.ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

func (r *SyncRepository) ListUserDevices(_ context.Context, userID string) ([]*sync.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sync.Device, 0)
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, copyDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt < out[j].RegisteredAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *SyncRepository) RevokeDevice(_ context.Context, deviceID string, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return sync.ErrDeviceNotFound
	}
	if d.RevokedAt == nil {
		d.RevokedAt = &at
	}
	return nil
}

func (r *SyncRepository) SaveDeviceWatermark(_ context.Context, deviceID, table string, watermark, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.watermarks[watermarkKey{deviceID: deviceID, table: table}] = watermark
	return nil
}

func (r *SyncRepository) ListDeviceWatermarks(_ context.Context, deviceID string) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64)
	for k, w := range r.watermarks {
		if k.deviceID == deviceID {
			out[k.table] = w
		}
	}
	return out, nil
}

func (r *SyncRepository) FindChangedSince(_ context.Context, userID, table string, watermark int64, limit int) ([]*sync.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sync.Row, 0)
	for k, row := range r.rows {
		if k.table != table || row.UserID != userID || row.Governing() <= watermark {
			continue
		}
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Governing() < out[j].Governing() })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SyncRepository) GetRow(_ context.Context, table, serverID string) (*sync.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[rowKey{table: table, serverID: serverID}]
	if !ok {
		return nil, sync.ErrRowNotFound
	}
	return copyRow(row), nil
}

func (r *SyncRepository) GetIdempotency(_ context.Context, deviceID, table, localID string) (*sync.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.idempotency[idemKey{deviceID: deviceID, table: table, localID: localID}]
	if !ok {
		return nil, sync.ErrIdempotencyNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *SyncRepository) ApplyMutation(_ context.Context, m *sync.Mutation) (*sync.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rowKey{table: m.Table, serverID: m.ServerID}
	current, exists := r.rows[key]

	if m.ExpectedVersion == nil {
		if exists {
			return nil, sync.ErrStaleVersion
		}
	} else if !exists || current.UpdatedAt != *m.ExpectedVersion {
		return nil, sync.ErrStaleVersion
	}

	ts := m.Now
	if last := r.clocks[m.Table]; ts <= last {
		ts = last + 1
	}
	r.clocks[m.Table] = ts

	var row *sync.Row
	switch {
	case !exists:
		row = &sync.Row{
			Table:          m.Table,
			ServerID:       m.ServerID,
			UserID:         m.UserID,
			OriginDeviceID: m.DeviceID,
			OriginLocalID:  m.LocalID,
		}
		r.rows[key] = row
	default:
		row = current
	}

	row.DeviceID = m.DeviceID
	row.UpdatedAt = ts
	if m.Op == sync.OpDelete {
		deletedAt := ts
		row.DeletedAt = &deletedAt
	} else {
		row.DeletedAt = nil
		row.Payload = copyPayload(m.Payload)
	}

	r.idempotency[idemKey{deviceID: m.DeviceID, table: m.Table, localID: m.LocalID}] = &sync.IdempotencyRecord{
		DeviceID:        m.DeviceID,
		Table:           m.Table,
		LocalID:         m.LocalID,
		ServerID:        m.ServerID,
		ClientUpdatedAt: m.ClientUpdatedAt,
		Op:              m.Op,
		ServerUpdatedAt: ts,
	}

	return copyRow(row), nil
}

func (r *SyncRepository) PurgeTombstones(_ context.Context, table string, cutoff int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	horizon := make(map[string]int64)
	for _, d := range r.devices {
		if d.RevokedAt != nil {
			continue
		}
		w := r.watermarks[watermarkKey{deviceID: d.ID, table: table}]
		if h, ok := horizon[d.UserID]; !ok || w < h {
			horizon[d.UserID] = w
		}
	}

	var purged int64
	for k, row := range r.rows {
		if k.table != table || row.DeletedAt == nil || *row.DeletedAt >= cutoff {
			continue
		}
		if h, ok := horizon[row.UserID]; ok && *row.DeletedAt > h {
			continue
		}
		delete(r.rows, k)
		purged++
		for ik, rec := range r.idempotency {
			if rec.Table == table && rec.ServerID == row.ServerID {
				delete(r.idempotency, ik)
			}
		}
	}

	return purged, nil
}

func (r *SyncRepository) AcquirePushLock(ctx context.Context, deviceID, table string) (func(), error) {
	key := watermarkKey{deviceID: deviceID, table: table}

	r.locksMu.Lock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	r.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		var once gosync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func copyDevice(d *sync.Device) *sync.Device {
	cp := *d
	if d.RevokedAt != nil {
		v := *d.RevokedAt
		cp.RevokedAt = &v
	}
	return &cp
}

func copyRow(r *sync.Row) *sync.Row {
	cp := *r
	cp.Payload = copyPayload(r.Payload)
	if r.DeletedAt != nil {
		v := *r.DeletedAt
		cp.DeletedAt = &v
	}
	return &cp
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	}
	return v
}
