package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/app/server/config"
	"sitesync/internal/domain/sync"
	"sitesync/internal/utils/logger"
)

const t0 = int64(1700000000000)

// newTestRepository требует TEST_DATABASE_URI, иначе тест пропускается
func newTestRepository(t *testing.T) *SyncRepository {
	t.Helper()

	uri := os.Getenv("TEST_DATABASE_URI")
	if uri == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	cfg := &config.Config{}
	cfg.DB.DatabaseURI = uri
	cfg.DB.Migrations = "../../../../migrations"

	ctx := context.Background()
	storage, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	_, err = storage.Pool().Exec(ctx,
		`TRUNCATE sync_rows, sync_idempotency, sync_clocks, device_watermarks, devices`)
	require.NoError(t, err)

	return NewSyncRepository(storage, logger.Discard())
}

func mutation(table, serverID, deviceID, localID string, op sync.Op, now int64, expected *int64) *sync.Mutation {
	return &sync.Mutation{
		Table:           table,
		ServerID:        serverID,
		UserID:          "u1",
		DeviceID:        deviceID,
		LocalID:         localID,
		Op:              op,
		Payload:         map[string]any{"name": localID},
		ClientUpdatedAt: now - 5,
		Now:             now,
		ExpectedVersion: expected,
	}
}

func TestSyncRepository_ApplyMutation(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	dev := uuid.NewString()

	a, err := r.ApplyMutation(ctx, mutation("clients", "S1", dev, "L1", sync.OpUpsert, t0+20, nil))
	require.NoError(t, err)
	b, err := r.ApplyMutation(ctx, mutation("clients", "S2", dev, "L2", sync.OpUpsert, t0+10, nil))
	require.NoError(t, err)
	assert.Equal(t, t0+20, a.UpdatedAt)
	assert.Equal(t, t0+21, b.UpdatedAt, "per-table clock is strictly monotonic")

	_, err = r.ApplyMutation(ctx, mutation("clients", "S1", dev, "L1", sync.OpUpsert, t0+30, nil))
	assert.ErrorIs(t, err, sync.ErrStaleVersion)

	stale := t0
	_, err = r.ApplyMutation(ctx, mutation("clients", "S1", dev, "L1", sync.OpUpsert, t0+30, &stale))
	assert.ErrorIs(t, err, sync.ErrStaleVersion)

	current := a.UpdatedAt
	del, err := r.ApplyMutation(ctx, mutation("clients", "S1", dev, "L1", sync.OpDelete, t0+40, &current))
	require.NoError(t, err)
	require.NotNil(t, del.DeletedAt)
	assert.Equal(t, del.UpdatedAt, *del.DeletedAt)

	rec, err := r.GetIdempotency(ctx, dev, "clients", "L1")
	require.NoError(t, err)
	assert.Equal(t, sync.OpDelete, rec.Op)
	assert.Equal(t, del.UpdatedAt, rec.ServerUpdatedAt)

	rows, err := r.FindChangedSince(ctx, "u1", "clients", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "S2", rows[0].ServerID)
	assert.Equal(t, "S1", rows[1].ServerID, "tombstone ordered by deletedAt")

	rows, err = r.FindChangedSince(ctx, "u2", "clients", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSyncRepository_Devices(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	dev := uuid.NewString()

	d, err := r.EnsureDevice(ctx, &sync.Device{ID: dev, UserID: "u1", RegisteredAt: t0, LastSeenAt: t0})
	require.NoError(t, err)
	assert.Equal(t, "u1", d.UserID)

	d, err = r.EnsureDevice(ctx, &sync.Device{ID: dev, UserID: "u1", RegisteredAt: t0 + 5, LastSeenAt: t0 + 5})
	require.NoError(t, err)
	assert.Equal(t, t0, d.RegisteredAt)
	assert.Equal(t, t0+5, d.LastSeenAt)

	require.NoError(t, r.SaveDeviceWatermark(ctx, dev, "clients", t0+3, t0+5))
	w, err := r.ListDeviceWatermarks(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"clients": t0 + 3}, w)

	require.NoError(t, r.RevokeDevice(ctx, dev, t0+9))
	d, err = r.GetDevice(ctx, dev)
	require.NoError(t, err)
	require.NotNil(t, d.RevokedAt)

	_, err = r.GetDevice(ctx, uuid.NewString())
	assert.ErrorIs(t, err, sync.ErrDeviceNotFound)
}

func TestSyncRepository_PurgeTombstones(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	devA, devB := uuid.NewString(), uuid.NewString()

	for _, id := range []string{devA, devB} {
		_, err := r.EnsureDevice(ctx, &sync.Device{ID: id, UserID: "u1", RegisteredAt: t0, LastSeenAt: t0})
		require.NoError(t, err)
	}

	row, err := r.ApplyMutation(ctx, mutation("clients", "S1", devA, "L1", sync.OpUpsert, t0+10, nil))
	require.NoError(t, err)
	v := row.UpdatedAt
	del, err := r.ApplyMutation(ctx, mutation("clients", "S1", devA, "L1", sync.OpDelete, t0+20, &v))
	require.NoError(t, err)

	require.NoError(t, r.SaveDeviceWatermark(ctx, devA, "clients", *del.DeletedAt, t0+30))

	// B еще не видел надгробие
	n, err := r.PurgeTombstones(ctx, "clients", t0+1000)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.SaveDeviceWatermark(ctx, devB, "clients", *del.DeletedAt, t0+30))
	n, err = r.PurgeTombstones(ctx, "clients", t0+1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = r.GetRow(ctx, "clients", "S1")
	assert.ErrorIs(t, err, sync.ErrRowNotFound)
	_, err = r.GetIdempotency(ctx, devA, "clients", "L1")
	assert.ErrorIs(t, err, sync.ErrIdempotencyNotFound)
}

func TestSyncRepository_PushLock(t *testing.T) {
	r := newTestRepository(t)
	dev := uuid.NewString()

	release, err := r.AcquirePushLock(context.Background(), dev, "clients")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.AcquirePushLock(ctx, dev, "clients")
	assert.Error(t, err, "second holder waits until the first releases")

	release()
	release()

	release2, err := r.AcquirePushLock(context.Background(), dev, "clients")
	require.NoError(t, err)
	release2()

	other, err := r.AcquirePushLock(context.Background(), dev, "budgets")
	require.NoError(t, err)
	other()
}
