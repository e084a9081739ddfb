package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/app/client/store"
	"sitesync/internal/app/client/transport"
	"sitesync/internal/app/server/api"
	serverconfig "sitesync/internal/app/server/config"
	"sitesync/internal/domain/conflict"
	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
	"sitesync/internal/domain/syncerr"
	"sitesync/internal/infrastructure/storage/memory"
	"sitesync/internal/utils/clock"
	"sitesync/internal/utils/logger"
)

const (
	scenarioSecret = "scenario-secret"
	scenarioUser   = "user-1"
)

// harness сервер синхронизации с управляемыми часами поверх httptest
type harness struct {
	srv   *httptest.Server
	clock *clock.Manual
	repo  *memory.SyncRepository
	// wrap перехватывает запросы до API (имитация ответов сервера)
	wrap func(w http.ResponseWriter, r *http.Request) bool
}

type device struct {
	store     *store.Store
	clock     *clock.Manual
	transport *transport.Client
	engine    *Engine
	events    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &serverconfig.Config{Env: serverconfig.EnvLocal}
	cfg.Auth.Secret = scenarioSecret
	cfg.Sync.PullPageSizeDefault = 100
	cfg.Sync.PullPageSizeMax = 1000
	cfg.Sync.MaxPushBatch = 500
	cfg.Sync.TombstoneRetention = time.Hour
	cfg.Sync.CompactionInterval = time.Minute

	h := &harness{
		clock: clock.NewManual(t0),
		repo:  memory.NewSyncRepository(),
	}
	handler := api.New(api.Deps{
		Config:   cfg,
		Repo:     h.repo,
		Registry: schema.Default(),
		Clock:    h.clock,
		Log:      logger.Discard(),
	})
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.wrap != nil && h.wrap(w, r) {
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) device(t *testing.T, at int64, cfg Config) *device {
	t.Helper()

	clk := clock.NewManual(at)
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "data.db"), logger.Discard(), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr, err := transport.New(h.srv.URL, logger.Discard(), transport.WithTimeout(5*time.Second))
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: scenarioUser}).
		SignedString([]byte(scenarioSecret))
	require.NoError(t, err)
	tr.SetToken(token)

	rec := &recorder{}
	e := New(st, tr, rec, logger.Discard(), cfg)
	e.retrier.sleep = noSleep

	return &device{store: st, clock: clk, transport: tr, engine: e, events: rec}
}

func (d *device) withTransport(tr Transport) {
	d.engine.transport = tr
}

// createRoundTrip S1: A создает строку, B ее получает. Возвращает localId строки на B.
func createRoundTrip(t *testing.T, h *harness, a, b *device) string {
	t.Helper()
	ctx := context.Background()

	row, err := a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria"})
	require.NoError(t, err)
	require.Equal(t, store.StatusPendingUpsert, row.Status)
	require.Equal(t, t0+10, row.UpdatedAt)

	h.clock.Set(t0 + 20)
	_, err = a.engine.Cycle(ctx)
	require.NoError(t, err)

	_, err = b.engine.Cycle(ctx)
	require.NoError(t, err)

	rows, err := b.store.List(ctx, "clients", true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].LocalID
}

func TestScenario_FreshCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.device(t, t0+10, testConfig())
	b := h.device(t, t0+10, testConfig())

	bLocal := createRoundTrip(t, h, a, b)

	rowA, err := a.store.Get(ctx, "clients", "L1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusClean, rowA.Status)
	assert.NotEmpty(t, rowA.ServerID)
	assert.Equal(t, t0+20, rowA.ServerLastModified)
	assert.Equal(t, t0+10, rowA.UpdatedAt)

	rowB, err := b.store.Get(ctx, "clients", bLocal)
	require.NoError(t, err)
	assert.Equal(t, rowA.ServerID, rowB.ServerID)
	assert.Equal(t, t0+20, rowB.ServerLastModified)
	assert.Equal(t, "Maria", rowB.Payload["name"])
	assert.Equal(t, store.StatusClean, rowB.Status)

	w, err := b.store.Watermark(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, t0+20, w)

	// повторный pull ничего не меняет
	before, err := b.store.List(ctx, "clients", true)
	require.NoError(t, err)
	_, err = b.engine.PullTable(ctx, "clients")
	require.NoError(t, err)
	after, err := b.store.List(ctx, "clients", true)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScenario_ConcurrentUpdateServerWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.device(t, t0+10, testConfig())
	b := h.device(t, t0+10, testConfig())
	bLocal := createRoundTrip(t, h, a, b)

	a.clock.Set(t0 + 30)
	_, err := a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria Silva"})
	require.NoError(t, err)

	b.clock.Set(t0 + 25)
	_, err = b.store.Put(ctx, "clients", bLocal, map[string]any{"name": "Maria Souza"})
	require.NoError(t, err)
	h.clock.Set(t0 + 35)
	stats, err := b.engine.PushTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accepted)

	stats, err = a.engine.PushTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	rowA, err := a.store.Get(ctx, "clients", "L1")
	require.NoError(t, err)
	assert.Equal(t, "Maria Souza", rowA.Payload["name"])
	assert.Equal(t, store.StatusClean, rowA.Status)
	assert.Equal(t, t0+35, rowA.ServerLastModified)
}

func TestScenario_DeleteWithOutstandingLocalEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.device(t, t0+10, testConfig())
	b := h.device(t, t0+10, testConfig())
	bLocal := createRoundTrip(t, h, a, b)

	a.clock.Set(t0 + 40)
	_, err := a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria Edited"})
	require.NoError(t, err)

	require.NoError(t, b.store.Delete(ctx, "clients", bLocal))
	h.clock.Set(t0 + 50)
	stats, err := b.engine.PushTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accepted)

	_, err = b.store.Get(ctx, "clients", bLocal)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stats, err = a.engine.PullTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	_, err = a.store.Get(ctx, "clients", "L1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	w, err := a.store.Watermark(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, t0+50, w)
}

// dropFirstPush доставляет первый push на сервер, но теряет ответ
type dropFirstPush struct {
	Transport
	dropped bool
}

func (d *dropFirstPush) Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error) {
	resp, err := d.Transport.Push(ctx, req)
	if !d.dropped {
		d.dropped = true
		return nil, syncerr.New(syncerr.Transport, "connection reset")
	}
	return resp, err
}

func TestScenario_PushRetryIdempotency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.device(t, t0+60, testConfig())
	a.withTransport(&dropFirstPush{Transport: a.transport})

	row, err := a.store.Put(ctx, "clients", "L2", map[string]any{"name": "Joao"})
	require.NoError(t, err)
	require.Equal(t, t0+60, row.UpdatedAt)

	h.clock.Set(t0 + 70)
	_, err = a.engine.Cycle(ctx)
	require.NoError(t, err)

	row, err = a.store.Get(ctx, "clients", "L2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusClean, row.Status)
	assert.Equal(t, t0+70, row.ServerLastModified)

	serverRows, err := h.repo.FindChangedSince(ctx, scenarioUser, "clients", 0, 100)
	require.NoError(t, err)
	require.Len(t, serverRows, 1)
	assert.Equal(t, serverRows[0].ServerID, row.ServerID)
	assert.Equal(t, t0+70, serverRows[0].UpdatedAt)

	// тот же пакет еще раз: тот же результат
	resp, err := a.transport.Push(ctx, &sync.PushRequest{
		Table:    "clients",
		DeviceID: mustDeviceID(t, a),
		Data:     []sync.PushRow{{LocalID: "L2", UpdatedAt: t0 + 60, Op: sync.OpUpsert, Payload: map[string]any{"name": "Joao"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, sync.StatusAccepted, resp.Results[0].Status)
	assert.Equal(t, row.ServerID, resp.Results[0].ServerID)
	assert.Equal(t, t0+70, resp.Results[0].ServerUpdatedAt)
}

func TestScenario_AuthExpiryMidCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.wrap = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/sync/pull" && r.URL.Query().Get("table") == "budgets" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return true
		}
		return false
	}

	cfg := testConfig()
	cfg.Tables = []string{"clients", "budgets"}
	a := h.device(t, t0, cfg)
	require.NoError(t, a.store.SetWatermark(ctx, "budgets", t0-100))
	_, err := a.store.Put(ctx, "budgets", "B1", map[string]any{"title": "Reforma"})
	require.NoError(t, err)

	_, err = a.engine.Cycle(ctx)
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))

	w, err := a.store.Watermark(ctx, "budgets")
	require.NoError(t, err)
	assert.Equal(t, t0-100, w)

	row, err := a.store.Get(ctx, "budgets", "B1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingUpsert, row.Status)

	serverRows, err := h.repo.FindChangedSince(ctx, scenarioUser, "budgets", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, serverRows)
}

func TestScenario_OfflineBurst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := testConfig()
	cfg.PushBatchSize = 3
	a := h.device(t, t0, cfg)

	for _, id := range []string{"E1", "E2"} {
		_, err := a.store.Put(ctx, "clients", id, map[string]any{"name": id})
		require.NoError(t, err)
	}
	h.clock.Set(t0 + 10)
	_, err := a.engine.Cycle(ctx)
	require.NoError(t, err)

	// час без сети: пять созданий и две правки
	a.clock.Set(t0 + 3600_000)
	for _, id := range []string{"N1", "N2", "N3", "N4", "N5"} {
		_, err := a.store.Put(ctx, "clients", id, map[string]any{"name": id})
		require.NoError(t, err)
	}
	for _, id := range []string{"E1", "E2"} {
		_, err := a.store.Put(ctx, "clients", id, map[string]any{"name": id + " edited"})
		require.NoError(t, err)
	}
	counts, err := a.store.Counts(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, 7, counts.Pending())

	h.clock.Set(t0 + 3700_000)
	stats, err := a.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Accepted)

	rows, err := a.store.List(ctx, "clients", true)
	require.NoError(t, err)
	require.Len(t, rows, 7)
	seen := make(map[string]bool)
	for _, r := range rows {
		assert.Equal(t, store.StatusClean, r.Status, r.LocalID)
		require.NotEmpty(t, r.ServerID)
		assert.False(t, seen[r.ServerID], "serverId %s повторяется", r.ServerID)
		seen[r.ServerID] = true
	}

	serverRows, err := h.repo.FindChangedSince(ctx, scenarioUser, "clients", 0, 100)
	require.NoError(t, err)
	assert.Len(t, serverRows, 7)
}

func mustDeviceID(t *testing.T, d *device) string {
	t.Helper()
	id, err := d.store.DeviceID(context.Background())
	require.NoError(t, err)
	return id
}

// dropPushResponses доставляет каждый push на сервер, но теряет ответ
type dropPushResponses struct {
	Transport
}

func (d *dropPushResponses) Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error) {
	_, _ = d.Transport.Push(ctx, req)
	return nil, syncerr.New(syncerr.Transport, "connection reset")
}

func TestScenario_LostCreateThenForeignEdit(t *testing.T) {
	tests := []struct {
		name   string
		policy conflict.Policy
		want   string
	}{
		{name: "server wins", policy: conflict.ServerWins, want: "Maria Souza"},
		{name: "client wins", policy: conflict.ClientWins, want: "Maria"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			cfg := testConfig()
			cfg.ConflictPolicy = tt.policy
			cfg.Retry.MaxAttempts = 0
			a := h.device(t, t0+10, cfg)
			b := h.device(t, t0+10, testConfig())

			_, err := a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria"})
			require.NoError(t, err)
			a.withTransport(&dropPushResponses{Transport: a.transport})
			h.clock.Set(t0 + 20)
			_, err = a.engine.Cycle(ctx)
			require.Error(t, err)

			_, err = b.engine.Cycle(ctx)
			require.NoError(t, err)
			rows, err := b.store.List(ctx, "clients", true)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			b.clock.Set(t0 + 30)
			_, err = b.store.Put(ctx, "clients", rows[0].LocalID, map[string]any{"name": "Maria Souza"})
			require.NoError(t, err)
			h.clock.Set(t0 + 40)
			stats, err := b.engine.PushTable(ctx, "clients")
			require.NoError(t, err)
			require.Equal(t, 1, stats.Accepted)

			// A снова в сети
			a.withTransport(a.transport)
			h.clock.Set(t0 + 50)
			for i := 0; i < 2; i++ {
				_, err = a.engine.Cycle(ctx)
				require.NoError(t, err)
			}

			serverRows, err := h.repo.FindChangedSince(ctx, scenarioUser, "clients", 0, 100)
			require.NoError(t, err)
			require.Len(t, serverRows, 1)
			assert.Equal(t, tt.want, serverRows[0].Payload["name"])

			row, err := a.store.Get(ctx, "clients", "L1")
			require.NoError(t, err)
			assert.Equal(t, store.StatusClean, row.Status)
			assert.Equal(t, serverRows[0].ServerID, row.ServerID)
			assert.Equal(t, tt.want, row.Payload["name"])
			assert.Equal(t, serverRows[0].UpdatedAt, row.ServerLastModified)
		})
	}
}

// editDuringPush меняет строку, пока пакет в полете; повторные push не доходят до сервера
type editDuringPush struct {
	Transport
	edit  func()
	calls int
}

func (e *editDuringPush) Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error) {
	e.calls++
	if e.calls > 1 {
		return nil, syncerr.New(syncerr.Transport, "connection reset")
	}
	e.edit()
	return e.Transport.Push(ctx, req)
}

func TestScenario_ConflictKeepsEditMadeInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	a := h.device(t, t0+10, cfg)
	b := h.device(t, t0+10, testConfig())
	bLocal := createRoundTrip(t, h, a, b)

	b.clock.Set(t0 + 25)
	_, err := b.store.Put(ctx, "clients", bLocal, map[string]any{"name": "Maria Souza"})
	require.NoError(t, err)
	h.clock.Set(t0 + 35)
	_, err = b.engine.PushTable(ctx, "clients")
	require.NoError(t, err)

	a.clock.Set(t0 + 30)
	_, err = a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria Silva"})
	require.NoError(t, err)

	var edited *store.Row
	a.withTransport(&editDuringPush{Transport: a.transport, edit: func() {
		edited, err = a.store.Put(ctx, "clients", "L1", map[string]any{"name": "Maria Edited"})
		require.NoError(t, err)
	}})

	stats, err := a.engine.PushTable(ctx, "clients")
	require.Error(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	row, err := a.store.Get(ctx, "clients", "L1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingUpsert, row.Status)
	assert.Equal(t, "Maria Edited", row.Payload["name"])
	assert.Equal(t, edited.UpdatedAt, row.UpdatedAt)
	assert.Equal(t, t0+20, row.ServerLastModified)
}
