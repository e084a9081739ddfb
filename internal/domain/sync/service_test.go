package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"sitesync/internal/app/server/api/http/middleware/auth"
	"sitesync/internal/domain/schema"
	"sitesync/internal/utils/clock"
	"sitesync/internal/utils/logger"
)

const (
	t0      = int64(1700000000000)
	userID  = "user-1"
	deviceA = "0b6e1f5c-3c1d-4b8e-9a51-6f2d7c9e0a11"
	deviceB = "7d3c2a10-8f4b-4e6a-b1c2-3d4e5f6a7b8c"
)

// MockRepository is a mock implementation of the Repository interface for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) EnsureDevice(ctx context.Context, device *Device) (*Device, error) {
	args := m.Called(ctx, device)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Device), args.Error(1)
}

func (m *MockRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Device), args.Error(1)
}

func (m *MockRepository) ListUserDevices(ctx context.Context, userID string) ([]*Device, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Device), args.Error(1)
}

func (m *MockRepository) RevokeDevice(ctx context.Context, deviceID string, at int64) error {
	args := m.Called(ctx, deviceID, at)
	return args.Error(0)
}

func (m *MockRepository) SaveDeviceWatermark(ctx context.Context, deviceID, table string, watermark, at int64) error {
	args := m.Called(ctx, deviceID, table, watermark, at)
	return args.Error(0)
}

func (m *MockRepository) ListDeviceWatermarks(ctx context.Context, deviceID string) (map[string]int64, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockRepository) FindChangedSince(ctx context.Context, userID, table string, watermark int64, limit int) ([]*Row, error) {
	args := m.Called(ctx, userID, table, watermark, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Row), args.Error(1)
}

func (m *MockRepository) GetRow(ctx context.Context, table, serverID string) (*Row, error) {
	args := m.Called(ctx, table, serverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Row), args.Error(1)
}

func (m *MockRepository) GetIdempotency(ctx context.Context, deviceID, table, localID string) (*IdempotencyRecord, error) {
	args := m.Called(ctx, deviceID, table, localID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*IdempotencyRecord), args.Error(1)
}

func (m *MockRepository) ApplyMutation(ctx context.Context, mu *Mutation) (*Row, error) {
	args := m.Called(ctx, mu)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Row), args.Error(1)
}

func (m *MockRepository) PurgeTombstones(ctx context.Context, table string, cutoff int64) (int64, error) {
	args := m.Called(ctx, table, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) AcquirePushLock(ctx context.Context, deviceID, table string) (func(), error) {
	args := m.Called(ctx, deviceID, table)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

type recordingNotifier struct {
	userID  string
	notices []Notice
}

func (n *recordingNotifier) Publish(userID string, notice Notice) {
	n.userID = userID
	n.notices = append(n.notices, notice)
}

// createContextWithUserID creates a context with userID set for testing
func createContextWithUserID(userID string) context.Context {
	return auth.WithUserID(context.Background(), userID)
}

func newTestService(repo Repository, opts ...Option) *Service {
	opts = append([]Option{
		WithClock(clock.NewManual(t0 + 20)),
		WithIDGenerator(func() string { return "S1" }),
	}, opts...)
	return NewService(repo, schema.Default(), logger.Discard(), nil, opts...)
}

func ownDevice(repo *MockRepository, deviceID string) {
	repo.On("EnsureDevice", mock.Anything, mock.MatchedBy(func(d *Device) bool { return d.ID == deviceID })).
		Return(&Device{ID: deviceID, UserID: userID}, nil)
}

func ptr[T any](v T) *T { return &v }

func TestService_Pull(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		s := newTestService(new(MockRepository))
		_, err := s.Pull(context.Background(), PullRequest{Table: "clients", DeviceID: deviceA})
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("validation", func(t *testing.T) {
		s := newTestService(new(MockRepository))
		ctx := createContextWithUserID(userID)

		_, err := s.Pull(ctx, PullRequest{Table: "users", DeviceID: deviceA})
		assert.ErrorIs(t, err, ErrUnknownTable)

		_, err = s.Pull(ctx, PullRequest{Table: "clients", DeviceID: "A"})
		assert.ErrorIs(t, err, ErrInvalidDevice)

		_, err = s.Pull(ctx, PullRequest{Table: "clients", DeviceID: deviceA, LastSync: -1})
		assert.ErrorIs(t, err, ErrInvalidWatermark)
	})

	t.Run("returns page and watermark", func(t *testing.T) {
		repo := new(MockRepository)
		ownDevice(repo, deviceB)
		deleted := t0 + 50
		rows := []*Row{
			{Table: "clients", ServerID: "S1", UserID: userID, UpdatedAt: t0 + 20, DeviceID: deviceA,
				OriginDeviceID: deviceA, OriginLocalID: "L1", Payload: map[string]any{"name": "Maria"}},
			{Table: "clients", ServerID: "S2", UserID: userID, UpdatedAt: t0 + 50, DeletedAt: &deleted, DeviceID: deviceA},
		}
		repo.On("FindChangedSince", mock.Anything, userID, "clients", int64(0), 2).Return(rows, nil)
		repo.On("SaveDeviceWatermark", mock.Anything, deviceB, "clients", int64(0), t0+20).Return(nil)

		s := newTestService(repo)
		resp, err := s.Pull(createContextWithUserID(userID), PullRequest{Table: "clients", DeviceID: deviceB, Limit: 2})

		require.NoError(t, err)
		require.Len(t, resp.Rows, 2)
		assert.Equal(t, "S1", resp.Rows[0].ServerID)
		assert.Equal(t, map[string]any{"name": "Maria"}, resp.Rows[0].Payload)
		assert.Empty(t, resp.Rows[0].LocalID, "localId is only exposed to the creating device")
		assert.Equal(t, map[string]any{}, resp.Rows[1].Payload)
		assert.Equal(t, t0+50, resp.NewWatermark)
		assert.True(t, resp.HasMore)
		repo.AssertExpectations(t)
	})

	t.Run("empty page keeps watermark", func(t *testing.T) {
		repo := new(MockRepository)
		ownDevice(repo, deviceA)
		repo.On("FindChangedSince", mock.Anything, userID, "budgets", t0+50, 100).Return([]*Row{}, nil)
		repo.On("SaveDeviceWatermark", mock.Anything, deviceA, "budgets", t0+50, mock.Anything).Return(nil)

		s := newTestService(repo)
		resp, err := s.Pull(createContextWithUserID(userID), PullRequest{Table: "budgets", DeviceID: deviceA, LastSync: t0 + 50})

		require.NoError(t, err)
		assert.Empty(t, resp.Rows)
		assert.NotNil(t, resp.Rows)
		assert.Equal(t, t0+50, resp.NewWatermark)
		assert.False(t, resp.HasMore)
	})

	t.Run("limit is clamped and origin localId exposed", func(t *testing.T) {
		repo := new(MockRepository)
		ownDevice(repo, deviceA)
		rows := []*Row{{Table: "clients", ServerID: "S1", UserID: userID, UpdatedAt: t0 + 20,
			DeviceID: deviceA, OriginDeviceID: deviceA, OriginLocalID: "L1"}}
		repo.On("FindChangedSince", mock.Anything, userID, "clients", int64(0), 1000).Return(rows, nil)
		repo.On("SaveDeviceWatermark", mock.Anything, deviceA, "clients", int64(0), mock.Anything).
			Return(errors.New("db down"))

		s := newTestService(repo)
		resp, err := s.Pull(createContextWithUserID(userID), PullRequest{Table: "clients", DeviceID: deviceA, Limit: 5000})

		require.NoError(t, err, "watermark bookkeeping failure must not fail the pull")
		assert.Equal(t, "L1", resp.Rows[0].LocalID)
		assert.False(t, resp.HasMore)
	})

	t.Run("foreign and revoked devices", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("EnsureDevice", mock.Anything, mock.MatchedBy(func(d *Device) bool { return d.ID == deviceA })).
			Return(&Device{ID: deviceA, UserID: "someone-else"}, nil)
		repo.On("EnsureDevice", mock.Anything, mock.MatchedBy(func(d *Device) bool { return d.ID == deviceB })).
			Return(&Device{ID: deviceB, UserID: userID, RevokedAt: ptr(t0)}, nil)

		s := newTestService(repo)
		ctx := createContextWithUserID(userID)

		_, err := s.Pull(ctx, PullRequest{Table: "clients", DeviceID: deviceA})
		assert.ErrorIs(t, err, ErrDeviceForeign)

		_, err = s.Pull(ctx, PullRequest{Table: "clients", DeviceID: deviceB})
		assert.ErrorIs(t, err, ErrDeviceRevoked)
	})
}

func expectPushLock(repo *MockRepository, deviceID, table string) *bool {
	released := false
	repo.On("AcquirePushLock", mock.Anything, deviceID, table).Return(func() { released = true }, nil)
	return &released
}

func TestService_Push_Create(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	released := expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L1").Return(nil, ErrIdempotencyNotFound)
	repo.On("ApplyMutation", mock.Anything, mock.MatchedBy(func(m *Mutation) bool {
		return m.ServerID == "S1" && m.ExpectedVersion == nil && m.Op == OpUpsert &&
			m.ClientUpdatedAt == t0+10 && m.LocalID == "L1" && m.UserID == userID
	})).Return(&Row{ServerID: "S1", UpdatedAt: t0 + 20}, nil)

	notifier := &recordingNotifier{}
	s := newTestService(repo, WithNotifier(notifier))

	resp, err := s.Push(createContextWithUserID(userID), PushRequest{
		Table:    "clients",
		DeviceID: deviceA,
		Data: []PushRow{
			{LocalID: "L1", UpdatedAt: t0 + 10, Op: OpUpsert, Payload: map[string]any{"name": "Maria"}},
		},
	})

	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, PushResult{LocalID: "L1", Status: StatusAccepted, ServerID: "S1", ServerUpdatedAt: t0 + 20}, resp.Results[0])
	assert.Equal(t, t0+20, resp.ServerTime)
	assert.True(t, *released)

	require.Len(t, notifier.notices, 1)
	assert.Equal(t, userID, notifier.userID)
	assert.Equal(t, Notice{Type: NoticeChanged, Table: "clients", DeviceID: deviceA, ServerTime: t0 + 20}, notifier.notices[0])
	repo.AssertExpectations(t)
}

func TestService_Push_RetryReplaysOutcome(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L2").Return(&IdempotencyRecord{
		DeviceID: deviceA, Table: "clients", LocalID: "L2", ServerID: "S2",
		ClientUpdatedAt: t0 + 60, Op: OpUpsert, ServerUpdatedAt: t0 + 70,
	}, nil)

	s := newTestService(repo)
	req := PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "L2", UpdatedAt: t0 + 60, Op: OpUpsert, Payload: map[string]any{"name": "Ana"}},
	}}

	first, err := s.Push(createContextWithUserID(userID), req)
	require.NoError(t, err)
	second, err := s.Push(createContextWithUserID(userID), req)
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, "S2", first.Results[0].ServerID)
	assert.Equal(t, t0+70, first.Results[0].ServerUpdatedAt)
	repo.AssertNotCalled(t, "ApplyMutation", mock.Anything, mock.Anything)
}

func TestService_Push_ConflictOnStaleBase(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L1").Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "S1").Return(&Row{
		Table: "clients", ServerID: "S1", UserID: userID, UpdatedAt: t0 + 35, DeviceID: deviceB,
		Payload: map[string]any{"name": "Maria Souza"},
	}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "L1", ServerID: ptr("S1"), UpdatedAt: t0 + 30, Op: OpUpsert,
			Payload: map[string]any{"name": "Maria Silva"}, BaseVersion: ptr(t0 + 20)},
	}})

	require.NoError(t, err)
	res := resp.Results[0]
	assert.Equal(t, StatusConflict, res.Status)
	require.NotNil(t, res.ServerRow)
	assert.Equal(t, "S1", res.ServerRow.ServerID)
	assert.Equal(t, t0+35, res.ServerRow.UpdatedAt)
	assert.Equal(t, map[string]any{"name": "Maria Souza"}, res.ServerRow.Payload)
	repo.AssertNotCalled(t, "ApplyMutation", mock.Anything, mock.Anything)
}

func TestService_Push_UpdateAccepted(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceB)
	expectPushLock(repo, deviceB, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceB, "clients", "LB").Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "S1").Return(&Row{
		Table: "clients", ServerID: "S1", UserID: userID, UpdatedAt: t0 + 20,
	}, nil)
	repo.On("ApplyMutation", mock.Anything, mock.MatchedBy(func(m *Mutation) bool {
		return m.ServerID == "S1" && m.ExpectedVersion != nil && *m.ExpectedVersion == t0+20
	})).Return(&Row{ServerID: "S1", UpdatedAt: t0 + 35}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceB, Data: []PushRow{
		{LocalID: "LB", ServerID: ptr("S1"), UpdatedAt: t0 + 25, Op: OpUpsert,
			Payload: map[string]any{"name": "Maria Souza"}, BaseVersion: ptr(t0 + 20)},
	}})

	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, resp.Results[0].Status)
	assert.Equal(t, t0+35, resp.Results[0].ServerUpdatedAt)
	assert.Equal(t, t0+35, resp.ServerTime)
}

func TestService_Push_FallbackComparesUpdatedAt(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", mock.Anything).Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "S1").Return(&Row{ServerID: "S1", UserID: userID, UpdatedAt: t0 + 35}, nil)
	repo.On("ApplyMutation", mock.Anything, mock.Anything).Return(&Row{ServerID: "S1", UpdatedAt: t0 + 41}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "old", ServerID: ptr("S1"), UpdatedAt: t0 + 30, Op: OpUpsert, Payload: map[string]any{"name": "x"}},
		{LocalID: "new", ServerID: ptr("S1"), UpdatedAt: t0 + 40, Op: OpUpsert, Payload: map[string]any{"name": "y"}},
	}})

	require.NoError(t, err)
	assert.Equal(t, StatusConflict, resp.Results[0].Status)
	assert.Equal(t, StatusAccepted, resp.Results[1].Status)
}

func TestService_Push_Deletes(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", mock.Anything).Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "gone").Return(nil, ErrRowNotFound)
	repo.On("GetRow", mock.Anything, "clients", "dead").Return(&Row{ServerID: "dead", UserID: userID, UpdatedAt: t0 + 50, DeletedAt: ptr(t0 + 50)}, nil)
	repo.On("GetRow", mock.Anything, "clients", "live").Return(&Row{ServerID: "live", UserID: userID, UpdatedAt: t0 + 20}, nil)
	repo.On("ApplyMutation", mock.Anything, mock.MatchedBy(func(m *Mutation) bool {
		return m.ServerID == "live" && m.Op == OpDelete
	})).Return(&Row{ServerID: "live", UpdatedAt: t0 + 60, DeletedAt: ptr(t0 + 60)}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "never-sent", UpdatedAt: t0 + 1, Op: OpDelete},
		{LocalID: "L-gone", ServerID: ptr("gone"), UpdatedAt: t0 + 2, Op: OpDelete, BaseVersion: ptr(t0)},
		{LocalID: "L-dead", ServerID: ptr("dead"), UpdatedAt: t0 + 3, Op: OpDelete, BaseVersion: ptr(t0)},
		{LocalID: "L-live", ServerID: ptr("live"), UpdatedAt: t0 + 4, Op: OpDelete, BaseVersion: ptr(t0 + 20)},
	}})

	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	for _, r := range resp.Results {
		assert.Equal(t, StatusAccepted, r.Status, r.LocalID)
	}
	assert.Equal(t, t0+50, resp.Results[2].ServerUpdatedAt)
	assert.Equal(t, t0+60, resp.Results[3].ServerUpdatedAt)
}

func TestService_Push_Rejections(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", mock.Anything).Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "unknown").Return(nil, ErrRowNotFound)
	repo.On("GetRow", mock.Anything, "clients", "theirs").Return(&Row{ServerID: "theirs", UserID: "user-2", UpdatedAt: t0}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "", UpdatedAt: t0, Op: OpUpsert, Payload: map[string]any{"name": "x"}},
		{LocalID: "L1", UpdatedAt: t0, Op: "merge"},
		{LocalID: "L2", UpdatedAt: t0, Op: OpUpsert, Payload: map[string]any{"phone": "1"}},
		{LocalID: "L3", ServerID: ptr("unknown"), UpdatedAt: t0, Op: OpUpsert, Payload: map[string]any{"name": "x"}},
		{LocalID: "L4", ServerID: ptr("theirs"), UpdatedAt: t0 + 1, Op: OpUpsert, Payload: map[string]any{"name": "x"}},
	}})

	require.NoError(t, err)
	require.Len(t, resp.Results, 5)
	for _, r := range resp.Results {
		assert.Equal(t, StatusRejected, r.Status)
		require.NotNil(t, r.Reason)
		assert.True(t, strings.HasPrefix(*r.Reason, "VALIDATION_ERROR: "), *r.Reason)
	}
	assert.Contains(t, *resp.Results[2].Reason, "clients.name")
}

func TestService_Push_StaleVersionRace(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L1").Return(nil, ErrIdempotencyNotFound)
	repo.On("GetRow", mock.Anything, "clients", "S1").
		Return(&Row{ServerID: "S1", UserID: userID, UpdatedAt: t0 + 20}, nil).Once()
	repo.On("GetRow", mock.Anything, "clients", "S1").
		Return(&Row{ServerID: "S1", UserID: userID, UpdatedAt: t0 + 21, Payload: map[string]any{"name": "B"}}, nil).Once()
	repo.On("ApplyMutation", mock.Anything, mock.Anything).Return(nil, ErrStaleVersion)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "L1", ServerID: ptr("S1"), UpdatedAt: t0 + 30, Op: OpUpsert, Payload: map[string]any{"name": "A"}, BaseVersion: ptr(t0 + 20)},
	}})

	require.NoError(t, err)
	assert.Equal(t, StatusConflict, resp.Results[0].Status)
	assert.Equal(t, t0+21, resp.Results[0].ServerRow.UpdatedAt)
}

func TestService_Push_LostCreateResponseThenEdit(t *testing.T) {
	repo := new(MockRepository)
	ownDevice(repo, deviceA)
	expectPushLock(repo, deviceA, "clients")
	repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L1").Return(&IdempotencyRecord{
		ServerID: "S1", ClientUpdatedAt: t0 + 10, Op: OpUpsert, ServerUpdatedAt: t0 + 20,
	}, nil)
	repo.On("GetRow", mock.Anything, "clients", "S1").Return(&Row{ServerID: "S1", UserID: userID, UpdatedAt: t0 + 20}, nil)
	repo.On("ApplyMutation", mock.Anything, mock.MatchedBy(func(m *Mutation) bool {
		return m.ServerID == "S1" && *m.ExpectedVersion == t0+20
	})).Return(&Row{ServerID: "S1", UpdatedAt: t0 + 40}, nil)

	s := newTestService(repo)
	resp, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
		{LocalID: "L1", UpdatedAt: t0 + 15, Op: OpUpsert, Payload: map[string]any{"name": "edited"}},
	}})

	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, resp.Results[0].Status)
	assert.Equal(t, "S1", resp.Results[0].ServerID)
}

func TestService_Push_Errors(t *testing.T) {
	t.Run("storage failure aborts request", func(t *testing.T) {
		repo := new(MockRepository)
		ownDevice(repo, deviceA)
		released := expectPushLock(repo, deviceA, "clients")
		repo.On("GetIdempotency", mock.Anything, deviceA, "clients", "L1").Return(nil, errors.New("connection refused"))

		s := newTestService(repo)
		_, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: []PushRow{
			{LocalID: "L1", UpdatedAt: t0, Op: OpUpsert, Payload: map[string]any{"name": "x"}},
		}})
		assert.Error(t, err)
		assert.True(t, *released)
	})

	t.Run("batch too large", func(t *testing.T) {
		s := NewService(new(MockRepository), nil, logger.Discard(), &ServiceConfig{MaxPushBatch: 1, MaxPageSize: 10, DefaultPageSize: 10})
		_, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA, Data: make([]PushRow, 2)})
		assert.ErrorIs(t, err, ErrBatchTooLarge)
	})

	t.Run("lock failure", func(t *testing.T) {
		repo := new(MockRepository)
		ownDevice(repo, deviceA)
		repo.On("AcquirePushLock", mock.Anything, deviceA, "clients").Return(nil, context.DeadlineExceeded)

		s := newTestService(repo)
		_, err := s.Push(createContextWithUserID(userID), PushRequest{Table: "clients", DeviceID: deviceA})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestService_StatusAndDevices(t *testing.T) {
	repo := new(MockRepository)
	devices := []*Device{{ID: deviceA, UserID: userID}, {ID: deviceB, UserID: userID}}
	repo.On("GetDevice", mock.Anything, deviceA).Return(devices[0], nil)
	repo.On("ListDeviceWatermarks", mock.Anything, deviceA).Return(map[string]int64{"clients": t0 + 20}, nil)
	repo.On("ListUserDevices", mock.Anything, userID).Return(devices, nil)

	s := newTestService(repo)
	ctx := createContextWithUserID(userID)

	status, err := s.Status(ctx, deviceA)
	require.NoError(t, err)
	assert.Equal(t, t0+20, status.Watermarks["clients"])
	assert.Equal(t, 2, status.DeviceCount)
	assert.Contains(t, status.Tables, "financial_entries")

	list, err := s.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestService_RevokeDevice(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetDevice", mock.Anything, deviceA).Return(&Device{ID: deviceA, UserID: userID}, nil)
	repo.On("GetDevice", mock.Anything, deviceB).Return(&Device{ID: deviceB, UserID: "user-2"}, nil)
	repo.On("RevokeDevice", mock.Anything, deviceA, t0+20).Return(nil)

	s := newTestService(repo)
	ctx := createContextWithUserID(userID)

	assert.NoError(t, s.RevokeDevice(ctx, deviceA))
	assert.ErrorIs(t, s.RevokeDevice(ctx, deviceB), ErrDeviceForeign)
	assert.ErrorIs(t, s.RevokeDevice(context.Background(), deviceA), ErrUnauthenticated)
	repo.AssertExpectations(t)
}

func TestCompactor_RunOnce(t *testing.T) {
	repo := new(MockRepository)
	cfg := &ServiceConfig{TombstoneRetention: time.Hour, CompactionInterval: time.Minute}
	cutoff := t0 - time.Hour.Milliseconds()

	repo.On("PurgeTombstones", mock.Anything, "budgets", cutoff).Return(int64(2), nil)
	repo.On("PurgeTombstones", mock.Anything, "clients", cutoff).Return(int64(1), nil)
	repo.On("PurgeTombstones", mock.Anything, "contracts", cutoff).Return(int64(0), nil)
	repo.On("PurgeTombstones", mock.Anything, "financial_entries", cutoff).Return(int64(0), nil)

	c := NewCompactor(repo, nil, slog.New(slog.NewTextHandler(&strings.Builder{}, nil)), cfg, clock.NewManual(t0))
	n, err := c.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	repo.AssertExpectations(t)
}

func TestCompactor_RunOnceError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("PurgeTombstones", mock.Anything, "budgets", mock.Anything).Return(int64(0), errors.New("boom"))

	c := NewCompactor(repo, nil, logger.Discard(), nil, clock.NewManual(t0))
	_, err := c.RunOnce(context.Background())
	assert.Error(t, err)
}
