package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/app/server/config"
	"sitesync/internal/domain/schema"
	"sitesync/internal/domain/sync"
	"sitesync/internal/infrastructure/storage/memory"
	"sitesync/internal/utils/logger"
)

const (
	secret  = "api-secret"
	deviceA = "6f1c1b7e-3a52-4c1e-9d4e-0c5b2f3a9a01"
)

func testConfig(origins ...string) *config.Config {
	cfg := &config.Config{Env: config.EnvLocal}
	cfg.Auth.Secret = secret
	cfg.Server.CORSAllowedOrigins = origins
	cfg.Sync.PullPageSizeDefault = 100
	cfg.Sync.PullPageSizeMax = 1000
	cfg.Sync.MaxPushBatch = 500
	cfg.Sync.TombstoneRetention = time.Hour
	cfg.Sync.CompactionInterval = time.Minute
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(Deps{
		Config:   cfg,
		Repo:     memory.NewSyncRepository(),
		Registry: schema.Default(),
		Log:      logger.Discard(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAPI_Health(t *testing.T) {
	srv := newServer(t, testConfig("*"))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_PullRequiresAuth(t *testing.T) {
	srv := newServer(t, testConfig("*"))

	resp, err := http.Get(srv.URL + "/sync/pull?table=clients&lastSync=0&deviceId=" + deviceA)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sync/pull?table=clients&lastSync=0&deviceId="+deviceA, nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_CORS(t *testing.T) {
	srv := newServer(t, testConfig("https://app.example"))

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/sync/push", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodOptions, srv.URL+"/sync/push", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_NotifyAfterPush(t *testing.T) {
	srv := newServer(t, testConfig("*"))
	tok := token(t, "user-1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/notify?access_token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// подписка регистрируется асинхронно после upgrade, поэтому push повторяется до первого уведомления
	done := make(chan struct{})
	defer close(done)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
			body := fmt.Sprintf(`{"table":"clients","deviceId":%q,"data":[{"localId":"L%d","serverId":null,"updatedAt":1,"op":"upsert","payload":{"name":"Acme"}}]}`, deviceA, i)
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sync/push", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set("Content-Type", "application/json")
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}()

	var notice sync.Notice
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&notice))

	assert.Equal(t, sync.NoticeChanged, notice.Type)
	assert.Equal(t, "clients", notice.Table)
	assert.Equal(t, deviceA, notice.DeviceID)
}
