package bootstrap

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := defaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "canvas.db")
	cfg.LogLevel = "warn"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.validate())

	app, err := NewAppWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	return app
}

func TestApp_InProcessMode(t *testing.T) {
	app := newTestApp(t, nil)
	assert.Nil(t, app.RedisClient)
	assert.Nil(t, app.AsynqClient)
	assert.Nil(t, app.AsynqServer)

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.RelayStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Rooms)

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApp_CORSPreflight(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.CORSAllowedOrigin = "http://example.com" })

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestApp_AuthRequiredWhenSecretSet(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.JWTSecret = "s3cret" })
	server := httptest.NewServer(app.Router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room=r1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 7,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"&token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])

	var snapshot map[string]interface{}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "initial_drawings", snapshot["type"])
	assert.Equal(t, "r1", snapshot["room"])
}
