package websocket_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"collaborative-canvas/internal/dto"
	wshandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	memorystate "collaborative-canvas/internal/infra/state/memory"
	"collaborative-canvas/internal/service"
)

type relay struct {
	server  *httptest.Server
	hub     *hub.Hub
	repo    *gormpersistence.GormDrawingRepository
	gateway *service.PersistenceGateway
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&gormpersistence.DrawingRecord{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := gormpersistence.NewGormDrawingRepository(db)
	gateway := service.NewPersistenceGateway(repo, memorystate.NewMemoryStateRepository(), nil)
	h := hub.NewHub(gateway, hub.DefaultOptions())

	router := gin.New()
	router.GET("/ws", wshandler.NewWebSocketHandler(h, "").HandleConnection)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		h.Shutdown()
		server.Close()
		gateway.Wait()
		_ = sqlDB.Close()
	})
	return &relay{server: server, hub: h, repo: repo, gateway: gateway}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (r *relay) dial(t *testing.T, query string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, dto.TypeConnected, hello["type"])
	c.id, _ = hello["clientId"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) read() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// expect 读取下一条指定类型的消息，跳过成员变更通知
func (c *client) expect(msgType string) map[string]interface{} {
	c.t.Helper()
	for {
		msg := c.read()
		if msg["type"] == msgType {
			return msg
		}
		if msg["type"] == dto.TypeUserJoined || msg["type"] == dto.TypeUserLeft {
			continue
		}
		c.t.Fatalf("expected %s, got %v", msgType, msg)
	}
}

func (c *client) join(room string) []interface{} {
	c.t.Helper()
	c.send(map[string]string{"type": "join_room", "room": room})
	data, ok := c.expect(dto.TypeInitialDrawings)["data"].([]interface{})
	require.True(c.t, ok)
	return data
}

func rectangle(room string) map[string]interface{} {
	return map[string]interface{}{
		"type": "drawing",
		"room": room,
		"drawingData": map[string]interface{}{
			"kind": "rectangle", "startPoint": map[string]int{"x": 1, "y": 1},
			"width": 10, "height": 10, "color": "#000",
		},
	}
}

func TestRelay_ExampleScenario(t *testing.T) {
	r := newRelay(t)
	a, b := r.dial(t, ""), r.dial(t, "")

	assert.Empty(t, a.join("r1"), "新房间的初始快照为空")
	b.join("r1")

	a.send(rectangle("r1"))
	msg := b.expect(dto.TypeDrawing)
	drawing := msg["drawingData"].(map[string]interface{})
	assert.NotEmpty(t, drawing["id"])
	assert.Equal(t, "#000", drawing["color"])
	assert.Equal(t, "rectangle", drawing["kind"])

	// 发送方不应收到回显：下一条消息是 pong
	a.send(map[string]string{"type": "ping"})
	a.expect(dto.TypePong)

	assert.Eventually(t, func() bool {
		stored, err := r.repo.ListByRoom(context.Background(), "r1")
		return err == nil && len(stored) == 1 && stored[0].ID == drawing["id"]
	}, 2*time.Second, 20*time.Millisecond, "存储中应有一条 r1 的事件")
}

func TestRelay_LateJoinerReplaysPersistedHistory(t *testing.T) {
	r := newRelay(t)
	a := r.dial(t, "?room=r1")
	a.expect(dto.TypeInitialDrawings)

	for i := 0; i < 3; i++ {
		a.send(rectangle("r1"))
	}
	a.send(map[string]string{"type": "ping"})
	a.expect(dto.TypePong)

	// 进程内的房间被回收后，新加入者从存储加载
	r.gateway.Wait()
	require.NoError(t, a.conn.Close())
	assert.Eventually(t, func() bool { return r.hub.Stats().Clients == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(r.hub.Sweep(time.Now().Add(time.Hour))) == 1
	}, 2*time.Second, 10*time.Millisecond)

	late := r.dial(t, "")
	assert.Len(t, late.join("r1"), 3)
}

func TestRelay_ClearThenJoinIsEmpty(t *testing.T) {
	r := newRelay(t)
	a := r.dial(t, "")
	a.join("r1")
	a.send(rectangle("r1"))
	a.send(map[string]string{"type": "clear_canvas", "room": "r1"})
	a.expect(dto.TypeCanvasCleared)

	late := r.dial(t, "")
	assert.Empty(t, late.join("r1"))

	// 追加与清空任务可能乱序完成，但存储中不会留下被清空的事件，重启后同样为空
	r.gateway.Wait()
	stored, err := r.repo.ListByRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRelay_OtherRoomsAreIsolated(t *testing.T) {
	r := newRelay(t)
	a, d := r.dial(t, ""), r.dial(t, "")
	a.join("r1")
	d.join("r2")

	a.send(rectangle("r1"))
	d.send(map[string]string{"type": "ping"})
	d.expect(dto.TypePong)
}

func TestRelay_KilledPeerDoesNotBlockOthers(t *testing.T) {
	r := newRelay(t)
	a, dead, b := r.dial(t, ""), r.dial(t, ""), r.dial(t, "")
	a.join("r1")
	dead.join("r1")
	b.join("r1")

	require.NoError(t, dead.conn.UnderlyingConn().Close())
	for i := 0; i < 5; i++ {
		a.send(rectangle("r1"))
	}
	for i := 0; i < 5; i++ {
		b.expect(dto.TypeDrawing)
	}
}

func TestRelay_MalformedFrame(t *testing.T) {
	r := newRelay(t)
	a := r.dial(t, "")
	a.join("r1")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	msg := a.expect(dto.TypeError)
	assert.NotEmpty(t, msg["message"])

	a.send(map[string]string{"type": "ping"})
	a.expect(dto.TypePong)

	stats, ok := r.hub.RoomStats("r1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Members)
	assert.Equal(t, 0, stats.Events)
}

func TestRelay_MembershipNotifications(t *testing.T) {
	r := newRelay(t)
	a := r.dial(t, "")
	a.join("r1")
	b := r.dial(t, "?room=r1")
	b.expect(dto.TypeInitialDrawings)

	joined := a.read()
	assert.Equal(t, dto.TypeUserJoined, joined["type"])
	assert.Equal(t, b.id, joined["clientId"])
	assert.Equal(t, float64(2), joined["clientCount"])

	require.NoError(t, b.conn.Close())
	left := a.read()
	assert.Equal(t, dto.TypeUserLeft, left["type"])
	assert.Equal(t, b.id, left["clientId"])
	assert.Equal(t, float64(1), left["clientCount"])
}
