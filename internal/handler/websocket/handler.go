package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/middleware"
)

// WebSocketHandler 负责处理 WebSocket 升级请求并把连接交给 Hub
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空或 "*" 时接受任意来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{upgrader: upgrader, hub: h}
}

// HandleConnection 处理 WebSocket 连接请求。
// URL 格式: /ws[?room=<id>]，带 room 参数时等价于连接后立即发送 join_room。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	userID := middleware.UserID(c)
	roomID := c.Query("room")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写入了 HTTP 错误响应
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}

	client, err := h.hub.Connect(conn, userID)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Hub refused connection")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		_ = conn.Close()
		return
	}

	if roomID != "" {
		h.hub.AutoJoin(client, roomID)
	}
	client.Run()
	logCtx.WithField("client_id", client.ID()).Debug("WS Handler: Client read/write pumps started")
}
