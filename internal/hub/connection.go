package hub

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection 代表一个连接到 Hub 的 WebSocket 客户端。
// 它只通过 roomID 引用所在房间，房间实例由 Registry 独占。
type Connection struct {
	hub    *Hub
	conn   *websocket.Conn
	closer io.Closer // 关闭底层传输，读循环随之退出并触发 Hub.Disconnect
	id     string
	userID string      // 认证主体，未启用认证时为空
	send   chan []byte // 用于向此客户端发送消息的缓冲通道

	mu         sync.Mutex
	roomID     string
	lastPingAt time.Time
	closed     bool

	// ready 表示初始快照已入队，之后才接收房间广播。受所在 Room 的锁保护。
	ready bool
}

func newConnection(h *Hub, conn *websocket.Conn, closer io.Closer, userID string) *Connection {
	return &Connection{
		hub:        h,
		conn:       conn,
		closer:     closer,
		id:         uuid.NewString(),
		userID:     userID,
		send:       make(chan []byte, h.opts.SendBufferSize),
		lastPingAt: h.now(),
	}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// RoomID 返回当前所在房间，未加入时为空
func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// LastPingAt 返回最近一次观察到存活信号的时间
func (c *Connection) LastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt
}

func (c *Connection) touch(at time.Time) {
	c.mu.Lock()
	c.lastPingAt = at
	c.mu.Unlock()
}

// claimRoom 在连接上记录房间，每次成员关系只允许设置一次
func (c *Connection) claimRoom(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotJoined
	}
	if c.roomID != "" {
		return ErrAlreadyJoined
	}
	c.roomID = roomID
	return nil
}

func (c *Connection) releaseRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID := c.roomID
	c.roomID = ""
	return roomID
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueue 非阻塞地放入发送队列。队列已满或连接已关闭时返回 false。
func (c *Connection) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown 关闭发送队列，WritePump 发送完剩余消息后关闭 socket，
// 随后 ReadPump 读取失败并触发 Hub.Disconnect。只有第一次调用返回 true。
func (c *Connection) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Connection) logger() *logrus.Entry {
	fields := logrus.Fields{"client_id": c.id, "room_id": c.RoomID()}
	if c.userID != "" {
		fields["user_id"] = c.userID
	}
	return logrus.WithFields(fields)
}

// Run 启动客户端的读写 goroutine
func (c *Connection) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 将消息从 WebSocket 连接交给 Hub 的消息路由。
// 同一连接的帧按到达顺序串行处理。
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
		c.logger().Debug("readPump exited")
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch(c.hub.now())
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logger().Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		// 任何入站帧都视为存活信号
		c.touch(c.hub.now())
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))

		if messageType != websocket.TextMessage {
			c.logger().Debugf("Received non-text message type: %d", messageType)
			c.hub.replyError(c, ErrMalformedFrame)
			continue
		}
		c.hub.HandleFrame(c, message)
	}
}

// WritePump 将消息从发送队列写入 WebSocket 连接，并定期发送 Ping。
func (c *Connection) WritePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger().Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// send 通道被关闭 (断开、被踢出或服务关闭)
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger().WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger().WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}
