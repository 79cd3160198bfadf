package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
)

// PersistPolicy 决定绘制事件何时交给持久化
type PersistPolicy string

const (
	// PersistPerEvent 每个事件被接受后立即异步追加
	PersistPerEvent PersistPolicy = "event"
	// PersistOnLeave 最后一个成员离开 (或房间被回收) 时追加未持久化的尾部
	PersistOnLeave PersistPolicy = "leave"
)

const hydrateTimeout = 10 * time.Second

// ErrHubClosed 表示 Hub 已关闭，不再接受新连接
var ErrHubClosed = errors.New("hub is shutting down")

// Options 是 Hub 的运行参数
type Options struct {
	ExcludeSender  bool
	PersistPolicy  PersistPolicy
	IdleTTL        time.Duration // 空房间的保留时间
	SweepInterval  time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration // 必须小于 PongWait
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		ExcludeSender:  true,
		PersistPolicy:  PersistPerEvent,
		IdleTTL:        10 * time.Minute,
		SweepInterval:  time.Minute,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 256,
	}
}

// Persistence 是 Hub 需要的持久化网关。Append/Purge 必须立即返回。
type Persistence interface {
	Hydrate(ctx context.Context, roomID string) ([]domain.Drawing, error)
	Append(roomID string, drawings ...domain.Drawing)
	Purge(roomID string, upTo time.Time)
}

// Hub 维护活跃连接和房间表，并协调消息路由、广播和回收
type Hub struct {
	opts        Options
	registry    *Registry
	persistence Persistence
	now         func() time.Time

	connsMu sync.Mutex
	conns   map[*Connection]struct{}
	closing bool

	hydrations sync.WaitGroup
	log        *logrus.Entry
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(persistence Persistence, opts Options) *Hub {
	if persistence == nil {
		panic("Persistence cannot be nil for Hub")
	}
	defaults := DefaultOptions()
	if opts.PersistPolicy != PersistOnLeave {
		opts.PersistPolicy = PersistPerEvent
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaults.IdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaults.SendBufferSize
	}

	h := &Hub{
		opts:        opts,
		persistence: persistence,
		now:         time.Now,
		conns:       make(map[*Connection]struct{}),
		log:         logrus.WithField("component", "hub"),
	}
	h.registry = NewRegistry(func() time.Time { return h.now() })
	return h
}

// Registry 返回房间表
func (h *Hub) Registry() *Registry { return h.registry }

// Options 返回生效的运行参数
func (h *Hub) Options() Options { return h.opts }

// Connect 为已升级的 socket 创建连接并发送问候。调用方随后调用 Run 启动读写循环。
func (h *Hub) Connect(ws *websocket.Conn, userID string) (*Connection, error) {
	return h.register(newConnection(h, ws, ws, userID))
}

func (h *Hub) register(c *Connection) (*Connection, error) {
	h.connsMu.Lock()
	if h.closing {
		h.connsMu.Unlock()
		return nil, ErrHubClosed
	}
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()

	h.reply(c, dto.ConnectedMessage{Type: dto.TypeConnected, ClientID: c.id})
	c.logger().Info("Client connected")
	return c, nil
}

// Join 把连接加入房间。房间不存在时同步创建，并在后台加载历史事件；
// 加载完成后 (已加载的房间则立即) 向该连接发送初始快照。
func (h *Hub) Join(c *Connection, roomID string) error {
	roomID, err := normalizeRoomID(roomID)
	if err != nil {
		return err
	}
	if err := c.claimRoom(roomID); err != nil {
		return err
	}

	for {
		room, created := h.registry.GetOrCreate(roomID)
		if created {
			h.startHydration(room)
		}

		room.mu.Lock()
		if room.removed {
			// 回收与加入竞争，房间已被移出，重新获取
			room.mu.Unlock()
			continue
		}
		room.members[c] = struct{}{}
		room.lastActivityAt = h.now()
		c.ready = false
		if room.hydrated && !h.sendSnapshotLocked(room, c) {
			delete(room.members, c)
			room.mu.Unlock()
			c.shutdown()
			return nil
		}
		count := len(room.members)
		h.broadcastLocked(room, encode(dto.MembershipMessage{
			Type: dto.TypeUserJoined, ClientID: c.id, ClientCount: count,
		}), c, false)
		room.mu.Unlock()

		c.logger().WithFields(logrus.Fields{"client_count": count, "new_room": created}).Info("Client joined room")
		return nil
	}
}

// AutoJoin 等价于连接发送的第一条 join_room，错误回复给该连接
func (h *Hub) AutoJoin(c *Connection, roomID string) {
	if err := h.Join(c, roomID); err != nil {
		h.replyError(c, err)
	}
}

// Disconnect 处理 socket 关闭：移出连接表和房间，通知剩余成员。
// 房间变空时不修改 lastActivityAt，由回收器按空闲策略处理。
func (h *Hub) Disconnect(c *Connection) {
	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()

	c.shutdown()
	roomID := c.releaseRoom()
	logCtx := c.logger().WithField("room_id", roomID)
	if roomID == "" {
		logCtx.Info("Client disconnected")
		return
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		logCtx.Info("Client disconnected")
		return
	}

	var tail []domain.Drawing
	room.mu.Lock()
	if _, member := room.members[c]; member {
		delete(room.members, c)
		count := len(room.members)
		h.broadcastLocked(room, encode(dto.MembershipMessage{
			Type: dto.TypeUserLeft, ClientID: c.id, ClientCount: count,
		}), nil, false)
		if count == 0 && h.opts.PersistPolicy == PersistOnLeave {
			tail = room.unpersistedLocked()
		}
		logCtx = logCtx.WithField("client_count", count)
	}
	room.mu.Unlock()

	h.persistence.Append(roomID, tail...)
	logCtx.Info("Client disconnected")
}

// Shutdown 关闭所有连接，并把 leave 策略下尚未持久化的事件交给网关
func (h *Hub) Shutdown() {
	h.connsMu.Lock()
	h.closing = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	h.registry.ForEachRoom(func(room *Room) {
		room.mu.Lock()
		tail := room.unpersistedLocked()
		room.mu.Unlock()
		h.persistence.Append(room.id, tail...)
	})
	h.log.WithField("connections", len(conns)).Info("Hub shut down")
}

// WaitHydrations 等待所有进行中的房间加载结束
func (h *Hub) WaitHydrations() { h.hydrations.Wait() }

// Stats 返回进程概况
func (h *Hub) Stats() domain.RelayStats {
	h.connsMu.Lock()
	clients := len(h.conns)
	h.connsMu.Unlock()
	return domain.RelayStats{Rooms: h.registry.Len(), Clients: clients}
}

// RoomStats 返回活跃房间的摘要，房间不存在时 ok 为 false
func (h *Hub) RoomStats(roomID string) (domain.RoomStats, bool) {
	room, ok := h.registry.Get(roomID)
	if !ok {
		return domain.RoomStats{}, false
	}
	return room.Stats(), true
}

func (h *Hub) startHydration(room *Room) {
	h.hydrations.Add(1)
	go func() {
		defer h.hydrations.Done()
		h.hydrate(room)
	}()
}

// hydrate 加载持久化的历史事件并合并到内存缓冲区之前。
// 加载期间发生过清空时丢弃加载结果。
func (h *Hub) hydrate(room *Room) {
	logCtx := h.log.WithFields(logrus.Fields{"room_id": room.id, "operation": "hydrate"})

	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	persisted, err := h.persistence.Hydrate(ctx, room.id)
	cancel()

	room.mu.Lock()
	defer room.mu.Unlock()

	switch {
	case err != nil:
		logCtx.WithError(err).Warn("Room hydration failed, serving live state only")
	case room.clearedDuringLoad:
		logCtx.Debug("Room cleared during hydration, discarding persisted events")
	default:
		room.mergePersistedLocked(persisted)
		logCtx.WithField("count", len(persisted)).Debug("Room hydrated")
	}
	room.hydrated = true
	close(room.hydrationDone)

	var dropped []*Connection
	for c := range room.members {
		if !c.ready && !h.sendSnapshotLocked(room, c) {
			delete(room.members, c)
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		c.shutdown()
	}
	h.announceDroppedLocked(room, dropped)
}

// mergePersistedLocked 把持久化事件放在内存事件之前，按 ID 去重
func (r *Room) mergePersistedLocked(persisted []domain.Drawing) {
	if len(persisted) == 0 {
		return
	}
	live := make(map[string]struct{}, len(r.events))
	for _, e := range r.events {
		live[e.ID] = struct{}{}
	}
	merged := make([]domain.Drawing, 0, len(persisted)+len(r.events))
	for _, e := range persisted {
		if _, dup := live[e.ID]; dup {
			continue
		}
		merged = append(merged, e)
		if e.CreatedAt.After(r.lastCreatedAt) {
			r.lastCreatedAt = e.CreatedAt
		}
		if e.Seq > r.seq {
			r.seq = e.Seq
		}
	}
	r.persistedUpTo += len(merged)
	r.events = append(merged, r.events...)
}

// sendSnapshotLocked 向连接发送当前缓冲区作为初始快照，成功后连接开始接收广播
func (h *Hub) sendSnapshotLocked(room *Room, c *Connection) bool {
	data := make([]domain.Drawing, len(room.events))
	copy(data, room.events)
	msg := encode(dto.InitialDrawingsMessage{Type: dto.TypeInitialDrawings, Room: room.id, Data: data})
	if msg == nil || !c.enqueue(msg) {
		c.logger().Warn("Failed to queue initial snapshot, dropping client")
		return false
	}
	c.ready = true
	return true
}

func normalizeRoomID(roomID string) (string, error) {
	if roomID == "" || len(roomID) > maxRoomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, r := range roomID {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidRoomID
		}
	}
	return roomID, nil
}

// 与 drawings.room_id 列宽一致
const maxRoomIDLength = 191
