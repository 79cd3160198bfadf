package hub

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
)

// messageKind 是入站消息的封闭集合
type messageKind int

const (
	msgJoinRoom messageKind = iota + 1
	msgDrawing
	msgClearCanvas
	msgPing
)

var inboundKinds = map[string]messageKind{
	dto.TypeJoinRoom:    msgJoinRoom,
	dto.TypeDrawing:     msgDrawing,
	dto.TypeClearCanvas: msgClearCanvas,
	dto.TypePing:        msgPing,
}

// connState 是连接在路由状态机中的状态，Closed 的连接不再处理任何帧
type connState uint8

const (
	stateConnected connState = 1 << iota
	stateJoined
)

// 每种消息允许出现的状态
var allowedStates = map[messageKind]connState{
	msgJoinRoom:    stateConnected,
	msgDrawing:     stateJoined,
	msgClearCanvas: stateJoined,
	msgPing:        stateConnected | stateJoined,
}

type inbound struct {
	kind    messageKind
	room    string
	drawing json.RawMessage
}

func parseFrame(raw []byte) (inbound, error) {
	var frame dto.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	kind, ok := inboundKinds[frame.Type]
	if !ok {
		return inbound{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, frame.Type)
	}
	return inbound{kind: kind, room: frame.Room, drawing: frame.DrawingData}, nil
}

// HandleFrame 解析并分发一个入站帧。任何错误只回复给发送方，连接状态不变。
func (h *Hub) HandleFrame(c *Connection, raw []byte) {
	if c.isClosed() {
		return
	}
	msg, err := parseFrame(raw)
	if err == nil {
		err = h.dispatch(c, msg)
	}
	if err != nil {
		h.replyError(c, err)
	}
}

func (h *Hub) dispatch(c *Connection, msg inbound) error {
	state := stateConnected
	if c.RoomID() != "" {
		state = stateJoined
	}
	if allowedStates[msg.kind]&state == 0 {
		if state == stateJoined {
			return ErrAlreadyJoined
		}
		return ErrNotJoined
	}

	switch msg.kind {
	case msgJoinRoom:
		return h.Join(c, msg.room)
	case msgDrawing:
		return h.handleDrawing(c, msg)
	case msgClearCanvas:
		return h.handleClear(c, msg)
	case msgPing:
		c.touch(h.now())
		h.reply(c, dto.SignalMessage{Type: dto.TypePong})
		return nil
	}
	return ErrUnknownMessageType
}

// joinedRoom 返回连接所在的房间并加锁。调用方负责解锁。
func (h *Hub) joinedRoom(c *Connection, claimed string) (*Room, error) {
	roomID := c.RoomID()
	if roomID == "" {
		return nil, ErrNotJoined
	}
	if claimed != "" && claimed != roomID {
		return nil, ErrRoomMismatch
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		return nil, ErrNotJoined
	}
	room.mu.Lock()
	if _, member := room.members[c]; !member || room.removed {
		room.mu.Unlock()
		return nil, ErrNotJoined
	}
	return room, nil
}

// handleDrawing 盖章、写入缓冲区、广播，然后交给持久化
func (h *Hub) handleDrawing(c *Connection, msg inbound) error {
	if c.RoomID() != "" && msg.room != "" && msg.room != c.RoomID() {
		return ErrRoomMismatch
	}
	drawing, err := domain.ParseDrawing(msg.drawing)
	if err != nil {
		return err
	}

	room, err := h.joinedRoom(c, msg.room)
	if err != nil {
		return err
	}
	now := h.now()
	room.seq++
	drawing.Stamp(uuid.NewString(), room.id, room.nextCreatedAtLocked(now), room.seq)
	room.events = append(room.events, drawing)
	room.lastActivityAt = now

	var exclude *Connection
	if h.opts.ExcludeSender {
		exclude = c
	}
	h.broadcastLocked(room, encode(dto.DrawingMessage{Type: dto.TypeDrawing, DrawingData: drawing}), exclude, true)

	var toPersist []domain.Drawing
	if h.opts.PersistPolicy == PersistPerEvent {
		toPersist = room.unpersistedLocked()
	}
	roomID := room.id
	room.mu.Unlock()

	h.persistence.Append(roomID, toPersist...)
	return nil
}

// handleClear 清空缓冲区，通知所有成员 (包括发送方)，并异步清空存储
func (h *Hub) handleClear(c *Connection, msg inbound) error {
	room, err := h.joinedRoom(c, msg.room)
	if err != nil {
		return err
	}
	now := h.now()
	upTo := room.nextCreatedAtLocked(now)
	room.events = nil
	room.persistedUpTo = 0
	room.lastActivityAt = now
	if !room.hydrated {
		room.clearedDuringLoad = true
	}
	h.broadcastLocked(room, encode(dto.SignalMessage{Type: dto.TypeCanvasCleared}), nil, true)
	roomID := room.id
	room.mu.Unlock()

	h.persistence.Purge(roomID, upTo)
	c.logger().Info("Canvas cleared")
	return nil
}
