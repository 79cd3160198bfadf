package hub

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/dto"
)

// broadcastLocked 在持有房间锁时广播，保证同一房间的消息按接受顺序入队。
// readyOnly 为 true 时跳过尚未收到初始快照的成员，它们的快照已包含该变更。
// 发送失败的成员被移出房间并关闭，剩余成员收到 user_left。
func (h *Hub) broadcastLocked(room *Room, msg []byte, exclude *Connection, readyOnly bool) int {
	if msg == nil {
		return 0
	}
	delivered, dropped := h.fanOutLocked(room, msg, exclude, readyOnly)
	h.announceDroppedLocked(room, dropped)
	return delivered
}

func (h *Hub) fanOutLocked(room *Room, msg []byte, exclude *Connection, readyOnly bool) (int, []*Connection) {
	var (
		delivered int
		dropped   []*Connection
	)
	for c := range room.members {
		if c == exclude || (readyOnly && !c.ready) {
			continue
		}
		if c.enqueue(msg) {
			delivered++
			continue
		}
		// 单个慢或已断开的成员不影响其他成员
		delete(room.members, c)
		dropped = append(dropped, c)
	}

	for _, c := range dropped {
		if c.shutdown() {
			c.logger().WithFields(logrus.Fields{
				"room_id":      room.id,
				"message_size": len(msg),
			}).Warn("Client send queue full during broadcast, dropped from room")
		}
	}
	return delivered, dropped
}

// announceDroppedLocked 通知剩余成员有人被移出，通知本身失败会继续级联
func (h *Hub) announceDroppedLocked(room *Room, dropped []*Connection) {
	for len(dropped) > 0 {
		c := dropped[0]
		dropped = dropped[1:]
		left := encode(dto.MembershipMessage{
			Type: dto.TypeUserLeft, ClientID: c.id, ClientCount: len(room.members),
		})
		_, more := h.fanOutLocked(room, left, nil, false)
		dropped = append(dropped, more...)
	}
}

// reply 只发给一个连接。回复失败只记录日志，下一次广播会清理该连接。
func (h *Hub) reply(c *Connection, v interface{}) {
	msg := encode(v)
	if msg == nil {
		return
	}
	if !c.enqueue(msg) && !c.isClosed() {
		c.logger().Warn("Client send queue full, reply dropped")
	}
}

// replyError 把错误回复给发送方。协议错误多为客户端时序问题，只在 debug 级别记录。
func (h *Hub) replyError(c *Connection, err error) {
	if IsProtocolError(err) {
		c.logger().WithError(err).Debug("Rejected client frame")
	} else {
		c.logger().WithError(err).Info("Rejected drawing data")
	}
	h.reply(c, dto.ErrorMessage{Type: dto.TypeError, Message: err.Error()})
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal outbound message")
		return nil
	}
	return b
}
