package dto

import (
	"encoding/json"

	"collaborative-canvas/internal/domain"
)

// 客户端 -> 服务端 消息类型
const (
	TypeJoinRoom    = "join_room"
	TypeDrawing     = "drawing"
	TypeClearCanvas = "clear_canvas"
	TypePing        = "ping"
)

// 服务端 -> 客户端 消息类型
const (
	TypeConnected       = "connected"
	TypeInitialDrawings = "initial_drawings"
	TypeCanvasCleared   = "canvas_cleared"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypePong            = "pong"
	TypeError           = "error"
)

// InboundFrame 表示从客户端 WebSocket 消息中接收的原始帧。
// DrawingData 保持原样，由 domain.ParseDrawing 解析和校验。
type InboundFrame struct {
	Type        string          `json:"type"`
	Room        string          `json:"room,omitempty"`
	DrawingData json.RawMessage `json:"drawingData,omitempty"`
}

// ConnectedMessage 是连接建立后的问候
type ConnectedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// InitialDrawingsMessage 是加入房间后的初始快照
type InitialDrawingsMessage struct {
	Type string           `json:"type"`
	Room string           `json:"room"`
	Data []domain.Drawing `json:"data"`
}

// DrawingMessage 广播一条已盖章的绘制事件
type DrawingMessage struct {
	Type        string         `json:"type"`
	DrawingData domain.Drawing `json:"drawingData"`
}

// MembershipMessage 用于 user_joined / user_left
type MembershipMessage struct {
	Type        string `json:"type"`
	ClientID    string `json:"clientId"`
	ClientCount int    `json:"clientCount"`
}

// SignalMessage 是只有类型没有负载的消息 (canvas_cleared, pong)
type SignalMessage struct {
	Type string `json:"type"`
}

// ErrorMessage 表示发送给客户端的错误消息数据结构
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
