package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// RelayInspector 是只读的中继状态查询接口，由 hub.Hub 实现
type RelayInspector interface {
	Stats() domain.RelayStats
	RoomStats(roomID string) (domain.RoomStats, bool)
}

// RoomHandler 提供活跃房间的查询接口
type RoomHandler struct {
	relay RelayInspector
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(relay RelayInspector) *RoomHandler {
	if relay == nil {
		panic("RelayInspector cannot be nil for RoomHandler")
	}
	return &RoomHandler{relay: relay}
}

// Stats 返回房间数和连接数
func (h *RoomHandler) Stats(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, h.relay.Stats())
}

// GetRoom 返回单个活跃房间的摘要。房间只存在于内存中，不活跃时返回 404。
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	stats, ok := h.relay.RoomStats(roomID)
	if !ok {
		HandleServiceError(c, fmt.Errorf("room %q is not active: %w", roomID, repository.ErrNotFound))
		return
	}
	SuccessResponse(c, http.StatusOK, stats)
}
