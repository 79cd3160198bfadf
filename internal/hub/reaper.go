package hub

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Run 启动周期性回收：空闲房间清理和无响应连接清理。
// 它应该在一个单独的 goroutine 中运行，ctx 取消后返回。
func (h *Hub) Run(ctx context.Context) {
	h.log.WithFields(logrus.Fields{
		"idle_ttl":       h.opts.IdleTTL,
		"sweep_interval": h.opts.SweepInterval,
	}).Info("Hub reaper is running...")

	sweep := time.NewTicker(h.opts.SweepInterval)
	heartbeat := time.NewTicker(h.opts.PingInterval)
	defer sweep.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Hub reaper stopped")
			return
		case <-sweep.C:
			h.Sweep(h.now())
		case <-heartbeat.C:
			h.CloseStale(h.now())
		}
	}
}

// Sweep 移除成员为空且空闲超过 IdleTTL 的房间，返回被移除的房间 ID。
// 成员检查和移除在同一次加锁内完成，正在加入的房间不会被移除。
func (h *Hub) Sweep(now time.Time) []string {
	var removed []string
	h.registry.ForEachRoom(func(room *Room) {
		ok, tail := h.registry.removeIf(room.id, func(r *Room) bool {
			return now.Sub(r.lastActivityAt) >= h.opts.IdleTTL
		})
		if !ok {
			return
		}
		removed = append(removed, room.id)
		h.persistence.Append(room.id, tail...)
	})
	if len(removed) > 0 {
		h.log.WithFields(logrus.Fields{"count": len(removed), "operation": "sweep"}).Info("Idle rooms removed")
	}
	return removed
}

// CloseStale 关闭超过 PongWait 未观察到存活信号的连接。
// socket 的读超时通常先触发，这里兜底处理读循环被阻塞的情况。
func (h *Hub) CloseStale(now time.Time) int {
	h.connsMu.Lock()
	var stale []*Connection
	for c := range h.conns {
		if now.Sub(c.LastPingAt()) > h.opts.PongWait {
			stale = append(stale, c)
		}
	}
	h.connsMu.Unlock()

	for _, c := range stale {
		c.logger().Warn("No heartbeat within pong wait, closing connection")
		c.shutdown()
		if err := c.closer.Close(); err != nil {
			c.logger().WithError(err).Debug("Closing stale transport failed")
		}
	}
	return len(stale)
}
