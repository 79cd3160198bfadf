package repository

import (
	"context"
	"time"
)

// StateRepository 定义了中继的共享状态操作，通常由 Redis 实现。
type StateRepository interface {
	// GetClearedAt 返回房间最近一次清空画布的时间。
	// 从未清空过时返回 time.Time{} 和 nil 错误。
	GetClearedAt(ctx context.Context, roomID string) (time.Time, error)

	// SetClearedAt 记录清空时间。只会向前推进，较早的时间会被忽略。
	SetClearedAt(ctx context.Context, roomID string, at time.Time) error

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
