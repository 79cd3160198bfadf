package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// DrawingRepository 定义了绘制事件在持久化存储中的操作。
type DrawingRepository interface {
	// ListByRoom 按插入顺序 (created_at, seq) 返回房间的全部绘制事件。
	// 房间没有事件时返回空切片和 nil 错误。
	ListByRoom(ctx context.Context, roomID string) ([]domain.Drawing, error)

	// AppendBatch 追加一批事件。ID 已存在的事件会被忽略，重复投递是安全的。
	AppendBatch(ctx context.Context, roomID string, drawings []domain.Drawing) error

	// DeleteByRoom 删除房间中创建时间不晚于 upTo 的事件；upTo 为零值时删除全部。
	DeleteByRoom(ctx context.Context, roomID string, upTo time.Time) error
}
