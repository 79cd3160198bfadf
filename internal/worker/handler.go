package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/tasks"
)

// DrawingStore 是 worker 需要的同步持久化操作，由 service.PersistenceGateway 实现
type DrawingStore interface {
	StoreDrawings(ctx context.Context, roomID string, drawings []domain.Drawing) error
	PurgeRoom(ctx context.Context, roomID string, upTo time.Time) error
}

// DrawingAppendHandler 处理绘制事件追加任务
type DrawingAppendHandler struct {
	store DrawingStore
}

// NewDrawingAppendHandler 创建 Handler 实例
func NewDrawingAppendHandler(store DrawingStore) *DrawingAppendHandler {
	return &DrawingAppendHandler{store: store}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *DrawingAppendHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	payload, err := tasks.ParseDrawingAppendPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	if err := h.store.StoreDrawings(ctx, payload.RoomID, payload.Drawings); err != nil {
		logCtx.WithError(err).Errorf("Failed to store drawing batch (size %d)", len(payload.Drawings))
		return fmt.Errorf("failed to store drawings for room %s: %w", payload.RoomID, err)
	}

	logCtx.WithField("count", len(payload.Drawings)).Debug("Drawing append task processed successfully")
	return nil
}

// DrawingPurgeHandler 处理房间清空任务
type DrawingPurgeHandler struct {
	store DrawingStore
}

// NewDrawingPurgeHandler 创建 Handler 实例
func NewDrawingPurgeHandler(store DrawingStore) *DrawingPurgeHandler {
	return &DrawingPurgeHandler{store: store}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *DrawingPurgeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	payload, err := tasks.ParseDrawingPurgePayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	if err := h.store.PurgeRoom(ctx, payload.RoomID, payload.UpTo); err != nil {
		logCtx.WithError(err).Error("Failed to purge room drawings")
		return fmt.Errorf("failed to purge room %s: %w", payload.RoomID, err)
	}

	logCtx.Info("Drawing purge task processed successfully")
	return nil
}

func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}
