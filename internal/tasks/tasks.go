package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"collaborative-canvas/internal/domain" // 导入绘制事件模型
)

// 定义任务类型常量
const (
	TypeDrawingAppend = "drawing:append" // 追加绘制事件
	TypeDrawingPurge  = "drawing:purge"  // 清空房间绘制事件
)

const (
	appendMaxRetry = 5
	purgeMaxRetry  = 8
	taskTimeout    = 30 * time.Second
)

// DrawingAppendPayload 定义了追加任务的数据结构
type DrawingAppendPayload struct {
	RoomID   string           `json:"room_id"`
	Drawings []domain.Drawing `json:"drawings"`
}

// DrawingPurgePayload 定义了清空任务的数据结构。UpTo 是清空水位线。
type DrawingPurgePayload struct {
	RoomID string    `json:"room_id"`
	UpTo   time.Time `json:"up_to"`
}

// NewDrawingAppendTask 创建一个新的追加任务
func NewDrawingAppendTask(roomID string, drawings []domain.Drawing) (*asynq.Task, error) {
	payload, err := json.Marshal(DrawingAppendPayload{RoomID: roomID, Drawings: drawings})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", TypeDrawingAppend, err)
	}
	return asynq.NewTask(TypeDrawingAppend, payload,
		asynq.MaxRetry(appendMaxRetry), asynq.Timeout(taskTimeout), asynq.Queue("default")), nil
}

// NewDrawingPurgeTask 创建一个新的清空任务。清空优先于追加处理。
func NewDrawingPurgeTask(roomID string, upTo time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(DrawingPurgePayload{RoomID: roomID, UpTo: upTo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", TypeDrawingPurge, err)
	}
	return asynq.NewTask(TypeDrawingPurge, payload,
		asynq.MaxRetry(purgeMaxRetry), asynq.Timeout(taskTimeout), asynq.Queue("critical")), nil
}

// ParseDrawingAppendPayload 解析追加任务
func ParseDrawingAppendPayload(t *asynq.Task) (DrawingAppendPayload, error) {
	var p DrawingAppendPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%s payload missing room_id", TypeDrawingAppend)
	}
	return p, nil
}

// ParseDrawingPurgePayload 解析清空任务
func ParseDrawingPurgePayload(t *asynq.Task) (DrawingPurgePayload, error) {
	var p DrawingPurgePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%s payload missing room_id", TypeDrawingPurge)
	}
	return p, nil
}
