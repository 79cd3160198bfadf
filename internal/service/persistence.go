package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// detachedTimeout 进程内后台写入的超时时间
const detachedTimeout = 30 * time.Second

// Enqueuer 是 asynq.Client 的最小子集，便于测试替换
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// PersistenceGateway 是内存房间状态与持久化存储之间的尽力而为的桥梁。
// 写操作 (Append/Purge) 从不阻塞调用者，失败只记录日志；只有 Hydrate 的结果会被调用者等待。
type PersistenceGateway struct {
	drawings repository.DrawingRepository
	state    repository.StateRepository
	enqueuer Enqueuer // 为 nil 时在进程内 goroutine 中执行

	log   *logrus.Entry
	wg    sync.WaitGroup
	rooms roomLocks
}

// NewPersistenceGateway 创建 PersistenceGateway 实例。enqueuer 可以为 nil。
func NewPersistenceGateway(drawings repository.DrawingRepository, state repository.StateRepository, enqueuer Enqueuer) *PersistenceGateway {
	if drawings == nil || state == nil {
		panic("DrawingRepository and StateRepository must be non-nil for PersistenceGateway")
	}
	return &PersistenceGateway{
		drawings: drawings,
		state:    state,
		enqueuer: enqueuer,
		log:      logrus.WithField("component", "persistence"),
	}
}

// Hydrate 加载房间的历史事件 (按插入顺序)，过滤掉清空水位线之前的事件。
func (g *PersistenceGateway) Hydrate(ctx context.Context, roomID string) ([]domain.Drawing, error) {
	logCtx := g.log.WithFields(logrus.Fields{"room_id": roomID, "operation": "Hydrate"})

	clearedAt, err := g.state.GetClearedAt(ctx, roomID)
	if err != nil {
		// 水位线不可用时仍然返回存储中的数据
		logCtx.WithError(err).Warn("Failed to read clear watermark, hydrating without it")
		clearedAt = time.Time{}
	}

	drawings, err := g.drawings.ListByRoom(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to list drawings from storage")
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	drawings = afterWatermark(drawings, clearedAt)
	logCtx.WithField("count", len(drawings)).Debug("Room hydrated from storage")
	return drawings, nil
}

// Append 异步追加事件，调用方从不等待结果。
func (g *PersistenceGateway) Append(roomID string, drawings ...domain.Drawing) {
	if len(drawings) == 0 {
		return
	}
	batch := make([]domain.Drawing, len(drawings))
	copy(batch, drawings)

	g.detach(roomID, "Append", func(ctx context.Context) error {
		if g.enqueue(roomID, "Append", func() (*asynq.Task, error) {
			return tasks.NewDrawingAppendTask(roomID, batch)
		}) {
			return nil
		}
		return g.StoreDrawings(ctx, roomID, batch)
	})
}

// Purge 异步清空房间中 upTo 及之前创建的事件。
func (g *PersistenceGateway) Purge(roomID string, upTo time.Time) {
	g.detach(roomID, "Purge", func(ctx context.Context) error {
		if g.enqueue(roomID, "Purge", func() (*asynq.Task, error) {
			return tasks.NewDrawingPurgeTask(roomID, upTo)
		}) {
			return nil
		}
		return g.PurgeRoom(ctx, roomID, upTo)
	})
}

// enqueue 把任务交给队列，返回 false 时由调用方在进程内执行。
func (g *PersistenceGateway) enqueue(roomID, operation string, build func() (*asynq.Task, error)) bool {
	if g.enqueuer == nil {
		return false
	}
	task, err := build()
	if err == nil {
		if _, err = g.enqueuer.Enqueue(task); err == nil {
			return true
		}
	}
	g.log.WithFields(logrus.Fields{"room_id": roomID, "operation": operation}).
		WithError(err).Warn("Failed to enqueue persistence task, running in-process")
	return false
}

// StoreDrawings 同步写入事件，跳过清空水位线之前创建的事件。由 worker 和进程内写入共用。
// 与同一房间的 PurgeRoom 互斥，读水位线和写入之间不会插入一次清空。
func (g *PersistenceGateway) StoreDrawings(ctx context.Context, roomID string, drawings []domain.Drawing) error {
	unlock := g.rooms.lock(roomID)
	defer unlock()

	clearedAt, err := g.state.GetClearedAt(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read clear watermark: %w", err)
	}
	keep := afterWatermark(drawings, clearedAt)
	if len(keep) < len(drawings) {
		g.log.WithFields(logrus.Fields{"room_id": roomID, "skipped": len(drawings) - len(keep)}).
			Debug("Skipping drawings created before the last clear")
	}
	if len(keep) == 0 {
		return nil
	}
	return g.drawings.AppendBatch(ctx, roomID, keep)
}

// PurgeRoom 同步推进清空水位线并删除水位线之前的事件。
func (g *PersistenceGateway) PurgeRoom(ctx context.Context, roomID string, upTo time.Time) error {
	unlock := g.rooms.lock(roomID)
	defer unlock()

	if err := g.state.SetClearedAt(ctx, roomID, upTo); err != nil {
		return fmt.Errorf("advance clear watermark: %w", err)
	}
	return g.drawings.DeleteByRoom(ctx, roomID, upTo)
}

// Wait 等待所有已派发的后台写入完成，用于优雅关闭。
func (g *PersistenceGateway) Wait() {
	g.wg.Wait()
}

// detach 在独立 goroutine 中执行写操作，错误和 panic 都只在这里记录。
func (g *PersistenceGateway) detach(roomID, operation string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		logCtx := g.log.WithFields(logrus.Fields{"room_id": roomID, "operation": operation})
		defer func() {
			if r := recover(); r != nil {
				logCtx.Errorf("Persistence task panicked: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logCtx.WithError(err).Error("Persistence task failed, live room state is unaffected")
			return
		}
		logCtx.Debug("Persistence task completed")
	}()
}

func afterWatermark(drawings []domain.Drawing, clearedAt time.Time) []domain.Drawing {
	if clearedAt.IsZero() {
		return drawings
	}
	out := make([]domain.Drawing, 0, len(drawings))
	for _, d := range drawings {
		if d.CreatedAt.After(clearedAt) {
			out = append(out, d)
		}
	}
	return out
}

// roomLocks 是按房间 ID 分配的互斥锁，无人持有时释放条目
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func (l *roomLocks) lock(roomID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*roomLock)
	}
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}
