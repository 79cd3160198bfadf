package memorystate

import (
	"context"
	"sync"
	"time"
)

// MemoryStateRepository 是未配置 Redis 时使用的进程内 StateRepository 实现。
type MemoryStateRepository struct {
	mu        sync.Mutex
	clearedAt map[string]time.Time
	counters  map[string]*window
	nextSweep time.Time // 下一次清理过期计数窗口的时间
	now       func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryStateRepository 创建 MemoryStateRepository 实例
func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{
		clearedAt: make(map[string]time.Time),
		counters:  make(map[string]*window),
		now:       time.Now,
	}
}

func (r *MemoryStateRepository) GetClearedAt(_ context.Context, roomID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearedAt[roomID], nil
}

func (r *MemoryStateRepository) SetClearedAt(_ context.Context, roomID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at.After(r.clearedAt[roomID]) {
		r.clearedAt[roomID] = at
	}
	return nil
}

func (r *MemoryStateRepository) CheckRateLimit(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweepCountersLocked(now, win)
	w, ok := r.counters[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		r.counters[key] = w
	}
	w.count++
	return w.count > limit, nil
}

// sweepCountersLocked 每个窗口周期最多清理一次已过期的计数器，避免按 IP 无限增长
func (r *MemoryStateRepository) sweepCountersLocked(now time.Time, win time.Duration) {
	if now.Before(r.nextSweep) {
		return
	}
	for key, w := range r.counters {
		if !now.Before(w.resetAt) {
			delete(r.counters, key)
		}
	}
	r.nextSweep = now.Add(win)
}
