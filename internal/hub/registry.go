package hub

import (
	"sort"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
)

// Room 是一个房间的内存状态。所有字段受 mu 保护，
// 同一房间的 join/drawing/clear/close 因此串行执行，不同房间之间完全并行。
type Room struct {
	id string

	mu             sync.Mutex
	members        map[*Connection]struct{}
	events         []domain.Drawing // 自加载以来接受的事件，既是缓存也是写回队列
	persistedUpTo  int              // events 中已交给持久化的前缀长度 (leave 策略)
	seq            uint64
	lastCreatedAt  time.Time
	lastActivityAt time.Time

	hydrated          bool
	hydrationDone     chan struct{}
	clearedDuringLoad bool

	// removed 由 Registry 在移除房间时设置，持有旧指针的 join 需要重新获取
	removed bool
}

func newRoom(id string, now time.Time) *Room {
	return &Room{
		id:             id,
		members:        make(map[*Connection]struct{}),
		lastActivityAt: now,
		hydrationDone:  make(chan struct{}),
	}
}

// ID 返回房间标识
func (r *Room) ID() string { return r.id }

// HydrationDone 在初始加载结束 (无论成功与否) 后关闭
func (r *Room) HydrationDone() <-chan struct{} { return r.hydrationDone }

// Stats 返回房间的状态摘要
func (r *Room) Stats() domain.RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomStats{
		RoomID:       r.id,
		Members:      len(r.members),
		Events:       len(r.events),
		Hydrated:     r.hydrated,
		LastActivity: r.lastActivityAt,
	}
}

// nextCreatedAtLocked 返回房间内严格递增的时间戳，精度为微秒以便与存储层一致
func (r *Room) nextCreatedAtLocked(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !t.After(r.lastCreatedAt) {
		t = r.lastCreatedAt.Add(time.Microsecond)
	}
	r.lastCreatedAt = t
	return t
}

// unpersistedLocked 取出尚未交给持久化的尾部事件
func (r *Room) unpersistedLocked() []domain.Drawing {
	if r.persistedUpTo >= len(r.events) {
		return nil
	}
	tail := make([]domain.Drawing, len(r.events)-r.persistedUpTo)
	copy(tail, r.events[r.persistedUpTo:])
	r.persistedUpTo = len(r.events)
	return tail
}

// Registry 持有全部活跃房间。锁顺序: Registry.mu 先于 Room.mu。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	now   func() time.Time
}

// NewRegistry 创建空的房间表
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{rooms: make(map[string]*Room), now: now}
}

// GetOrCreate 返回房间，不存在时同步创建一个空房间。created 为 true 时调用方负责触发加载。
func (reg *Registry) GetOrCreate(roomID string) (room *Room, created bool) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if ok {
		return room, false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok = reg.rooms[roomID]; ok {
		return room, false
	}
	room = newRoom(roomID, reg.now())
	reg.rooms[roomID] = room
	return room, true
}

// Get 返回房间，不存在时 ok 为 false
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// removeIf 在房间为空且 pred 成立时移除房间，返回尚未持久化的尾部事件。
// 成员检查和删除在同一把锁下完成，因此不会移除一个正在加入的房间。
func (reg *Registry) removeIf(roomID string, pred func(*Room) bool) (bool, []domain.Drawing) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return false, nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) > 0 || !pred(room) {
		return false, nil
	}
	room.removed = true
	delete(reg.rooms, roomID)
	return true, room.unpersistedLocked()
}

// ForEachRoom 对当前房间的快照依次调用 fn，fn 中可以安全地加锁房间
func (reg *Registry) ForEachRoom(fn func(*Room)) {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	for _, room := range rooms {
		fn(room)
	}
}

// Len 返回活跃房间数
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
