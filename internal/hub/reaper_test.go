package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewRegistry(nil)

	r1, created := reg.GetOrCreate("a")
	require.True(t, created)
	again, created := reg.GetOrCreate("a")
	assert.False(t, created)
	assert.Same(t, r1, again)

	got, ok := reg.Get("a")
	assert.True(t, ok)
	assert.Same(t, r1, got)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentGetOrCreateCreatesOnce(t *testing.T) {
	reg := NewRegistry(nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, c := reg.GetOrCreate("same"); c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, reg.Len())
}

func always(*Room) bool { return true }

func TestRegistry_RemoveOnlyWhenEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	room, _ := reg.GetOrCreate("a")
	room.members[&Connection{}] = struct{}{}

	removed, _ := reg.removeIf("a", always)
	assert.False(t, removed)
	assert.Equal(t, 1, reg.Len())

	room.members = map[*Connection]struct{}{}
	room.events = []domain.Drawing{{ID: "x"}}
	removed, tail := reg.removeIf("a", always)
	assert.True(t, removed)
	assert.True(t, room.removed)
	assert.Len(t, tail, 1, "移除时交出尚未持久化的尾部")

	removed, _ = reg.removeIf("a", always)
	assert.False(t, removed)
}

func TestRegistry_ForEachRoomAllowsRemoval(t *testing.T) {
	reg := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		reg.GetOrCreate(id)
	}
	var seen []string
	reg.ForEachRoom(func(r *Room) {
		seen = append(seen, r.ID())
		reg.removeIf(r.ID(), always)
	})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 0, reg.Len())
}

func TestSweep_RemovesIdleEmptyRooms(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) { o.IdleTTL = time.Minute })
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	a := connect(t, h)
	join(t, h, a, "idle")
	h.Disconnect(a)

	assert.Empty(t, h.Sweep(start.Add(30*time.Second)), "未超过阈值不应移除")
	assert.Equal(t, []string{"idle"}, h.Sweep(start.Add(time.Minute)))
	_, ok := h.RoomStats("idle")
	assert.False(t, ok)
}

func TestSweep_KeepsRoomsWithMembers(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) { o.IdleTTL = time.Minute })
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	a := connect(t, h)
	join(t, h, a, "busy")

	assert.Empty(t, h.Sweep(start.Add(time.Hour)))
	_, ok := h.RoomStats("busy")
	assert.True(t, ok)
}

func TestSweep_RejoinBeforeThresholdKeepsRoom(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) { o.IdleTTL = time.Minute })
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	a := connect(t, h)
	join(t, h, a, "r1")
	h.Disconnect(a)

	clock = clock.Add(50 * time.Second)
	b := connect(t, h)
	join(t, h, b, "r1")
	h.Disconnect(b)

	// 距第一次离开已超过阈值，但最近一次加入刷新了活跃时间
	assert.Empty(t, h.Sweep(clock.Add(30*time.Second)))
	assert.Equal(t, []string{"r1"}, h.Sweep(clock.Add(time.Minute)))
}

func TestSweep_ConcurrentJoinIsNeverLost(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) { o.IdleTTL = time.Nanosecond })

	for i := 0; i < 50; i++ {
		c := connect(t, h)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Join(c, "contended"))
		}()
		go func() {
			defer wg.Done()
			h.Sweep(time.Now().Add(time.Hour))
		}()
		wg.Wait()

		// 无论谁先执行，加入的连接都必须在注册表中的房间里
		stats, ok := h.RoomStats("contended")
		require.True(t, ok)
		require.Equal(t, 1, stats.Members)
		h.Disconnect(c)
	}
	h.WaitHydrations()
}

func TestSweep_FlushesLeavePolicyTail(t *testing.T) {
	p := newFakePersistence()
	h := newTestHub(t, p, func(o *Options) {
		o.IdleTTL = time.Minute
		o.PersistPolicy = PersistOnLeave
	})
	a := connect(t, h)
	join(t, h, a, "r1")
	send(h, a, rectFrame("r1", 1))

	room, _ := h.Registry().Get("r1")
	room.mu.Lock()
	delete(room.members, a) // 模拟在广播中被移出
	room.mu.Unlock()

	h.Sweep(time.Now().Add(time.Hour))
	assert.Len(t, p.appendedTo("r1"), 1)
}

func TestCloseStale(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) { o.PongWait = 10 * time.Second })
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	quiet := connect(t, h)
	alive := connect(t, h)
	join(t, h, quiet, "r1")
	alive.touch(start.Add(9 * time.Second))

	assert.Equal(t, 1, h.CloseStale(start.Add(11*time.Second)))
	assert.True(t, quiet.isClosed())
	assert.False(t, alive.isClosed())
	assert.Equal(t, 1, h.Stats().Clients)

	stats, _ := h.RoomStats("r1")
	assert.Equal(t, 0, stats.Members)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newTestHub(t, newFakePersistence(), func(o *Options) {
		o.SweepInterval = 5 * time.Millisecond
		o.IdleTTL = time.Nanosecond
	})
	h.Registry().GetOrCreate("empty")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return h.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
