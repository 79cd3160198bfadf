package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"collaborative-canvas/internal/domain"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	memorystate "collaborative-canvas/internal/infra/state/memory"
	"collaborative-canvas/internal/service"
)

// gatedState 让第一次 GetClearedAt 停在 release 关闭之前
type gatedState struct {
	*memorystate.MemoryStateRepository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedState) GetClearedAt(ctx context.Context, roomID string) (time.Time, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStateRepository.GetClearedAt(ctx, roomID)
}

func TestPersistenceGateway_PurgeWaitsForInFlightAppend(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:purge_waits?mode=memory&cache=shared"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&gormpersistence.DrawingRecord{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := gormpersistence.NewGormDrawingRepository(db)
	state := &gatedState{
		MemoryStateRepository: memorystate.NewMemoryStateRepository(),
		entered:               make(chan struct{}),
		release:               make(chan struct{}),
	}
	gw := service.NewPersistenceGateway(repo, state, nil)
	ctx := context.Background()

	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	storeDone := make(chan error, 1)
	go func() { storeDone <- gw.StoreDrawings(ctx, "r1", []domain.Drawing{stroke("a", createdAt)}) }()
	<-state.entered // 追加已读到零水位线

	purgeDone := make(chan error, 1)
	go func() { purgeDone <- gw.PurgeRoom(ctx, "r1", createdAt.Add(time.Second)) }()

	assert.Never(t, func() bool { return len(purgeDone) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"清空必须等待同一房间进行中的追加")
	close(state.release)
	require.NoError(t, <-storeDone)
	require.NoError(t, <-purgeDone)

	// 进程重启后水位线丢失，存储本身也不能再有被清空的事件
	restarted := service.NewPersistenceGateway(repo, memorystate.NewMemoryStateRepository(), nil)
	got, err := restarted.Hydrate(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPersistenceGateway_OtherRoomsAreNotSerialized(t *testing.T) {
	drawings := &blockingRepo{entered: make(chan struct{}), release: make(chan struct{})}
	gw := service.NewPersistenceGateway(drawings, memorystate.NewMemoryStateRepository(), nil)
	ctx := context.Background()

	go func() { _ = gw.PurgeRoom(ctx, "r1", time.Now()) }()
	<-drawings.entered

	// r1 的清空被阻塞时，r2 的写入照常完成
	require.NoError(t, gw.PurgeRoom(ctx, "r2", time.Now()))
	close(drawings.release)
}

// blockingRepo 让 r1 的删除阻塞到 release 关闭
type blockingRepo struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRepo) ListByRoom(context.Context, string) ([]domain.Drawing, error) { return nil, nil }

func (b *blockingRepo) AppendBatch(context.Context, string, []domain.Drawing) error { return nil }

func (b *blockingRepo) DeleteByRoom(_ context.Context, roomID string, _ time.Time) error {
	if roomID == "r1" {
		close(b.entered)
		<-b.release
	}
	return nil
}
