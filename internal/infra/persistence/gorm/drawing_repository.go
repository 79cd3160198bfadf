package gormpersistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collaborative-canvas/internal/domain"
)

// DrawingRecord 是 drawings 表的行模型。几何字段按形状分列存储，笔迹点序列以 JSON 文本保存。
type DrawingRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RoomID    string    `gorm:"size:191;not null;index:idx_room_order,priority:1"`
	Kind      string    `gorm:"size:20;not null"`
	Points    string    `gorm:"type:text"`
	StartX    *float64
	StartY    *float64
	Width     *float64
	Height    *float64
	CenterX   *float64
	CenterY   *float64
	Radius    *float64
	Color     string    `gorm:"size:64"`
	Size      float64   `gorm:"not null;default:2"`
	Seq       uint64    `gorm:"not null;index:idx_room_order,priority:3"`
	CreatedAt time.Time `gorm:"precision:6;not null;index:idx_room_order,priority:2"`
}

// TableName 固定表名为 drawings
func (DrawingRecord) TableName() string { return "drawings" }

// GormDrawingRepository 是 DrawingRepository 接口的 GORM 实现
type GormDrawingRepository struct {
	db *gorm.DB
}

// NewGormDrawingRepository 创建 GormDrawingRepository 实例
func NewGormDrawingRepository(db *gorm.DB) *GormDrawingRepository {
	if db == nil {
		panic("database connection cannot be nil for GormDrawingRepository")
	}
	return &GormDrawingRepository{db: db}
}

// ListByRoom 按 created_at, seq 升序返回房间的全部事件
func (r *GormDrawingRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.Drawing, error) {
	var records []DrawingRecord
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: failed to list drawings for room %s: %w", roomID, err)
	}

	drawings := make([]domain.Drawing, 0, len(records))
	for _, rec := range records {
		d, err := rec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("gorm: corrupt drawing %s in room %s: %w", rec.ID, roomID, err)
		}
		drawings = append(drawings, d)
	}
	return drawings, nil
}

// AppendBatch 批量插入事件，主键冲突 (重复投递) 时忽略该行
func (r *GormDrawingRepository) AppendBatch(ctx context.Context, roomID string, drawings []domain.Drawing) error {
	if len(drawings) == 0 {
		return nil
	}
	records := make([]DrawingRecord, 0, len(drawings))
	for _, d := range drawings {
		rec, err := newDrawingRecord(roomID, d)
		if err != nil {
			return fmt.Errorf("gorm: failed to encode drawing %s: %w", d.ID, err)
		}
		records = append(records, rec)
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("gorm: failed to append drawing batch (room %s, size %d): %w", roomID, len(records), err)
	}
	return nil
}

// DeleteByRoom 删除房间中 created_at <= upTo 的事件，upTo 为零值时删除全部
func (r *GormDrawingRepository) DeleteByRoom(ctx context.Context, roomID string, upTo time.Time) error {
	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !upTo.IsZero() {
		query = query.Where("created_at <= ?", upTo)
	}
	if err := query.Delete(&DrawingRecord{}).Error; err != nil {
		return fmt.Errorf("gorm: failed to delete drawings for room %s: %w", roomID, err)
	}
	return nil
}

func newDrawingRecord(roomID string, d domain.Drawing) (DrawingRecord, error) {
	rec := DrawingRecord{
		ID:        d.ID,
		RoomID:    roomID,
		Kind:      string(d.Kind),
		Width:     d.Width,
		Height:    d.Height,
		Radius:    d.Radius,
		Color:     d.Color,
		Size:      d.Size,
		Seq:       d.Seq,
		CreatedAt: d.CreatedAt,
	}
	if len(d.Points) > 0 {
		b, err := json.Marshal(d.Points)
		if err != nil {
			return rec, err
		}
		rec.Points = string(b)
	}
	if d.StartPoint != nil {
		rec.StartX, rec.StartY = &d.StartPoint.X, &d.StartPoint.Y
	}
	if d.Center != nil {
		rec.CenterX, rec.CenterY = &d.Center.X, &d.Center.Y
	}
	return rec, nil
}

func (rec DrawingRecord) toDomain() (domain.Drawing, error) {
	d := domain.Drawing{
		Kind:   domain.DrawingKind(rec.Kind),
		Width:  rec.Width,
		Height: rec.Height,
		Radius: rec.Radius,
		Color:  rec.Color,
		Size:   rec.Size,
	}
	if d.Size <= 0 {
		d.Size = domain.DefaultSize
	}
	if rec.Points != "" {
		if err := json.Unmarshal([]byte(rec.Points), &d.Points); err != nil {
			return d, err
		}
	}
	if rec.StartX != nil && rec.StartY != nil {
		d.StartPoint = &domain.Point{X: *rec.StartX, Y: *rec.StartY}
	}
	if rec.CenterX != nil && rec.CenterY != nil {
		d.Center = &domain.Point{X: *rec.CenterX, Y: *rec.CenterY}
	}
	d.Stamp(rec.ID, rec.RoomID, rec.CreatedAt, rec.Seq)
	return d, nil
}
