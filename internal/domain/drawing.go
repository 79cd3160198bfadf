package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// DrawingKind 区分一次绘制操作使用哪一组几何字段。
type DrawingKind string

const (
	KindPencil    DrawingKind = "pencil" // 自由笔迹
	KindRectangle DrawingKind = "rectangle"
	KindCircle    DrawingKind = "circle"
)

// DefaultSize 是客户端未提供线宽时使用的默认值。
const DefaultSize = 2

// ErrInvalidDrawing 表示绘制数据不满足几何形状约束。
var ErrInvalidDrawing = errors.New("invalid drawing data")

// Point 表示画布上的一个二维坐标。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StrokePoint 是笔迹中的一个点。输出格式为 [x, y]，输入也接受 {"x":..,"y":..}。
type StrokePoint [2]float64

func (p *StrokePoint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return errors.New("stroke point must not be null")
	}
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err == nil {
		*p = pair
		return nil
	}
	var obj struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("stroke point must be [x,y] or {x,y}: %w", err)
	}
	if obj.X == nil || obj.Y == nil {
		return errors.New("stroke point requires both x and y")
	}
	*p = StrokePoint{*obj.X, *obj.Y}
	return nil
}

// Drawing 表示一次已提交的绘制操作 (笔迹、矩形或圆)。
// ID、RoomID、CreatedAt、Seq 由服务端分配，客户端提供的值会被覆盖。
type Drawing struct {
	ID   string      `json:"id"`
	Kind DrawingKind `json:"kind"`

	// pencil
	Points []StrokePoint `json:"points,omitempty"`
	// rectangle
	StartPoint *Point   `json:"startPoint,omitempty"`
	Width      *float64 `json:"width,omitempty"`
	Height     *float64 `json:"height,omitempty"`
	// circle
	Center *Point   `json:"center,omitempty"`
	Radius *float64 `json:"radius,omitempty"`

	Color string  `json:"color"` // 对中继透明，不做校验
	Size  float64 `json:"size"`

	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
	Timestamp int64     `json:"timestamp"` // CreatedAt 的毫秒表示，兼容旧客户端
	Seq       uint64    `json:"seq"`       // 房间内单调递增序号
}

// incomingDrawing 兼容旧客户端使用 "type" 作为判别字段。
type incomingDrawing struct {
	Kind       DrawingKind   `json:"kind"`
	Type       DrawingKind   `json:"type"`
	Points     []StrokePoint `json:"points"`
	StartPoint *Point        `json:"startPoint"`
	Width      *float64      `json:"width"`
	Height     *float64      `json:"height"`
	Center     *Point        `json:"center"`
	Radius     *float64      `json:"radius"`
	Color      string        `json:"color"`
	Size       *float64      `json:"size"`
}

// ParseDrawing 解析客户端提交的绘制数据 (不含服务端字段) 并校验几何约束。
func ParseDrawing(raw []byte) (Drawing, error) {
	var in incomingDrawing
	if len(raw) == 0 || string(raw) == "null" {
		return Drawing{}, fmt.Errorf("%w: drawingData is required", ErrInvalidDrawing)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Drawing{}, fmt.Errorf("%w: %v", ErrInvalidDrawing, err)
	}

	kind := in.Kind
	if kind == "" {
		kind = in.Type
	}
	d := Drawing{
		Kind:       normalizeKind(kind),
		Points:     in.Points,
		StartPoint: in.StartPoint,
		Width:      in.Width,
		Height:     in.Height,
		Center:     in.Center,
		Radius:     in.Radius,
		Color:      in.Color,
		Size:       DefaultSize,
	}
	if in.Size != nil && *in.Size > 0 && isFinite(*in.Size) {
		d.Size = *in.Size
	}
	if err := d.Validate(); err != nil {
		return Drawing{}, err
	}
	return d, nil
}

func normalizeKind(k DrawingKind) DrawingKind {
	if k == "freehand" {
		return KindPencil
	}
	return k
}

// Validate 检查恰好填充了与 Kind 对应的一组几何字段。
func (d Drawing) Validate() error {
	hasStroke := d.Points != nil
	hasRect := d.StartPoint != nil || d.Width != nil || d.Height != nil
	hasCircle := d.Center != nil || d.Radius != nil

	switch d.Kind {
	case KindPencil:
		if hasRect || hasCircle {
			return fmt.Errorf("%w: pencil must not carry rectangle or circle geometry", ErrInvalidDrawing)
		}
		if len(d.Points) == 0 {
			return fmt.Errorf("%w: pencil requires at least one point", ErrInvalidDrawing)
		}
		for i, p := range d.Points {
			if !isFinite(p[0]) || !isFinite(p[1]) {
				return fmt.Errorf("%w: point %d is not finite", ErrInvalidDrawing, i)
			}
		}
	case KindRectangle:
		if hasStroke || hasCircle {
			return fmt.Errorf("%w: rectangle must not carry stroke or circle geometry", ErrInvalidDrawing)
		}
		if d.StartPoint == nil || d.Width == nil || d.Height == nil {
			return fmt.Errorf("%w: rectangle requires startPoint, width and height", ErrInvalidDrawing)
		}
		// 向左或向上拖拽时宽高为负，画布按原样绘制
		if !validPoint(*d.StartPoint) || !isFinite(*d.Width) || !isFinite(*d.Height) {
			return fmt.Errorf("%w: rectangle geometry out of range", ErrInvalidDrawing)
		}
	case KindCircle:
		if hasStroke || hasRect {
			return fmt.Errorf("%w: circle must not carry stroke or rectangle geometry", ErrInvalidDrawing)
		}
		if d.Center == nil || d.Radius == nil {
			return fmt.Errorf("%w: circle requires center and radius", ErrInvalidDrawing)
		}
		if !validPoint(*d.Center) || !nonNegative(*d.Radius) {
			return fmt.Errorf("%w: circle geometry out of range", ErrInvalidDrawing)
		}
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidDrawing)
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidDrawing, d.Kind)
	}
	return nil
}

// Stamp 写入服务端分配的字段。
func (d *Drawing) Stamp(id, roomID string, createdAt time.Time, seq uint64) {
	d.ID = id
	d.RoomID = roomID
	d.CreatedAt = createdAt
	d.Timestamp = createdAt.UnixMilli()
	d.Seq = seq
}

func validPoint(p Point) bool { return isFinite(p.X) && isFinite(p.Y) }

func nonNegative(v float64) bool { return isFinite(v) && v >= 0 }

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
