package domain

import "time"

// RoomStats 是某个活跃房间在内存中的状态摘要，用于 HTTP 查询接口。
type RoomStats struct {
	RoomID       string    `json:"room_id"`
	Members      int       `json:"members"`
	Events       int       `json:"events"`
	Hydrated     bool      `json:"hydrated"`
	LastActivity time.Time `json:"last_activity"`
}

// RelayStats 是整个中继进程的概况
type RelayStats struct {
	Rooms   int `json:"rooms"`
	Clients int `json:"clients"`
}
