package hub

import "errors"

// 协议错误：只回复给发送方，连接保持打开
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrAlreadyJoined      = errors.New("already joined a room")
	ErrNotJoined          = errors.New("not joined to a room")
	ErrRoomMismatch       = errors.New("room does not match the joined room")
	ErrInvalidRoomID      = errors.New("invalid room id")
)

// IsProtocolError 判断错误是否属于协议错误
func IsProtocolError(err error) bool {
	for _, target := range []error{
		ErrMalformedFrame, ErrUnknownMessageType, ErrAlreadyJoined,
		ErrNotJoined, ErrRoomMismatch, ErrInvalidRoomID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
