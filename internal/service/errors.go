package service

import "errors"

var (
	// ErrPersistenceUnavailable 表示持久化存储不可用，实时状态不受影响
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
