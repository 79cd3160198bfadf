package mocks

import (
	context "context"
	time "time"

	mock "github.com/stretchr/testify/mock"
)

// StateRepository is a mock type for the StateRepository type
type StateRepository struct {
	mock.Mock
}

// CheckRateLimit provides a mock function with given fields: ctx, key, limit, window
func (_m *StateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ret := _m.Called(ctx, key, limit, window)

	var r0 bool
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int, time.Duration) (bool, error)); ok {
		return rf(ctx, key, limit, window)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, int, time.Duration) bool); ok {
		r0 = rf(ctx, key, limit, window)
	} else {
		r0 = ret.Get(0).(bool)
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, int, time.Duration) error); ok {
		r1 = rf(ctx, key, limit, window)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetClearedAt provides a mock function with given fields: ctx, roomID
func (_m *StateRepository) GetClearedAt(ctx context.Context, roomID string) (time.Time, error) {
	ret := _m.Called(ctx, roomID)

	var r0 time.Time
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (time.Time, error)); ok {
		return rf(ctx, roomID)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) time.Time); ok {
		r0 = rf(ctx, roomID)
	} else {
		r0 = ret.Get(0).(time.Time)
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, roomID)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// SetClearedAt provides a mock function with given fields: ctx, roomID, at
func (_m *StateRepository) SetClearedAt(ctx context.Context, roomID string, at time.Time) error {
	ret := _m.Called(ctx, roomID, at)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, time.Time) error); ok {
		r0 = rf(ctx, roomID, at)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewStateRepository creates a new instance of StateRepository. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewStateRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *StateRepository {
	m := &StateRepository{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
