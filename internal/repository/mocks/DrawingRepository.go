package mocks

import (
	context "context"
	time "time"

	domain "collaborative-canvas/internal/domain"

	mock "github.com/stretchr/testify/mock"
)

// DrawingRepository is a mock type for the DrawingRepository type
type DrawingRepository struct {
	mock.Mock
}

// AppendBatch provides a mock function with given fields: ctx, roomID, drawings
func (_m *DrawingRepository) AppendBatch(ctx context.Context, roomID string, drawings []domain.Drawing) error {
	ret := _m.Called(ctx, roomID, drawings)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, []domain.Drawing) error); ok {
		r0 = rf(ctx, roomID, drawings)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// DeleteByRoom provides a mock function with given fields: ctx, roomID, upTo
func (_m *DrawingRepository) DeleteByRoom(ctx context.Context, roomID string, upTo time.Time) error {
	ret := _m.Called(ctx, roomID, upTo)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, time.Time) error); ok {
		r0 = rf(ctx, roomID, upTo)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// ListByRoom provides a mock function with given fields: ctx, roomID
func (_m *DrawingRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.Drawing, error) {
	ret := _m.Called(ctx, roomID)

	var r0 []domain.Drawing
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) ([]domain.Drawing, error)); ok {
		return rf(ctx, roomID)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) []domain.Drawing); ok {
		r0 = rf(ctx, roomID)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]domain.Drawing)
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, roomID)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewDrawingRepository creates a new instance of DrawingRepository. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewDrawingRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *DrawingRepository {
	m := &DrawingRepository{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
