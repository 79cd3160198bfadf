package tasks

import (
	"testing"
	"time"

	"collaborative-canvas/internal/domain"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawingAppendTask_RoundTrip(t *testing.T) {
	d := domain.Drawing{Kind: domain.KindPencil, Points: []domain.StrokePoint{{1, 2}}, Color: "#fff", Size: 3}
	d.Stamp("id-1", "r1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 7)

	task, err := NewDrawingAppendTask("r1", []domain.Drawing{d})
	require.NoError(t, err)
	assert.Equal(t, TypeDrawingAppend, task.Type())

	p, err := ParseDrawingAppendPayload(task)
	require.NoError(t, err)
	assert.Equal(t, "r1", p.RoomID)
	require.Len(t, p.Drawings, 1)
	assert.Equal(t, "id-1", p.Drawings[0].ID)
	assert.Equal(t, uint64(7), p.Drawings[0].Seq)
}

func TestDrawingPurgeTask_RoundTrip(t *testing.T) {
	upTo := time.Date(2024, 1, 1, 0, 0, 0, 5000, time.UTC)
	task, err := NewDrawingPurgeTask("r1", upTo)
	require.NoError(t, err)
	assert.Equal(t, TypeDrawingPurge, task.Type())

	p, err := ParseDrawingPurgePayload(task)
	require.NoError(t, err)
	assert.True(t, upTo.Equal(p.UpTo))
}

func TestParsePayload_Rejects(t *testing.T) {
	_, err := ParseDrawingAppendPayload(asynq.NewTask(TypeDrawingAppend, []byte(`{`)))
	assert.Error(t, err)
	_, err = ParseDrawingPurgePayload(asynq.NewTask(TypeDrawingPurge, []byte(`{}`)))
	assert.Error(t, err, "缺少 room_id 应报错")
}
