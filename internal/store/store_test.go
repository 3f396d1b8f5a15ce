package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(sqlite.Open(":memory:"), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestTaskLogLifecycle(t *testing.T) {
	s := newTestStore(t)

	submitted := time.Now()
	s.LogTaskCreated(&model.Task{
		ID:          "t1",
		Requester:   "req-1",
		Type:        "hash",
		StreamID:    "s1",
		SubmittedAt: submitted,
	})
	s.LogTaskFinished(&model.Outcome{
		TaskID:   "t1",
		Success:  true,
		PeerID:   "peer-a",
		Attempts: 2,
		Latency:  42 * time.Millisecond,
	})
	s.Close() // drain async writes before reading back

	var row model.TaskLog
	require.NoError(t, s.DB().First(&row, "task_id = ?", "t1").Error)
	assert.Equal(t, "req-1", row.Requester)
	assert.Equal(t, "hash", row.TaskType)
	assert.Equal(t, "s1", row.StreamID)
	assert.Equal(t, string(model.AssignmentCompleted), row.Status)
	assert.Equal(t, "peer-a", row.PeerID)
	assert.Equal(t, 2, row.Attempts)
	assert.Equal(t, int64(42), row.LatencyMs)
	require.NotNil(t, row.FinishedAt)
}

func TestTaskLogFailure(t *testing.T) {
	s := newTestStore(t)

	s.LogTaskCreated(&model.Task{ID: "t1", Requester: "req-1", Type: "hash", SubmittedAt: time.Now()})
	s.LogTaskFinished(&model.Outcome{
		TaskID:   "t1",
		Success:  false,
		Reason:   model.ReasonAttemptsExhausted,
		Attempts: 3,
	})
	s.Close()

	var row model.TaskLog
	require.NoError(t, s.DB().First(&row, "task_id = ?", "t1").Error)
	assert.Equal(t, string(model.AssignmentFailed), row.Status)
	assert.Equal(t, string(model.ReasonAttemptsExhausted), row.Reason)
	assert.Equal(t, 3, row.Attempts)
}

func TestPeerEvents(t *testing.T) {
	s := newTestStore(t)

	s.LogPeerEvent("peer-a", "suspect", "")
	s.LogPeerEvent("peer-a", "dead", "")
	s.LogPeerEvent("peer-b", "registered", "caps: cpu")
	s.Close()

	var events []model.PeerEvent
	require.NoError(t, s.DB().
		Where("peer_id = ?", "peer-a").
		Order("id asc").
		Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, "suspect", events[0].Event)
	assert.Equal(t, "dead", events[1].Event)
}
