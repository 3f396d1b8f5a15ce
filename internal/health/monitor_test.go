package health

import (
	"testing"
	"time"

	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		Tick:         5 * time.Second,
		SuspectAfter: 30 * time.Second,
		DeadAfter:    90 * time.Second,
		EvictAfter:   5 * time.Minute,
	}
}

func TestTickTransitions(t *testing.T) {
	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register("peer-1", nil))
	base := time.Now()

	var deaths []string
	var events []string
	m := New(reg, testConfig(),
		func(id string) { deaths = append(deaths, id) },
		func(id, event string) { events = append(events, id+":"+event) },
		zap.NewNop())

	// Fresh heartbeat, nothing happens.
	m.Tick(base.Add(10 * time.Second))
	assert.Empty(t, events)

	m.Tick(base.Add(45 * time.Second))
	assert.Equal(t, []string{"peer-1:suspect"}, events)
	assert.Empty(t, deaths)

	m.Tick(base.Add(2 * time.Minute))
	assert.Equal(t, []string{"peer-1:suspect", "peer-1:dead"}, events)
	assert.Equal(t, []string{"peer-1"}, deaths)

	// The dead callback fires once, not on every later tick.
	m.Tick(base.Add(3 * time.Minute))
	assert.Len(t, deaths, 1)

	m.Tick(base.Add(10 * time.Minute))
	assert.Contains(t, events, "peer-1:evicted")
	_, ok := reg.Get("peer-1")
	assert.False(t, ok)
}

func TestTickSkipsRecoveredPeer(t *testing.T) {
	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register("peer-1", nil))
	base := time.Now()

	var events []string
	m := New(reg, testConfig(),
		func(string) {},
		func(id, event string) { events = append(events, event) },
		zap.NewNop())

	m.Tick(base.Add(45 * time.Second))
	require.Equal(t, []string{"suspect"}, events)

	// Heartbeat arrives; the peer recovers and can go suspect again.
	require.NoError(t, reg.RecordHeartbeat("peer-1", 0))
	m.Tick(time.Now().Add(10 * time.Second))
	assert.Equal(t, []string{"suspect"}, events)

	m.Tick(time.Now().Add(45 * time.Second))
	assert.Equal(t, []string{"suspect", "suspect"}, events)
}

func TestNilEventCallbackTolerated(t *testing.T) {
	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register("peer-1", nil))

	m := New(reg, testConfig(), func(string) {}, nil, zap.NewNop())
	assert.NotPanics(t, func() { m.Tick(time.Now().Add(time.Minute)) })
}
