package scheduler

import (
	"testing"
	"time"

	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultWeights() Weights {
	return Weights{Reputation: 1.0, Latency: 1.0, Load: 1.0}
}

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	return New(reg, defaultWeights(), 0.25, zap.NewNop()), reg
}

func task(id string, constraints model.CapabilitySet) *model.Task {
	return &model.Task{
		ID:          id,
		Type:        "hash",
		Constraints: constraints,
		Deadline:    30 * time.Second,
	}
}

func TestAssignPrefersReputationOverLatency(t *testing.T) {
	s, reg := newTestScheduler(t)

	// A: reputation 0.9, latency 10ms. B: reputation 0.5, latency 50ms.
	require.NoError(t, reg.Register("peer-a", nil))
	reg.AdjustReputation("peer-a", 0.4)
	reg.ObserveLatency("peer-a", 10*time.Millisecond)

	require.NoError(t, reg.Register("peer-b", nil))
	reg.ObserveLatency("peer-b", 50*time.Millisecond)

	a, err := s.Assign(task("t1", nil), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", a.PeerID)
	assert.Equal(t, 1, a.Attempt)
	assert.Equal(t, model.AssignmentPending, a.State)

	// The winner's load went up inside the same lock.
	v, _ := reg.Get("peer-a")
	assert.Equal(t, 1, v.Load)
}

func TestAssignStampsAttemptDeadline(t *testing.T) {
	s, reg := newTestScheduler(t)
	require.NoError(t, reg.Register("peer-a", nil))

	before := time.Now()
	a, err := s.Assign(task("t1", nil), 1, nil)
	require.NoError(t, err)

	assert.False(t, a.Deadline.Before(before.Add(30*time.Second)))
	assert.False(t, a.IssuedAt.Before(before))
}

func TestAssignFiltersByCapability(t *testing.T) {
	s, reg := newTestScheduler(t)
	require.NoError(t, reg.Register("cpu-only", model.CapabilitySet{"cpu"}))
	require.NoError(t, reg.Register("gpu-box", model.CapabilitySet{"cpu", "gpu"}))

	a, err := s.Assign(task("t1", model.CapabilitySet{"gpu"}), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpu-box", a.PeerID)
}

func TestAssignExcludesFailedPeer(t *testing.T) {
	s, reg := newTestScheduler(t)

	// peer-a would win on reputation, but is excluded this attempt.
	require.NoError(t, reg.Register("peer-a", nil))
	reg.AdjustReputation("peer-a", 0.4)
	require.NoError(t, reg.Register("peer-b", nil))

	a, err := s.Assign(task("t1", nil), 2, map[string]struct{}{"peer-a": {}})
	require.NoError(t, err)
	assert.Equal(t, "peer-b", a.PeerID)
}

func TestAssignNoEligiblePeer(t *testing.T) {
	s, reg := newTestScheduler(t)

	_, err := s.Assign(task("t1", nil), 1, nil)
	assert.ErrorIs(t, err, ErrNoEligiblePeer)

	require.NoError(t, reg.Register("cpu-only", model.CapabilitySet{"cpu"}))
	_, err = s.Assign(task("t2", model.CapabilitySet{"gpu"}), 1, nil)
	assert.ErrorIs(t, err, ErrNoEligiblePeer)
}

func TestAssignTieBreaksByLoadThenID(t *testing.T) {
	s, reg := newTestScheduler(t)
	require.NoError(t, reg.Register("peer-b", nil))
	require.NoError(t, reg.Register("peer-a", nil))

	// Identical records tie on score and load; lowest id wins.
	a, err := s.Assign(task("t1", nil), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", a.PeerID)

	// peer-a now carries load 1, so the next assignment goes to peer-b.
	a, err = s.Assign(task("t2", nil), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "peer-b", a.PeerID)
}

func TestSuspectPeerLosesToHealthyPeer(t *testing.T) {
	s, reg := newTestScheduler(t)
	require.NoError(t, reg.Register("shaky", nil))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, reg.Register("steady", nil))

	// Only "shaky" has aged past the suspect threshold.
	suspect, _ := reg.Sweep(time.Now(), 10*time.Millisecond, time.Hour)
	require.Equal(t, []string{"shaky"}, suspect)

	a, err := s.Assign(task("t1", nil), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "steady", a.PeerID)

	// With the healthy peer gone, the SUSPECT one still gets work.
	require.NoError(t, reg.Unregister("steady"))
	a, err = s.Assign(task("t2", nil), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "shaky", a.PeerID)
}
