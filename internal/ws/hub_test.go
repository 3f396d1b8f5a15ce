package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hivegrid/coordinator/internal/aggregator"
	"github.com/hivegrid/coordinator/internal/failover"
	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/hivegrid/coordinator/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) (*Hub, *failover.Engine, *aggregator.Aggregator, *registry.Registry) {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(log)
	sched := scheduler.New(reg, scheduler.Weights{Reputation: 1, Latency: 1, Load: 1}, 0.25, log)
	met := metrics.New(prometheus.NewRegistry())
	engine := failover.New(reg, sched, failover.Config{
		MaxAttempts:       3,
		SweepTick:         time.Hour,
		ReputationReward:  0.05,
		ReputationPenalty: 0.15,
	}, met, log)
	agg := aggregator.New(engine, nil, 8, met, log)
	engine.SetSink(agg)
	hub := NewHub(reg, agg, met, log)
	engine.SetDispatcher(hub)
	return hub, engine, agg, reg
}

// newFakeClient builds a client with a live send buffer and no socket;
// everything up to the write pump is exercised.
func newFakeClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, sendBufSize),
		log:  zap.NewNop(),
	}
}

func frame(t *testing.T, msgType model.MsgType, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(model.Envelope{Type: msgType, Payload: payload})
	require.NoError(t, err)
	return data
}

// nextFrame pops one queued outbound frame and decodes its payload.
func nextFrame(t *testing.T, c *Client, out interface{}) model.MsgType {
	t.Helper()
	var raw []byte
	select {
	case raw = <-c.send:
	default:
		t.Fatal("no outbound frame queued")
	}
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Payload, out))
	}
	return env.Type
}

func register(t *testing.T, c *Client, peerID string, caps model.CapabilitySet) {
	t.Helper()
	c.handleMessage(context.Background(),
		frame(t, model.MsgTypeRegisterPeer, model.RegisterPeer{PeerID: peerID, Capabilities: caps}))
}

func TestRegisterAttachesAndAcks(t *testing.T) {
	hub, _, _, reg := newTestHub(t)
	c := newFakeClient(hub)

	register(t, c, "peer-a", model.CapabilitySet{"cpu"})

	var ack model.RegistrationAck
	require.Equal(t, model.MsgTypeRegistrationAck, nextFrame(t, c, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.True(t, c.registered)
	assert.Equal(t, 1, hub.ClientCount())

	v, ok := reg.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, model.CapabilitySet{"cpu"}, v.Capabilities)
}

func TestRegisterWithoutPeerIDRejected(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	c := newFakeClient(hub)

	register(t, c, "", nil)

	var ack model.RegistrationAck
	require.Equal(t, model.MsgTypeRegistrationAck, nextFrame(t, c, &ack))
	assert.Equal(t, "error", ack.Status)
	assert.False(t, c.registered)
}

func TestConcurrentDuplicateRegistrationRejected(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	c1 := newFakeClient(hub)
	c2 := newFakeClient(hub)

	register(t, c1, "peer-a", nil)
	nextFrame(t, c1, nil)

	register(t, c2, "peer-a", nil)
	var ack model.RegistrationAck
	require.Equal(t, model.MsgTypeRegistrationAck, nextFrame(t, c2, &ack))
	assert.Equal(t, "error", ack.Status)
	assert.False(t, c2.registered)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestReconnectReattachesLiveRecord(t *testing.T) {
	hub, _, _, reg := newTestHub(t)
	c1 := newFakeClient(hub)
	register(t, c1, "peer-a", model.CapabilitySet{"cpu"})
	nextFrame(t, c1, nil)
	reg.AdjustReputation("peer-a", 0.2)

	// The socket drops but the record is still live.
	hub.detach(c1)
	require.Equal(t, 0, hub.ClientCount())

	c2 := newFakeClient(hub)
	register(t, c2, "peer-a", model.CapabilitySet{"cpu", "gpu"})
	var ack model.RegistrationAck
	require.Equal(t, model.MsgTypeRegistrationAck, nextFrame(t, c2, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, 1, hub.ClientCount())

	// The record survived the reconnect with its reputation intact and
	// the re-announced capability set, not the stale one.
	v, ok := reg.Get("peer-a")
	require.True(t, ok)
	assert.InDelta(t, 0.7, v.Reputation, 1e-9)
	assert.Equal(t, model.CapabilitySet{"cpu", "gpu"}, v.Capabilities)
}

func TestDetachKeepsNewerConnection(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	c1 := newFakeClient(hub)
	c1.PeerID = "peer-a"
	c2 := newFakeClient(hub)
	c2.PeerID = "peer-a"

	hub.attach(c1)
	hub.attach(c2)
	hub.detach(c1) // stale close must not evict the newer channel

	assert.True(t, hub.connected("peer-a"))
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	hub, _, _, reg := newTestHub(t)
	c := newFakeClient(hub)
	register(t, c, "peer-a", nil)
	nextFrame(t, c, nil)

	c.handleMessage(context.Background(),
		frame(t, model.MsgTypeHeartbeat, model.Heartbeat{PeerID: "peer-a", Load: 7}))

	v, _ := reg.Get("peer-a")
	assert.Equal(t, 7, v.Load)
}

func TestDispatchAssignmentWithoutChannel(t *testing.T) {
	hub, _, _, _ := newTestHub(t)

	err := hub.DispatchAssignment("ghost",
		&model.Task{ID: "t1", Type: "hash", Deadline: 30 * time.Second},
		&model.Assignment{TaskID: "t1", PeerID: "ghost", Attempt: 1})
	assert.Error(t, err)
}

func TestDispatchAssignmentDelivers(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	c := newFakeClient(hub)
	register(t, c, "peer-a", nil)
	nextFrame(t, c, nil)

	err := hub.DispatchAssignment("peer-a",
		&model.Task{ID: "t1", Type: "hash", PayloadRef: "blob://x", Deadline: 30 * time.Second},
		&model.Assignment{TaskID: "t1", PeerID: "peer-a", Attempt: 2})
	require.NoError(t, err)

	var ta model.TaskAssignment
	require.Equal(t, model.MsgTypeTaskAssignment, nextFrame(t, c, &ta))
	assert.Equal(t, "t1", ta.TaskID)
	assert.Equal(t, "hash", ta.TaskType)
	assert.Equal(t, "blob://x", ta.PayloadRef)
	assert.Equal(t, int64(30000), ta.DeadlineMs)
	assert.Equal(t, 2, ta.Attempt)
}

func TestRevokeAssignmentBestEffort(t *testing.T) {
	hub, _, _, _ := newTestHub(t)

	// Disconnected peer just misses the notice.
	assert.NotPanics(t, func() { hub.RevokeAssignment("ghost", "t1", "cancelled") })

	c := newFakeClient(hub)
	register(t, c, "peer-a", nil)
	nextFrame(t, c, nil)

	hub.RevokeAssignment("peer-a", "t1", "deadline expired")
	var rv model.TaskRevoked
	require.Equal(t, model.MsgTypeTaskRevoked, nextFrame(t, c, &rv))
	assert.Equal(t, "t1", rv.TaskID)
	assert.Equal(t, "deadline expired", rv.Reason)
}

func TestResultRoundTrip(t *testing.T) {
	hub, engine, agg, _ := newTestHub(t)
	c := newFakeClient(hub)
	register(t, c, "peer-a", nil)
	nextFrame(t, c, nil)

	outcomeCh := agg.Register("t1")
	require.NoError(t, engine.Submit(&model.Task{
		ID:          "t1",
		Type:        "hash",
		Deadline:    30 * time.Second,
		SubmittedAt: time.Now(),
	}))

	// The assignment frame reached the peer channel.
	var ta model.TaskAssignment
	require.Equal(t, model.MsgTypeTaskAssignment, nextFrame(t, c, &ta))
	require.Equal(t, "t1", ta.TaskID)

	c.handleMessage(context.Background(), frame(t, model.MsgTypeTaskResult, model.TaskResultReport{
		TaskID:  "t1",
		Success: true,
		Payload: "42",
		ExecMs:  12,
	}))

	select {
	case o := <-outcomeCh:
		assert.True(t, o.Success)
		assert.Equal(t, "42", o.Payload)
		assert.Equal(t, "peer-a", o.PeerID)
	default:
		t.Fatal("outcome never delivered")
	}
	assert.Equal(t, 0, engine.PendingCount())
}

func TestUnregisteredClientMessagesIgnored(t *testing.T) {
	hub, engine, _, _ := newTestHub(t)
	c := newFakeClient(hub)

	c.handleMessage(context.Background(),
		frame(t, model.MsgTypeHeartbeat, model.Heartbeat{Load: 1}))
	c.handleMessage(context.Background(),
		frame(t, model.MsgTypeTaskResult, model.TaskResultReport{TaskID: "t1", Success: true}))

	assert.Equal(t, 0, engine.PendingCount())
	select {
	case <-c.send:
		t.Fatal("unexpected reply to unregistered client")
	default:
	}
}

func TestMalformedMessageIgnored(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	c := newFakeClient(hub)

	assert.NotPanics(t, func() {
		c.handleMessage(context.Background(), []byte("{not json"))
		c.handleMessage(context.Background(), frame(t, "BOGUS_TYPE", nil))
	})
}
