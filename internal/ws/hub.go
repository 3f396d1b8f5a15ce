package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hivegrid/coordinator/internal/aggregator"
	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"go.uber.org/zap"
)

// ─────────────────────────────────────────────
// Hub: manages all connected peer channels
// ─────────────────────────────────────────────

// Hub maintains the set of live peer connections and pushes assignments
// to specific peers. It satisfies the failover engine's Dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // peerID → Client

	reg *registry.Registry
	agg *aggregator.Aggregator
	met *metrics.Metrics
	log *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(reg *registry.Registry, agg *aggregator.Aggregator, met *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		reg:     reg,
		agg:     agg,
		met:     met,
		log:     log,
	}
}

// attach binds a registered peer's connection.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c.PeerID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.met.ConnectedPeers.Set(float64(n))
	h.log.Info("peer connected", zap.String("peer_id", c.PeerID), zap.Int("total", n))
}

// detach removes a connection; a newer connection under the same id is
// left alone.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.PeerID]; ok && cur == c {
		delete(h.clients, c.PeerID)
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.met.ConnectedPeers.Set(float64(n))
	h.log.Info("peer disconnected", zap.String("peer_id", c.PeerID), zap.Int("total", n))
}

// connected reports whether a live channel exists for the peer.
func (h *Hub) connected(peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[peerID]
	return ok
}

// ClientCount returns the number of connected peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DispatchAssignment pushes one attempt to the selected peer. An
// unreachable peer or a full send buffer is an error; the engine treats
// it as an immediate attempt failure and fails over.
func (h *Hub) DispatchAssignment(peerID string, task *model.Task, a *model.Assignment) error {
	h.mu.RLock()
	c, ok := h.clients[peerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s has no live channel", peerID)
	}

	data, err := json.Marshal(model.Envelope{
		Type: model.MsgTypeTaskAssignment,
		Payload: model.TaskAssignment{
			TaskID:     task.ID,
			TaskType:   task.Type,
			PayloadRef: task.PayloadRef,
			DeadlineMs: task.Deadline.Milliseconds(),
			Attempt:    a.Attempt,
			Required:   task.Constraints,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	select {
	case c.send <- data:
	default:
		return fmt.Errorf("send buffer full for peer %s", peerID)
	}
	h.log.Debug("assignment dispatched",
		zap.String("task_id", task.ID),
		zap.String("peer_id", peerID),
		zap.Int("attempt", a.Attempt))
	return nil
}

// RevokeAssignment tells a peer its attempt is no longer wanted. Best
// effort; a disconnected peer simply misses the notice.
func (h *Hub) RevokeAssignment(peerID, taskID, reason string) {
	h.mu.RLock()
	c, ok := h.clients[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(model.Envelope{
		Type:    model.MsgTypeTaskRevoked,
		Payload: model.TaskRevoked{TaskID: taskID, Reason: reason},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("send buffer full, revoke dropped",
			zap.String("peer_id", peerID), zap.String("task_id", taskID))
	}
}

// ─────────────────────────────────────────────
// Peer message handling
// ─────────────────────────────────────────────

// handleRegister processes the REGISTER_PEER message that opens a peer
// channel. A reconnect under an id whose record is still live reattaches
// to the existing record; a second concurrent channel for the same id is
// a true duplicate and is rejected.
func (h *Hub) handleRegister(c *Client, req *model.RegisterPeer) {
	ack := model.RegistrationAck{Status: "ok"}

	err := h.reg.Register(req.PeerID, req.Capabilities)
	switch {
	case err == nil:
	case err == registry.ErrDuplicateRegistration && !h.connected(req.PeerID):
		// Transient reconnect: keep the record, rebind the channel, and
		// take the re-announced capability set.
		if raErr := h.reg.Reattach(req.PeerID, req.Capabilities); raErr != nil {
			ack = model.RegistrationAck{Status: "error", Error: raErr.Error()}
		}
	default:
		ack = model.RegistrationAck{Status: "error", Error: err.Error()}
	}

	if ack.Status == "ok" {
		c.PeerID = req.PeerID
		c.registered = true
		h.attach(c)
	} else {
		h.log.Warn("registration rejected",
			zap.String("peer_id", req.PeerID), zap.String("error", ack.Error))
	}
	c.sendEnvelope(model.MsgTypeRegistrationAck, ack)
}

// handleHeartbeat refreshes liveness and load for a registered peer.
func (h *Hub) handleHeartbeat(c *Client, hb *model.Heartbeat) {
	if err := h.reg.RecordHeartbeat(c.PeerID, hb.Load); err != nil {
		h.log.Warn("heartbeat from unknown peer", zap.String("peer_id", c.PeerID))
		c.sendEnvelope(model.MsgTypeError, model.ErrorMsg{Message: err.Error()})
	}
}

// handleTaskResult forwards a peer's report to the aggregator. Stale
// results come back as errors and end here; the peer gets no retry
// signal for work nobody wants.
func (h *Hub) handleTaskResult(c *Client, rep *model.TaskResultReport) {
	h.log.Info("result received",
		zap.String("task_id", rep.TaskID),
		zap.String("peer_id", c.PeerID),
		zap.Bool("success", rep.Success))

	latency := msToDuration(rep.ExecMs)
	if err := h.agg.AcceptResult(c.PeerID, rep.TaskID, rep.Payload, latency, rep.Success, rep.Error); err != nil {
		h.log.Debug("result not applied",
			zap.String("task_id", rep.TaskID), zap.Error(err))
	}
}
