package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hivegrid/coordinator/internal/model"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1 MB

	// Send buffer size
	sendBufSize = 256
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Client represents a single WebSocket connection from a peer. PeerID is
// empty until the REGISTER_PEER handshake succeeds.
type Client struct {
	PeerID     string
	registered bool

	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *zap.Logger
}

// NewClient wraps a WebSocket connection.
func NewClient(conn *websocket.Conn, hub *Hub, log *zap.Logger) *Client {
	return &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, sendBufSize),
		log:  log,
	}
}

// Run starts read and write pumps. Blocks until the connection closes.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx) // blocks
	if c.registered {
		c.hub.detach(c)
	}
}

// sendEnvelope queues a frame, dropping when the buffer is full.
func (c *Client) sendEnvelope(t model.MsgType, payload interface{}) {
	data, err := json.Marshal(model.Envelope{Type: t, Payload: payload})
	if err != nil {
		c.log.Error("marshal envelope", zap.String("type", string(t)), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping",
			zap.String("peer_id", c.PeerID), zap.String("type", string(t)))
	}
}

// ─────────────────────────────────────────────
// Read pump: Peer → Coordinator
// ─────────────────────────────────────────────

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("peer read error",
					zap.String("peer_id", c.PeerID), zap.Error(err))
			}
			return
		}
		c.handleMessage(ctx, message)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("invalid message", zap.String("peer_id", c.PeerID), zap.Error(err))
		return
	}

	switch env.Type {
	case model.MsgTypeRegisterPeer:
		var req model.RegisterPeer
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.log.Warn("bad REGISTER_PEER payload", zap.Error(err))
			return
		}
		if req.PeerID == "" {
			c.sendEnvelope(model.MsgTypeRegistrationAck,
				model.RegistrationAck{Status: "error", Error: "peer_id required"})
			return
		}
		c.hub.handleRegister(c, &req)

	case model.MsgTypeHeartbeat:
		if !c.registered {
			return
		}
		var hb model.Heartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			c.log.Warn("bad HEARTBEAT payload", zap.String("peer_id", c.PeerID), zap.Error(err))
			return
		}
		c.hub.handleHeartbeat(c, &hb)

	case model.MsgTypeTaskResult:
		if !c.registered {
			return
		}
		var rep model.TaskResultReport
		if err := json.Unmarshal(env.Payload, &rep); err != nil {
			c.log.Warn("bad TASK_RESULT payload", zap.String("peer_id", c.PeerID), zap.Error(err))
			return
		}
		c.hub.handleTaskResult(c, &rep)

	default:
		c.log.Warn("unknown message type",
			zap.String("peer_id", c.PeerID), zap.String("type", string(env.Type)))
	}
}

// ─────────────────────────────────────────────
// Write pump: Coordinator → Peer
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch queued messages into a single write if possible
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
