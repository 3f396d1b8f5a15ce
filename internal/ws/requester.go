package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hivegrid/coordinator/internal/aggregator"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/service"
	"go.uber.org/zap"
)

// RequesterClient is one requester's stream channel: TASK_REQUEST frames
// in, outcomes out in strict submission order. Ordering is enforced by
// the aggregator's reorder buffer; this client only drains it.
type RequesterClient struct {
	StreamID  string
	Requester string

	conn *websocket.Conn
	svc  *service.BrokerService
	agg  *aggregator.Aggregator
	send chan []byte
	log  *zap.Logger
}

func NewRequesterClient(streamID, requester string, conn *websocket.Conn, svc *service.BrokerService, agg *aggregator.Aggregator, log *zap.Logger) *RequesterClient {
	return &RequesterClient{
		StreamID:  streamID,
		Requester: requester,
		conn:      conn,
		svc:       svc,
		agg:       agg,
		send:      make(chan []byte, sendBufSize),
		log:       log,
	}
}

// Run subscribes to the stream and pumps until the connection closes.
func (c *RequesterClient) Run(ctx context.Context) {
	outcomes := c.agg.Subscribe(c.StreamID)
	defer c.agg.Unsubscribe(c.StreamID, outcomes)

	go c.writePump(outcomes)
	c.readPump(ctx) // blocks
}

// ─────────────────────────────────────────────
// Read pump: Requester → Coordinator
// ─────────────────────────────────────────────

func (c *RequesterClient) readPump(ctx context.Context) {
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
				c.log.Warn("requester read error",
					zap.String("stream_id", c.StreamID), zap.Error(err))
			}
			return
		}
		c.handleMessage(ctx, message)
	}
}

func (c *RequesterClient) handleMessage(ctx context.Context, raw []byte) {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("invalid message", zap.String("stream_id", c.StreamID), zap.Error(err))
		return
	}

	switch env.Type {
	case model.MsgTypeTaskRequest:
		var req model.TaskRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.log.Warn("bad TASK_REQUEST payload", zap.Error(err))
			return
		}
		sub := &model.SubmitTaskRequest{
			TaskID:      req.TaskID,
			TaskType:    req.TaskType,
			PayloadRef:  req.PayloadRef,
			DeadlineMs:  req.DeadlineMs,
			Constraints: req.Constraints,
			StreamID:    c.StreamID,
		}
		if _, err := c.svc.SubmitAsync(ctx, c.Requester, sub); err != nil {
			// Backpressure and validation errors go straight back; the
			// requester must drain before submitting more.
			c.sendError(err.Error())
		}

	default:
		c.log.Warn("unknown message type",
			zap.String("stream_id", c.StreamID), zap.String("type", string(env.Type)))
	}
}

func (c *RequesterClient) sendError(msg string) {
	data, err := json.Marshal(model.Envelope{
		Type:    model.MsgTypeError,
		Payload: model.ErrorMsg{Message: msg},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ─────────────────────────────────────────────
// Write pump: Coordinator → Requester (ordered)
// ─────────────────────────────────────────────

func (c *RequesterClient) writePump(outcomes <-chan *model.Outcome) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			t := model.MsgTypeTaskCompleted
			if !o.Success {
				t = model.MsgTypeTaskFailed
			}
			data, err := json.Marshal(model.Envelope{Type: t, Payload: o})
			if err != nil {
				c.log.Error("marshal outcome", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
