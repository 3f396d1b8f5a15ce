package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hivegrid/coordinator/internal/aggregator"
	appctx "github.com/hivegrid/coordinator/internal/context"
	"github.com/hivegrid/coordinator/internal/failover"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/hivegrid/coordinator/internal/service"
	"github.com/hivegrid/coordinator/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	svc      *service.BrokerService
	hub      *ws.Hub
	agg      *aggregator.Aggregator
	reg      *registry.Registry
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(svc *service.BrokerService, hub *ws.Hub, agg *aggregator.Aggregator, reg *registry.Registry, log *zap.Logger) *Handler {
	return &Handler{
		svc: svc,
		hub: hub,
		agg: agg,
		reg: reg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// ── Public endpoints ──
	r.GET("/api/v1/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ── WebSocket channels ──
	r.GET("/ws", h.PeerSocket)
	r.GET("/ws/requester", h.RequesterSocket)

	// ── Requester business endpoints ──
	api := r.Group("/api/v1")
	{
		api.POST("/tasks", h.SubmitTask)
		api.GET("/tasks/:id", h.TaskStatus)
		api.DELETE("/tasks/:id", h.CancelTask)
		api.GET("/peers", h.Peers)
	}
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks
// ─────────────────────────────────────────────

// SubmitTask brokers one task and blocks until its outcome or the wait
// timeout. Terminal failures come back as 200 with status=failed and a
// reason; the transport succeeded, the task did not.
func (h *Handler) SubmitTask(c *gin.Context) {
	var req model.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requester := appctx.GetRequesterID(c)

	resp, err := h.svc.Submit(c.Request.Context(), requester, &req)
	if err != nil {
		if service.IsBackpressure(err) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, failover.ErrDuplicateTask) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks/:id
// ─────────────────────────────────────────────

func (h *Handler) TaskStatus(c *gin.Context) {
	st, ok := h.svc.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or already finished"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ─────────────────────────────────────────────
// DELETE /api/v1/tasks/:id
// ─────────────────────────────────────────────

func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := h.svc.Cancel(taskID); err != nil {
		if errors.Is(err, service.ErrUnknownTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found or already finished"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "cancelled"})
}

// ─────────────────────────────────────────────
// GET /api/v1/peers
// ─────────────────────────────────────────────

// Peers exposes the registry for operational visibility.
func (h *Handler) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peers":     h.reg.Snapshot(),
		"connected": h.hub.ClientCount(),
	})
}

// ─────────────────────────────────────────────
// GET /ws  (peer channel)
// ─────────────────────────────────────────────

// PeerSocket upgrades the connection. Identity and capabilities arrive
// in the REGISTER_PEER frame, not the upgrade request.
func (h *Handler) PeerSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	client := ws.NewClient(conn, h.hub, h.log)
	client.Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /ws/requester  (ordered stream channel)
// ─────────────────────────────────────────────

func (h *Handler) RequesterSocket(c *gin.Context) {
	streamID := c.Query("stream_id")
	if streamID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream_id query parameter required"})
		return
	}
	requester := appctx.GetRequesterID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	client := ws.NewRequesterClient(streamID, requester, conn, h.svc, h.agg, h.log)
	client.Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic coordinator health info.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"connected_peers": h.hub.ClientCount(),
		"registered":      h.reg.Count(),
	})
}
