// Package api is the hub's control surface: session lifecycle, message
// admission, aborts and permission resolution over HTTP, plus a websocket
// relay of each session's outbound event stream.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/common/errors"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/events/bus"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session/loop"
	"github.com/happyhq/hub/internal/session/store"
)

// Handler contains the HTTP handlers for the session API.
type Handler struct {
	manager  *loop.Manager
	store    store.Store
	bus      bus.EventBus
	registry *rpc.Registry
	logger   *logger.Logger
}

func NewHandler(manager *loop.Manager, st store.Store, eventBus bus.EventBus, registry *rpc.Registry, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		store:    st,
		bus:      eventBus,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// SpawnSession starts a new session.
// POST /api/v1/sessions
func (h *Handler) SpawnSession(c *gin.Context) {
	var req SpawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	id, err := h.manager.Spawn(c.Request.Context(), req.Directory, req.Prompt, req.StartLocal)
	if err != nil {
		h.logger.Error("failed to spawn session", zap.Error(err))
		appErr := errors.Wrap(err, "failed to spawn session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, SpawnSessionResponse{SessionID: id})
}

// ListSessions returns the live session ids.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	ids := h.manager.List()
	c.JSON(http.StatusOK, SessionListResponse{Sessions: ids, Total: len(ids)})
}

// GetSession returns the persisted session record.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := h.store.GetOrCreateSession(c.Request.Context(), id)
	if err != nil {
		appErr := errors.Wrap(err, "failed to load session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetMessages pages through a session's message log, newest first.
// GET /api/v1/sessions/:sessionId/messages?limit=&beforeSeq=
func (h *Handler) GetMessages(c *gin.Context) {
	id := c.Param("sessionId")

	limit := store.MaxMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			appErr := errors.ValidationError("limit", "must be a positive integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}
	var beforeSeq int64
	if raw := c.Query("beforeSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			appErr := errors.ValidationError("beforeSeq", "must be an integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		beforeSeq = n
	}

	msgs, err := h.store.GetMessages(c.Request.Context(), id, limit, beforeSeq)
	if err != nil {
		appErr := errors.Wrap(err, "failed to load messages")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		var content any
		_ = json.Unmarshal(m.Content, &content)
		out = append(out, MessageResponse{
			ID:        m.ID,
			Seq:       m.Seq,
			LocalID:   m.LocalID,
			Content:   content,
			CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "total": len(out)})
}

// EnqueueMessage admits a user message.
// POST /api/v1/sessions/:sessionId/messages
func (h *Handler) EnqueueMessage(c *gin.Context) {
	id := c.Param("sessionId")
	l, ok := h.manager.Get(id)
	if !ok {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req EnqueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msg, err := l.EnqueueUserMessage(c.Request.Context(), req.LocalID, req.Text)
	if err != nil {
		appErr := errors.Wrap(err, "failed to enqueue message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if msg == nil {
		c.JSON(http.StatusAccepted, EnqueueMessageResponse{Isolated: true})
		return
	}
	c.JSON(http.StatusAccepted, EnqueueMessageResponse{MessageID: msg.ID, Seq: msg.Seq})
}

// AbortSession cancels the in-flight turn.
// POST /api/v1/sessions/:sessionId/abort
func (h *Handler) AbortSession(c *gin.Context) {
	id := c.Param("sessionId")
	l, ok := h.manager.Get(id)
	if !ok {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := l.Abort(c.Request.Context()); err != nil {
		appErr := errors.Wrap(err, "abort failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "aborted"})
}

// SwitchSession hands the session to the other launcher.
// POST /api/v1/sessions/:sessionId/switch
func (h *Handler) SwitchSession(c *gin.Context) {
	id := c.Param("sessionId")
	l, ok := h.manager.Get(id)
	if !ok {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := l.RequestSwitch(c.Request.Context()); err != nil {
		appErr := errors.Wrap(err, "switch failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "switch requested"})
}

// ResolvePermission answers a pending approval.
// POST /api/v1/sessions/:sessionId/permission
func (h *Handler) ResolvePermission(c *gin.Context) {
	id := c.Param("sessionId")
	l, ok := h.manager.Get(id)
	if !ok {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if !l.ResolvePermission(req.ID, req.Approved, permission.Decision(req.Decision), req.Reason, req.Answers) {
		appErr := errors.NotFound("permission request", req.ID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "resolved"})
}

// SetSessionConfig changes a session's mode triple through the registry.
// POST /api/v1/sessions/:sessionId/config
func (h *Handler) SetSessionConfig(c *gin.Context) {
	id := c.Param("sessionId")

	var req SessionConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	params, _ := json.Marshal(req)
	result, err := h.registry.Call(c.Request.Context(), id, rpc.MethodSetSessionConfig, params)
	if err != nil {
		appErr := errors.Wrap(err, "config update failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, result)
}

// KillSession terminates a live session.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) KillSession(c *gin.Context) {
	id := c.Param("sessionId")
	if err := h.manager.Kill(c.Request.Context(), id); err != nil {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "killed"})
}
