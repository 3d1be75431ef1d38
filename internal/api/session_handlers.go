// Package api exposes the session host over HTTP and WebSocket actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/sessionhost"
	"github.com/agentdeck/agentdeck/internal/storage"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

type SessionHandlers struct {
	host   *sessionhost.Host
	store  storage.Store
	logger *logger.Logger
}

func NewSessionHandlers(host *sessionhost.Host, store storage.Store, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		host:   host,
		store:  store,
		logger: log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterSessionRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, host *sessionhost.Host, store storage.Store, log *logger.Logger) {
	handlers := NewSessionHandlers(host, store, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *SessionHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/sessions", h.httpListSessions)
	api.POST("/sessions", h.httpCreateSession)
	api.GET("/sessions/:id", h.httpGetSession)
	api.DELETE("/sessions/:id", h.httpDeleteSession)
	api.POST("/sessions/:id/messages", h.httpSendMessage)
	api.PATCH("/sessions/:id/options", h.httpUpdateOptions)
	api.POST("/sessions/:id/environment/terminate", h.httpTerminateEnvironment)
	api.GET("/agent-profiles", h.httpListAgentProfiles)
}

func (h *SessionHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionSessionList, h.wsListSessions)
	dispatcher.RegisterFunc(ws.ActionSessionGet, h.wsGetSession)
	dispatcher.RegisterFunc(ws.ActionSessionCreate, h.wsCreateSession)
	dispatcher.RegisterFunc(ws.ActionSessionDelete, h.wsDeleteSession)
	dispatcher.RegisterFunc(ws.ActionSessionMessage, h.wsSendMessage)
	dispatcher.RegisterFunc(ws.ActionSessionOptions, h.wsUpdateOptions)
}

type listSessionsResponse struct {
	Sessions []sessionhost.SessionSummary `json:"sessions"`
	Total    int                          `json:"total"`
}

func (h *SessionHandlers) listSessions(ctx context.Context) (listSessionsResponse, error) {
	summaries, err := h.host.ListAllSessions(ctx)
	if err != nil {
		return listSessionsResponse{}, err
	}
	return listSessionsResponse{Sessions: summaries, Total: len(summaries)}, nil
}

type createSessionRequest struct {
	AgentProfileID string          `json:"agentProfileId"`
	Architecture   string          `json:"architecture"`
	Name           string          `json:"name,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
}

func (r *createSessionRequest) validate() string {
	if r.AgentProfileID == "" {
		return "agentProfileId is required"
	}
	if !conversation.Architecture(r.Architecture).Valid() {
		return "architecture must be one of: claude, opencode"
	}
	return ""
}

func (h *SessionHandlers) createSession(ctx context.Context, req createSessionRequest) (*session.AgentSession, error) {
	return h.host.CreateSession(ctx, session.CreateArgs{
		AgentProfileID: req.AgentProfileID,
		Architecture:   conversation.Architecture(req.Architecture),
		Name:           req.Name,
		Options:        req.Options,
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type successResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
}

// HTTP handlers

func (h *SessionHandlers) httpListSessions(c *gin.Context) {
	resp, err := h.listSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandlers) httpCreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if msg := body.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	s, err := h.createSession(c.Request.Context(), body)
	if err != nil {
		h.respondHTTPError(c, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, s.GetState())
}

func (h *SessionHandlers) httpGetSession(c *gin.Context) {
	s, err := h.host.LoadSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondHTTPError(c, err, "failed to load session")
		return
	}
	c.JSON(http.StatusOK, s.GetState())
}

func (h *SessionHandlers) httpDeleteSession(c *gin.Context) {
	if err := h.host.UnloadSession(c.Request.Context(), c.Param("id")); err != nil {
		h.respondHTTPError(c, err, "failed to unload session")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true, SessionID: c.Param("id")})
}

// httpSendMessage accepts the message and runs the agent turn in the
// background; progress streams over the session's WebSocket room.
func (h *SessionHandlers) httpSendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	id := c.Param("id")
	if _, err := h.host.LoadSession(c.Request.Context(), id); err != nil {
		h.respondHTTPError(c, err, "failed to load session")
		return
	}

	go func() {
		if err := h.host.SendMessage(context.Background(), id, body.Text); err != nil {
			h.logger.Error("message turn failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, successResponse{Success: true, SessionID: id})
}

func (h *SessionHandlers) httpUpdateOptions(c *gin.Context) {
	var body json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.host.UpdateSessionOptions(c.Request.Context(), c.Param("id"), body); err != nil {
		h.respondHTTPError(c, err, "failed to update options")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true, SessionID: c.Param("id")})
}

func (h *SessionHandlers) httpTerminateEnvironment(c *gin.Context) {
	if err := h.host.TerminateEnvironment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondHTTPError(c, err, "failed to terminate environment")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true, SessionID: c.Param("id")})
}

func (h *SessionHandlers) httpListAgentProfiles(c *gin.Context) {
	profiles, err := h.store.ListAgentProfiles(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list agent profiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agent profiles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "total": len(profiles)})
}

// respondHTTPError maps domain errors onto HTTP status codes.
func (h *SessionHandlers) respondHTTPError(c *gin.Context, err error, message string) {
	var notFound *session.NotFoundError
	if errors.As(err, &notFound) || errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var activation *session.ActivationError
	if errors.As(err, &activation) {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

// WS handlers

func (h *SessionHandlers) wsListSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	resp, err := h.listSessions(ctx)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list sessions", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

type wsSessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *SessionHandlers) wsGetSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsSessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	s, err := h.host.LoadSession(ctx, req.SessionID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, s.GetState())
}

func (h *SessionHandlers) wsCreateSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req createSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if m := req.validate(); m != "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, m, nil)
	}

	s, err := h.createSession(ctx, req)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to create session", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, s.GetState())
}

func (h *SessionHandlers) wsDeleteSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsSessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	if err := h.host.UnloadSession(ctx, req.SessionID); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, successResponse{Success: true, SessionID: req.SessionID})
}

type wsSendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (h *SessionHandlers) wsSendMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsSendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" || req.Text == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId and text are required", nil)
	}

	if _, err := h.host.LoadSession(ctx, req.SessionID); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
	}

	go func() {
		if err := h.host.SendMessage(context.Background(), req.SessionID, req.Text); err != nil {
			h.logger.Error("message turn failed",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}()

	return ws.NewResponse(msg.ID, msg.Action, successResponse{Success: true, SessionID: req.SessionID})
}

type wsUpdateOptionsRequest struct {
	SessionID string          `json:"sessionId"`
	Options   json.RawMessage `json:"options"`
}

func (h *SessionHandlers) wsUpdateOptions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsUpdateOptionsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	if err := h.host.UpdateSessionOptions(ctx, req.SessionID, req.Options); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, successResponse{Success: true, SessionID: req.SessionID})
}
