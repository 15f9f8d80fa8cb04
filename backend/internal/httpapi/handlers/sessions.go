package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"encounterCollab/backend/internal/cache"
	"encounterCollab/backend/internal/collab"
	"encounterCollab/backend/internal/httpapi/middleware"
	"encounterCollab/backend/internal/ws"
)

// SessionHandler 会话的 REST 出口：状态导出、变更历史、在线成员、定稿
type SessionHandler struct {
	sessions *collab.SessionRegistry
	hub      *ws.Hub
	presence cache.PresenceCache
	sink     collab.FinalizationSink
	logger   *zap.Logger
}

// NewSessionHandler presence 与 sink 可以为 nil
func NewSessionHandler(sessions *collab.SessionRegistry, hub *ws.Hub, presence cache.PresenceCache, sink collab.FinalizationSink, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, hub: hub, presence: presence, sink: sink, logger: logger}
}

// Register 挂到已带鉴权中间件的路由组上
func (h *SessionHandler) Register(g *gin.RouterGroup) {
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:resourceId", h.GetState)
	g.GET("/sessions/:resourceId/history", h.GetHistory)
	g.GET("/sessions/:resourceId/presence", h.GetPresence)
	g.POST("/sessions/:resourceId/finalize", h.Finalize)
}

type sessionSummary struct {
	ResourceID  string `json:"resourceId"`
	Connections int    `json:"connections"`
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	ids := h.sessions.ResourceIDs()
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		n := 0
		if h.hub != nil {
			n = h.hub.ConnectionCount(id)
		}
		out = append(out, sessionSummary{ResourceID: id, Connections: n})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) GetState(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	snap, err := h.sessions.GetState(c.Request.Context(), c.Param("resourceId"), p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *SessionHandler) GetHistory(c *gin.Context) {
	records, err := h.sessions.History(c.Request.Context(), c.Param("resourceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []collab.ChangeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"resourceId": c.Param("resourceId"), "history": records})
}

type presenceEntry struct {
	cache.PresenceMember
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// GetPresence 以 redis 镜像为准；未配置 redis 时退回本进程会话的参与者列表
func (h *SessionHandler) GetPresence(c *gin.Context) {
	resourceID := c.Param("resourceId")
	ctx := c.Request.Context()

	if h.presence == nil {
		snap, err := h.sessions.GetState(ctx, resourceID, "")
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"resourceId": resourceID, "members": snap.Participants, "cursors": snap.Cursors})
		return
	}

	members, err := h.presence.GetAliveMembers(ctx, resourceID)
	if err != nil {
		h.logger.Warn("presence lookup failed", zap.String("resource", resourceID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "INTERNAL", "message": "presence unavailable"})
		return
	}
	out := make([]presenceEntry, 0, len(members))
	for _, m := range members {
		entry := presenceEntry{PresenceMember: m}
		if raw, err := h.presence.GetCursor(ctx, resourceID, m.UserID); err == nil && len(raw) > 0 {
			entry.Cursor = raw
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"resourceId": resourceID, "members": out})
}

type finalizeResult struct {
	ResourceID string `json:"resourceId"`
	SessionID  string `json:"sessionId"`
	Version    uint64 `json:"version"`
}

// Finalize 只有参与者可以定稿；同一版本重复定稿返回成功
func (h *SessionHandler) Finalize(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if h.sink == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "INTERNAL", "message": "finalization sink not configured"})
		return
	}
	resourceID := c.Param("resourceId")
	res, err := h.finalize(c.Request.Context(), resourceID, p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("session finalized", zap.String("resource", resourceID), zap.Uint64("version", res.Version), zap.String("user", p.UserID))
	c.JSON(http.StatusOK, res)
}

func (h *SessionHandler) finalize(ctx context.Context, resourceID, userID string) (finalizeResult, error) {
	snap, err := h.sessions.GetState(ctx, resourceID, userID)
	if err != nil {
		return finalizeResult{}, err
	}
	if !isParticipant(snap, userID) {
		return finalizeResult{}, collab.ErrNotParticipant
	}
	if err := h.sink.Save(ctx, snap); err != nil {
		return finalizeResult{}, err
	}
	return finalizeResult{ResourceID: resourceID, SessionID: snap.SessionID, Version: snap.Version}, nil
}

func isParticipant(snap collab.SessionSnapshot, userID string) bool {
	for _, p := range snap.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func principal(c *gin.Context) (collab.Principal, bool) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "unauthorized"})
	}
	return p, ok
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrUnknownResource):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, collab.ErrInvalidOperation):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": ws.ErrorCode(err), "message": err.Error()})
}
