package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"encounterCollab/backend/internal/httpapi/middleware"
)

// 允许本地开发环境与配置中的来源
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := append([]string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}, allowedOrigins...)
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowed {
			if p != "" && strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
}

type Manager struct {
	handler  *Handler
	upgrader websocket.Upgrader
	connOpts ConnOptions
	logger   *zap.Logger
}

func NewManager(handler *Handler, connOpts ConnOptions, allowedOrigins []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		handler:  handler,
		upgrader: newUpgrader(allowedOrigins),
		connOpts: connOpts,
		logger:   logger,
	}
}

// WebSocketConnect 升级为 websocket 并阻塞在读循环上。
// 鉴权中间件已把 Principal 写入 gin.Context；?connectionId= 允许客户端重连时沿用旧 ID，
// 旧连接会被强制断开。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing principal"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Info("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}

	wsConn := NewConn(strings.TrimSpace(c.Query("connectionId")), conn, p, m.connOpts, m.logger)
	m.logger.Debug("connection opened", zap.String("conn", wsConn.ID()), zap.String("user", p.UserID))

	// 欢迎消息带上连接 ID，客户端重连时回传
	_ = wsConn.Enqueue(newOutbound("welcome", "", gin.H{"connectionId": wsConn.ID()}))
	m.handler.Serve(c.Request.Context(), wsConn)
}
