package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"encounterCollab/backend/internal/cache"
	"encounterCollab/backend/internal/collab"
)

type HandlerOptions struct {
	Presence       cache.PresenceCache
	PresenceTTL    time.Duration
	MaxInflightOps int64
	// 等待入场许可的上限
	AdmissionTimeout time.Duration
	Logger           *zap.Logger
}

// Handler 把连接上的入站消息路由到对应资源的会话，并把结果回给发送者
type Handler struct {
	hub       *Hub
	sessions  *collab.SessionRegistry
	presence  cache.PresenceCache
	ttl       time.Duration
	admission *semaphore.Weighted
	admitWait time.Duration
	logger    *zap.Logger
}

func NewHandler(hub *Hub, sessions *collab.SessionRegistry, opt HandlerOptions) *Handler {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 600 * time.Second
	}
	if opt.MaxInflightOps <= 0 {
		opt.MaxInflightOps = 100
	}
	if opt.AdmissionTimeout <= 0 {
		opt.AdmissionTimeout = 200 * time.Millisecond
	}
	return &Handler{
		hub:       hub,
		sessions:  sessions,
		presence:  opt.Presence,
		ttl:       opt.PresenceTTL,
		admission: semaphore.NewWeighted(opt.MaxInflightOps),
		admitWait: opt.AdmissionTimeout,
		logger:    opt.Logger,
	}
}

// Serve 启动写循环并阻塞在读循环上，直到连接关闭。
// 传输层关闭等同于隐式离开：释放锁、移除参与者。
func (h *Handler) Serve(ctx context.Context, c *Conn) {
	go c.writeLoop()
	defer h.teardown(c)

	for {
		var env Envelope
		if err := c.transport.ReadJSON(&env); err != nil {
			select {
			case <-c.Done():
			default:
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.touch()
		h.Dispatch(ctx, c, env)
	}
}

// Disconnect 按连接 ID 断开并执行隐式离开
func (h *Handler) Disconnect(ctx context.Context, connID string) bool {
	res, ok := h.hub.Disconnect(connID)
	if !ok {
		return false
	}
	res.Conn.Close()
	h.afterDisconnect(ctx, res)
	return true
}

func (h *Handler) teardown(c *Conn) {
	c.Close()
	res, ok := h.hub.Unregister(c)
	if !ok {
		return
	}
	// 请求上下文此时可能已取消，清理使用独立的超时
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.afterDisconnect(ctx, res)
}

func (h *Handler) afterDisconnect(ctx context.Context, res DisconnectResult) {
	if res.ResourceID == "" {
		return
	}
	if res.LastForUser {
		if _, err := h.sessions.Leave(ctx, res.ResourceID, res.UserID); err != nil {
			h.logger.Warn("implicit leave failed", zap.String("resource", res.ResourceID), zap.String("user", res.UserID), zap.Error(err))
		}
		h.presenceRemove(ctx, res.ResourceID, res.UserID)
	}
	if res.LastForResource {
		if _, err := h.sessions.CloseIfIdle(ctx, res.ResourceID); err != nil {
			h.logger.Warn("session teardown failed", zap.String("resource", res.ResourceID), zap.Error(err))
		}
	}
}

// Dispatch 处理单条入站消息；任何错误都只回给发送者，连接保持打开
func (h *Handler) Dispatch(ctx context.Context, c *Conn, env Envelope) {
	var err error
	switch env.Type {
	case TypeJoin:
		err = h.handleJoin(ctx, c, env)
	case TypeLeave:
		err = h.handleLeave(ctx, c, env)
	case TypeOperation:
		err = h.handleOperation(ctx, c, env)
	case TypeCursorMove:
		err = h.handleCursorMove(ctx, c, env)
	case TypeLockAcquire:
		err = h.handleLockAcquire(ctx, c, env)
	case TypeLockRelease:
		err = h.handleLockRelease(ctx, c, env)
	case TypeGetState:
		err = h.handleGetState(ctx, c, env)
	case TypeSync:
		err = h.handleSync(ctx, c, env)
	case TypeHeartbeat:
		err = h.handleHeartbeat(ctx, c, env)
	default:
		err = fmt.Errorf("%w: unknown message type %q", errBadRequest, env.Type)
	}
	if err != nil {
		h.reply(c, newOutbound(TypeError, env.ResourceID, errorPayload(env.Type, err)))
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *Conn, env Envelope) error {
	if env.ResourceID == "" {
		return fmt.Errorf("%w: resourceId is required", errBadRequest)
	}
	var p JoinPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}

	prior, moved, err := h.hub.Connect(c, env.ResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if prior != nil {
		h.afterDisconnect(ctx, *prior)
	}
	if moved != nil {
		// 切换资源：先离开旧房间
		h.afterDisconnect(ctx, *moved)
	}

	snap, err := h.sessions.StartOrJoin(ctx, env.ResourceID, c.principal, p.InitialSnapshot)
	if err != nil {
		if res, ok := h.hub.Unregister(c); ok && res.LastForResource {
			// 没有其他连接时不留空会话
			_, _ = h.sessions.CloseIfIdle(ctx, res.ResourceID)
		}
		c.setResourceID("")
		return err
	}
	h.presenceAdd(ctx, env.ResourceID, c.principal)
	h.reply(c, newOutbound(TypeSessionState, env.ResourceID, snap))
	return nil
}

func (h *Handler) handleLeave(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	res, ok := h.hub.Unregister(c)
	c.setResourceID("")
	if _, err := h.sessions.Leave(ctx, resourceID, c.principal.UserID); err != nil {
		return err
	}
	h.presenceRemove(ctx, resourceID, c.principal.UserID)
	if ok && res.LastForResource {
		_, err := h.sessions.CloseIfIdle(ctx, resourceID)
		return err
	}
	return nil
}

func (h *Handler) handleOperation(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	var p OperationPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}

	admitCtx, cancel := context.WithTimeout(ctx, h.admitWait)
	defer cancel()
	if err := h.admission.Acquire(admitCtx, 1); err != nil {
		return errBusy
	}
	defer h.admission.Release(1)

	op := collab.Operation{Section: p.Section, Field: p.Field, Value: p.Value, BaseVersion: p.BaseVersion}
	applied, err := h.sessions.ApplyOperation(ctx, resourceID, h.caller(c), op)
	if err != nil {
		return err
	}
	h.reply(c, newOutbound(TypeOperationAck, resourceID, OperationAckPayload{
		OperationID: applied.OperationID,
		Operation:   applied.Operation,
		Version:     applied.ResultingVersion,
	}))
	return nil
}

func (h *Handler) handleCursorMove(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	var p CursorMovePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	cursor, err := h.sessions.UpdateCursor(ctx, resourceID, h.caller(c), collab.CursorInfo{
		Section:        p.Section,
		Position:       p.Position,
		SelectionStart: p.SelectionStart,
		SelectionEnd:   p.SelectionEnd,
	})
	if err != nil {
		return err
	}
	if h.presence != nil {
		if b, err := json.Marshal(cursor); err == nil {
			if err := h.presence.SetCursor(ctx, resourceID, cursor.UserID, b, h.ttl); err != nil {
				h.logger.Debug("presence cursor mirror failed", zap.String("resource", resourceID), zap.Error(err))
			}
		}
	}
	return nil
}

func (h *Handler) handleLockAcquire(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	var p LockPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if p.Section == "" {
		return fmt.Errorf("%w: section is required", errBadRequest)
	}
	lock, ok, err := h.sessions.AcquireLock(ctx, resourceID, h.caller(c), p.Section, p.LockType)
	if err != nil {
		return err
	}
	// 获取失败不是异常，只告诉请求者当前持有者
	result := LockResultPayload{Section: p.Section, Acquired: &ok, Holder: lock.HolderUserID}
	if ok {
		expires := lock.ExpiresAt
		result.ExpiresAt = &expires
	}
	h.reply(c, newOutbound(TypeLockResult, resourceID, result))
	return nil
}

func (h *Handler) handleLockRelease(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	var p LockPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	ok, err := h.sessions.ReleaseLock(ctx, resourceID, h.caller(c), p.Section)
	if err != nil {
		return err
	}
	h.reply(c, newOutbound(TypeLockResult, resourceID, LockResultPayload{Section: p.Section, Released: &ok}))
	return nil
}

func (h *Handler) handleGetState(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	snap, err := h.sessions.GetState(ctx, resourceID, c.principal.UserID)
	if err != nil {
		return err
	}
	h.reply(c, newOutbound(TypeSessionState, resourceID, snap))
	return nil
}

func (h *Handler) handleSync(ctx context.Context, c *Conn, env Envelope) error {
	resourceID, err := h.boundResource(c, env)
	if err != nil {
		return err
	}
	var p SyncPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	ops, err := h.sessions.OpsSince(ctx, resourceID, p.FromVersion, p.Limit)
	if err != nil {
		return err
	}
	h.reply(c, newOutbound(TypeOperations, resourceID, OperationsPayload{FromVersion: p.FromVersion, Operations: ops}))
	return nil
}

func (h *Handler) handleHeartbeat(ctx context.Context, c *Conn, env Envelope) error {
	if resourceID := c.ResourceID(); resourceID != "" {
		h.presenceAdd(ctx, resourceID, c.principal)
	}
	h.reply(c, newOutbound(TypePong, c.ResourceID(), nil))
	return nil
}

// boundResource 非 join 消息只能作用于连接当前所在的资源
func (h *Handler) boundResource(c *Conn, env Envelope) (string, error) {
	bound := c.ResourceID()
	if bound == "" {
		return "", fmt.Errorf("%w: join a resource first", collab.ErrNotParticipant)
	}
	if env.ResourceID != "" && env.ResourceID != bound {
		return "", fmt.Errorf("%w: connection is joined to %s", collab.ErrNotParticipant, bound)
	}
	return bound, nil
}

func (h *Handler) caller(c *Conn) collab.Caller {
	return collab.Caller{Principal: c.principal, ConnectionID: c.id}
}

// reply 直接回给发送者（发送者未必登记在 Hub 里，例如 join 失败时）
func (h *Handler) reply(c *Conn, msg OutboundMessage) {
	if err := c.Enqueue(msg); err != nil {
		c.logger.Debug("reply dropped", zap.String("type", msg.Type), zap.Error(err))
		if errors.Is(err, ErrSendQueueFull) {
			c.Close()
		}
	}
}

func (h *Handler) presenceAdd(ctx context.Context, resourceID string, p collab.Principal) {
	if h.presence == nil {
		return
	}
	if err := h.presence.AddMember(ctx, resourceID, p.UserID, p.DisplayName, h.ttl); err != nil {
		h.logger.Debug("presence add failed", zap.String("resource", resourceID), zap.Error(err))
	}
}

func (h *Handler) presenceRemove(ctx context.Context, resourceID, userID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.RemoveMember(ctx, resourceID, userID); err != nil {
		h.logger.Debug("presence remove failed", zap.String("resource", resourceID), zap.Error(err))
	}
}

var (
	errBadRequest = errors.New("BAD_REQUEST")
	errBusy       = errors.New("BUSY")
)

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", errBadRequest, err)
	}
	return nil
}

func errorPayload(requestType string, err error) ErrorPayload {
	return ErrorPayload{Code: ErrorCode(err), Message: err.Error(), RequestType: requestType}
}

// ErrorCode 错误到出站 error 消息 code 的映射
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrNotParticipant):
		return "NOT_PARTICIPANT"
	case errors.Is(err, collab.ErrLockConflict):
		return "LOCK_CONFLICT"
	case errors.Is(err, collab.ErrUnknownResource):
		return "UNKNOWN_RESOURCE"
	case errors.Is(err, collab.ErrManualReview):
		return "MANUAL_REVIEW"
	case errors.Is(err, errBadRequest), errors.Is(err, collab.ErrInvalidOperation):
		return "BAD_REQUEST"
	case errors.Is(err, errBusy):
		return "BUSY"
	}
	return "INTERNAL"
}
