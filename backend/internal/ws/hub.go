package ws

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"encounterCollab/backend/internal/collab"
)

// Hub 连接注册表：按连接 ID、资源（文档）、用户三路索引所有活动连接。
// 索引只在 Connect/Disconnect 时变更，内部加锁；广播时先复制连接列表再逐个入队。
type Hub struct {
	mu sync.RWMutex
	// connID -> conn
	byID map[string]*Conn
	// resourceID -> connID -> conn
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
	byResource map[string]map[string]*Conn
	// userID -> connID -> conn
	byUser map[string]map[string]*Conn

	logger *zap.Logger
}

// DisconnectResult 断开后调用方据此决定是否让用户离开会话、是否销毁会话
type DisconnectResult struct {
	Conn       *Conn
	ResourceID string
	UserID     string
	// 该用户在此资源上已没有其他连接
	LastForUser bool
	// 此资源上已没有任何连接
	LastForResource bool
}

var _ collab.Publisher = (*Hub)(nil)

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byID:       make(map[string]*Conn),
		byResource: make(map[string]map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		logger:     logger,
	}
}

// Connect 把连接登记到资源下。
// 同一连接 ID 已被同一用户的另一个连接占用时，旧连接先被移除并关闭，结果通过 prior 返回；
// 被其他用户占用时拒绝。同一连接切换资源时返回旧资源上的断开结果。
func (h *Hub) Connect(c *Conn, resourceID string) (prior *DisconnectResult, moved *DisconnectResult, err error) {
	h.mu.Lock()
	if existing, ok := h.byID[c.id]; ok {
		if existing != c && existing.principal.UserID != c.principal.UserID {
			h.mu.Unlock()
			return nil, nil, ErrConnectionIDInUse
		}
		res := h.removeLocked(existing)
		if existing != c {
			prior = &res
		} else if res.ResourceID != resourceID {
			moved = &res
		}
	}
	c.setResourceID(resourceID)
	h.byID[c.id] = c
	if h.byResource[resourceID] == nil {
		h.byResource[resourceID] = make(map[string]*Conn)
	}
	h.byResource[resourceID][c.id] = c
	uid := c.principal.UserID
	if h.byUser[uid] == nil {
		h.byUser[uid] = make(map[string]*Conn)
	}
	h.byUser[uid][c.id] = c
	// 被顶替的旧连接与新连接在同一资源上时，资源和用户都还在线
	if prior != nil && prior.ResourceID == resourceID {
		prior.LastForResource = false
		if prior.UserID == uid {
			prior.LastForUser = false
		}
	}
	h.mu.Unlock()

	if prior != nil {
		h.logger.Info("connection id reused, closing prior connection",
			zap.String("conn", c.id), zap.String("resource", prior.ResourceID))
		prior.Conn.Close()
	}
	return prior, moved, nil
}

// Disconnect 按 ID 移除连接的所有索引
func (h *Hub) Disconnect(connID string) (DisconnectResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byID[connID]
	if !ok {
		return DisconnectResult{}, false
	}
	return h.removeLocked(c), true
}

// Unregister 只有当 c 仍是该 ID 的登记连接时才移除（被同 ID 新连接顶替后为空操作）
func (h *Hub) Unregister(c *Conn) (DisconnectResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byID[c.id] != c {
		return DisconnectResult{}, false
	}
	return h.removeLocked(c), true
}

func (h *Hub) removeLocked(c *Conn) DisconnectResult {
	resourceID := c.ResourceID()
	uid := c.principal.UserID
	delete(h.byID, c.id)
	if conns, ok := h.byUser[uid]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.byUser, uid)
		}
	}
	res := DisconnectResult{Conn: c, ResourceID: resourceID, UserID: uid, LastForUser: true, LastForResource: true}
	if conns, ok := h.byResource[resourceID]; ok {
		delete(conns, c.id)
		for _, other := range conns {
			res.LastForResource = false
			if other.principal.UserID == uid {
				res.LastForUser = false
				break
			}
		}
		if len(conns) == 0 {
			delete(h.byResource, resourceID)
		}
	}
	return res
}

func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[connID]
	return c, ok
}

// SendTo 点对点发送；连接不存在或队列已满只记录日志并返回错误，不阻塞
func (h *Hub) SendTo(connID string, msg OutboundMessage) error {
	c, ok := h.Get(connID)
	if !ok {
		h.logger.Debug("send to vanished connection", zap.String("conn", connID), zap.String("type", msg.Type))
		return ErrConnectionNotFound
	}
	return h.deliver(c, msg)
}

// Broadcast 发给资源下除 excludeConnID 以外的所有连接，返回成功入队的数量。
// 单个连接失败不影响其他连接。
func (h *Hub) Broadcast(resourceID string, msg OutboundMessage, excludeConnID string) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byResource[resourceID]))
	for id, c := range h.byResource[resourceID] {
		if id == excludeConnID {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if h.deliver(c, msg) == nil {
			delivered++
		}
	}
	return delivered
}

// Publish 把会话事件广播出去；在会话串行执行点内调用，入队不阻塞，保证广播顺序 == 提交顺序
func (h *Hub) Publish(ev collab.Event) {
	h.Broadcast(ev.ResourceID, OutboundMessage{
		Type:       ev.Type,
		ResourceID: ev.ResourceID,
		Payload:    ev.Payload,
		Timestamp:  time.Now(),
	}, ev.ExcludeConnection)
}

// deliver 队列满的连接已经跟不上，丢消息会让它的版本序列出现空洞，直接断开让客户端重连取快照
func (h *Hub) deliver(c *Conn, msg OutboundMessage) error {
	err := c.Enqueue(msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSendQueueFull):
		h.logger.Warn("send queue full, closing slow connection",
			zap.String("conn", c.id), zap.String("resource", c.ResourceID()), zap.String("type", msg.Type))
		c.Close()
	default:
		h.logger.Debug("delivery failed", zap.String("conn", c.id), zap.String("type", msg.Type), zap.Error(err))
	}
	return err
}

// ConnectionCount 资源下的连接数
func (h *Hub) ConnectionCount(resourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byResource[resourceID])
}

// UserConnections 用户的所有连接
func (h *Hub) UserConnections(userID string) []ConnectionInfo {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Len 连接总数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}
