package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"encounterCollab/backend/internal/collab"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrSendQueueFull      = errors.New("send queue full")
	ErrConnectionIDInUse  = errors.New("connection id in use by another user")
)

// Transport 底层双向连接；*websocket.Conn 天然满足
type Transport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type ConnOptions struct {
	SendQueueSize int
	WriteTimeout  time.Duration
}

// Conn 一条活动连接。出站消息进入有界队列，由 writeLoop 单独写出，
// 因此任何一条慢连接都不会拖住广播方。
type Conn struct {
	id          string
	transport   Transport
	principal   collab.Principal
	connectedAt time.Time
	// unix 纳秒
	lastActivity atomic.Int64

	mu         sync.RWMutex
	resourceID string

	send         chan OutboundMessage
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger
}

// ConnectionInfo 连接的只读视图
type ConnectionInfo struct {
	ConnectionID   string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Role           string    `json:"role"`
	ResourceID     string    `json:"resourceId,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// NewConn id 为空时生成一个新的
func NewConn(id string, t Transport, p collab.Principal, opt ConnOptions, logger *zap.Logger) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	if opt.SendQueueSize <= 0 {
		opt.SendQueueSize = 64
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	c := &Conn{
		id:           id,
		transport:    t,
		principal:    p,
		connectedAt:  now,
		send:         make(chan OutboundMessage, opt.SendQueueSize),
		closed:       make(chan struct{}),
		writeTimeout: opt.WriteTimeout,
		logger:       logger.With(zap.String("conn", id), zap.String("user", p.UserID)),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Principal() collab.Principal { return c.principal }

func (c *Conn) ResourceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resourceID
}

func (c *Conn) setResourceID(id string) {
	c.mu.Lock()
	c.resourceID = id
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) Info() ConnectionInfo {
	return ConnectionInfo{
		ConnectionID:   c.id,
		UserID:         c.principal.UserID,
		DisplayName:    c.principal.DisplayName,
		Role:           c.principal.Role,
		ResourceID:     c.ResourceID(),
		ConnectedAt:    c.connectedAt,
		LastActivityAt: time.Unix(0, c.lastActivity.Load()),
	}
}

// Enqueue 非阻塞入队
func (c *Conn) Enqueue(msg OutboundMessage) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close 可重复调用
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close()
	})
}

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} { return c.closed }

// writeLoop 每次写出都有超时，写失败即关闭连接
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.transport.WriteJSON(msg); err != nil {
				c.logger.Info("write failed, closing connection", zap.String("type", msg.Type), zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
