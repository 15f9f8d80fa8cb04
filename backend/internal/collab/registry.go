package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SnapshotSource 外部记录存储：会话创建时读取初始文档。
// 资源不存在时返回包装了 ErrUnknownResource 的错误。
type SnapshotSource interface {
	Load(ctx context.Context, resourceID string) (Document, error)
}

// FinalizationSink 外部持久化：由外层应用决定何时写入
type FinalizationSink interface {
	// snap.SessionID 区分同一资源先后的会话，它们的版本号各自从 1 开始
	Save(ctx context.Context, snap SessionSnapshot) error
}

type RegistryOptions struct {
	Session    SessionOptions
	Strategies StrategySelector
	Publisher  Publisher
	Source     SnapshotSource
	Logger     *zap.Logger
}

// SessionRegistry resourceID -> 活跃会话。首次加入时创建，最后一人离开时销毁。
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	opts       SessionOptions
	strategies StrategySelector
	publisher  Publisher
	source     SnapshotSource
	sf         singleflight.Group
	logger     *zap.Logger
}

func NewSessionRegistry(opts RegistryOptions) *SessionRegistry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Strategies == nil {
		opts.Strategies = StaticStrategies(nil, nil)
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	return &SessionRegistry{
		sessions:   make(map[string]*Session),
		opts:       opts.Session,
		strategies: opts.Strategies,
		publisher:  opts.Publisher,
		source:     opts.Source,
		logger:     opts.Logger,
	}
}

// 会话可能恰好在加入前被销毁，此时重建后再试
const joinAttempts = 3

// StartOrJoin 不存在会话时用 snapshot（为 nil 时从 SnapshotSource 读取）创建并加入；
// 已存在时加入现有会话。同一用户重复加入只会替换其参与者条目。
func (r *SessionRegistry) StartOrJoin(ctx context.Context, resourceID string, p Principal, snapshot Document) (SessionSnapshot, error) {
	if resourceID == "" || p.UserID == "" {
		return SessionSnapshot{}, ErrInvalidOperation
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		s, err := r.sessionFor(ctx, resourceID, snapshot)
		if err != nil {
			return SessionSnapshot{}, err
		}
		snap, err := s.join(ctx, p)
		if errors.Is(err, ErrSessionClosed) {
			r.forget(resourceID, s)
			continue
		}
		if err != nil {
			// 加入失败时不留下没有参与者的会话
			r.discardIfIdle(ctx, resourceID, s)
		}
		return snap, err
	}
	return SessionSnapshot{}, ErrSessionClosed
}

// Leave 移除参与者并释放其锁；参与者为空时销毁会话
func (r *SessionRegistry) Leave(ctx context.Context, resourceID, userID string) (bool, error) {
	s := r.lookup(resourceID)
	if s == nil {
		return false, nil
	}
	removed, closed, err := s.leave(ctx, userID)
	if errors.Is(err, ErrSessionClosed) {
		r.forget(resourceID, s)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if closed {
		r.forget(resourceID, s)
	}
	return removed, nil
}

// CloseIfIdle 会话没有参与者时销毁它，返回是否已销毁。
// 判断在会话串行执行点内完成，期间有人加入的会话不会被关掉。
func (r *SessionRegistry) CloseIfIdle(ctx context.Context, resourceID string) (bool, error) {
	s := r.lookup(resourceID)
	if s == nil {
		return false, nil
	}
	closed, err := s.closeIfIdle(ctx)
	if errors.Is(err, ErrSessionClosed) {
		r.forget(resourceID, s)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if closed {
		r.forget(resourceID, s)
	}
	return closed, nil
}

func (r *SessionRegistry) ApplyOperation(ctx context.Context, resourceID string, c Caller, op Operation) (AppliedOperation, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return AppliedOperation{}, err
	}
	applied, err := s.apply(ctx, c, op)
	return applied, r.closedAsUnknown(resourceID, s, err)
}

// AcquireLock 被其他用户持有时返回 (持有中的锁, false, nil)
func (r *SessionRegistry) AcquireLock(ctx context.Context, resourceID string, c Caller, section, lockType string) (Lock, bool, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return Lock{}, false, err
	}
	lock, ok, err := s.acquireLock(ctx, c, section, lockType)
	return lock, ok, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) ReleaseLock(ctx context.Context, resourceID string, c Caller, section string) (bool, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return false, err
	}
	ok, err := s.releaseLock(ctx, c, section)
	return ok, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) ReleaseAllLocks(ctx context.Context, resourceID, userID string) ([]string, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return nil, err
	}
	released, err := s.releaseAllLocks(ctx, userID)
	return released, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) UpdateCursor(ctx context.Context, resourceID string, c Caller, cursor CursorInfo) (CursorInfo, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return CursorInfo{}, err
	}
	out, err := s.updateCursor(ctx, c, cursor)
	return out, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) RemoveCursor(ctx context.Context, resourceID, userID string) (bool, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return false, err
	}
	removed, err := s.removeCursor(ctx, userID)
	return removed, r.closedAsUnknown(resourceID, s, err)
}

// GetState 文档、版本、参与者、锁，以及除请求者之外其他用户的光标
func (r *SessionRegistry) GetState(ctx context.Context, resourceID, requestingUserID string) (SessionSnapshot, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap, err := s.state(ctx, requestingUserID)
	return snap, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) OpsSince(ctx context.Context, resourceID string, fromVersion uint64, limit int) ([]AppliedOperation, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return nil, err
	}
	ops, err := s.opsSince(ctx, fromVersion, limit)
	return ops, r.closedAsUnknown(resourceID, s, err)
}

func (r *SessionRegistry) History(ctx context.Context, resourceID string) ([]ChangeRecord, error) {
	s, err := r.active(resourceID)
	if err != nil {
		return nil, err
	}
	h, err := s.changeHistory(ctx)
	return h, r.closedAsUnknown(resourceID, s, err)
}

// SweepAll 对所有会话清理过期锁，返回清理总数
func (r *SessionRegistry) SweepAll(ctx context.Context) int {
	total := 0
	for _, s := range r.snapshotSessions() {
		n, err := s.sweep(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				r.forget(s.resourceID, s)
				continue
			}
			r.logger.Warn("sweep failed", zap.String("resource", s.resourceID), zap.Error(err))
			continue
		}
		if n > 0 {
			r.logger.Info("expired locks released", zap.String("resource", s.resourceID), zap.Int("count", n))
		}
		total += n
	}
	return total
}

// Has 报告资源是否有活跃会话
func (r *SessionRegistry) Has(resourceID string) bool {
	return r.lookup(resourceID) != nil
}

// ResourceIDs 当前活跃会话的资源 ID（有序）
func (r *SessionRegistry) ResourceIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *SessionRegistry) sessionFor(ctx context.Context, resourceID string, snapshot Document) (*Session, error) {
	if s := r.lookup(resourceID); s != nil {
		return s, nil
	}
	if snapshot == nil && r.source != nil {
		// 同一资源的并发首次加入只读一次外部存储
		v, err, _ := r.sf.Do(resourceID, func() (interface{}, error) {
			return r.source.Load(ctx, resourceID)
		})
		if err != nil {
			if errors.Is(err, ErrUnknownResource) {
				return nil, err
			}
			return nil, fmt.Errorf("loading snapshot for %s: %w", resourceID, err)
		}
		doc, _ := v.(Document)
		snapshot = doc.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[resourceID]; s != nil {
		return s, nil
	}
	s := newSession(resourceID, snapshot, r.strategies(resourceID), r.opts, r.publisher, r.logger)
	r.sessions[resourceID] = s
	r.logger.Info("session created", zap.String("resource", resourceID), zap.String("strategy", s.strategy.Name()))
	return s, nil
}

// discardIfIdle 调用方的 ctx 可能已经结束，清理使用独立的超时
func (r *SessionRegistry) discardIfIdle(ctx context.Context, resourceID string, s *Session) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	closed, err := s.closeIfIdle(cleanupCtx)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		r.logger.Warn("discard idle session failed", zap.String("resource", resourceID), zap.Error(err))
		return
	}
	if closed || errors.Is(err, ErrSessionClosed) {
		r.forget(resourceID, s)
	}
}

func (r *SessionRegistry) lookup(resourceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[resourceID]
}

func (r *SessionRegistry) active(resourceID string) (*Session, error) {
	s := r.lookup(resourceID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	return s, nil
}

func (r *SessionRegistry) forget(resourceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[resourceID] == s {
		delete(r.sessions, resourceID)
		r.logger.Info("session destroyed", zap.String("resource", resourceID))
	}
}

// closedAsUnknown 会话在调用途中被销毁时按未知资源处理
func (r *SessionRegistry) closedAsUnknown(resourceID string, s *Session, err error) error {
	if errors.Is(err, ErrSessionClosed) {
		r.forget(resourceID, s)
		return fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	return err
}

func (r *SessionRegistry) snapshotSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
