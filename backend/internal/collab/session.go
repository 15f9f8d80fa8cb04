package collab

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultOperationLogCap = 5000

type SessionOptions struct {
	LockTTL         time.Duration
	OperationLogCap int
	// 测试注入时钟
	Now func() time.Time
}

// Caller 发起请求的用户及其连接；ConnectionID 用于广播时排除发送者
type Caller struct {
	Principal
	ConnectionID string
}

// Session 一个文档的协作状态。
// 所有读写都以闭包形式投递给会话自己的 goroutine 顺序执行，这是唯一的串行化边界。
// 下面 participants 之后的字段只在该 goroutine 内访问。
type Session struct {
	// 每次创建都不同；同一资源销毁后重建的会话版本号会从 1 重新开始
	id         string
	resourceID string
	strategy   Strategy
	opLogCap   int
	now        func() time.Time
	publisher  Publisher
	logger     *zap.Logger

	cmds    chan func()
	stopped chan struct{}

	participants map[string]ParticipantInfo
	document     Document
	version      uint64
	opLog        []AppliedOperation
	history      []ChangeRecord
	locks        *LockTable
	presence     *PresenceTracker
	reviews      []PendingReview
	lastActivity time.Time
	closed       bool
}

func newSession(resourceID string, snapshot Document, strategy Strategy, opts SessionOptions, publisher Publisher, logger *zap.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OperationLogCap <= 0 {
		opts.OperationLogCap = DefaultOperationLogCap
	}
	if strategy == nil {
		strategy = LastWriterWins{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if snapshot == nil {
		snapshot = Document{}
	}
	s := &Session{
		id:           uuid.NewString(),
		resourceID:   resourceID,
		strategy:     strategy,
		opLogCap:     opts.OperationLogCap,
		now:          opts.Now,
		publisher:    publisher,
		logger:       logger,
		cmds:         make(chan func()),
		stopped:      make(chan struct{}),
		participants: make(map[string]ParticipantInfo),
		document:     snapshot.Clone(),
		version:      1,
		locks:        NewLockTable(opts.LockTTL),
		presence:     NewPresenceTracker(),
		lastActivity: opts.Now(),
	}
	go s.run()
	return s
}

func (s *Session) ResourceID() string { return s.resourceID }

func (s *Session) run() {
	defer close(s.stopped)
	for fn := range s.cmds {
		fn()
		if s.closed {
			return
		}
	}
}

// exec 把 fn 投递到会话 goroutine 并等待执行完成。
// 会话已关闭返回 ErrSessionClosed；投递前 ctx 结束返回 ctx.Err()。
func (s *Session) exec(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case s.cmds <- func() { defer close(done); fn() }:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (s *Session) join(ctx context.Context, p Principal) (SessionSnapshot, error) {
	var snap SessionSnapshot
	err := s.exec(ctx, func() {
		now := s.now()
		info, ok := s.participants[p.UserID]
		if !ok {
			info.JoinedAt = now
		}
		info.UserID = p.UserID
		info.DisplayName = p.DisplayName
		info.Role = p.Role
		info.Color = ColorFor(p.UserID)
		s.participants[p.UserID] = info
		s.lastActivity = now

		s.publish(EventUserJoined, MembershipPayload{User: p, Participants: s.participantList()}, "")
		snap = s.snapshotFor(p.UserID)
	})
	return snap, err
}

// leave 返回 (是否移除了参与者, 会话是否因此关闭)
func (s *Session) leave(ctx context.Context, userID string) (bool, bool, error) {
	var removed, closed bool
	err := s.exec(ctx, func() {
		info, ok := s.participants[userID]
		if !ok {
			return
		}
		removed = true
		delete(s.participants, userID)
		p := info.principal()
		for _, section := range s.locks.ReleaseAllForUser(userID) {
			s.publish(EventSectionUnlocked, SectionLockPayload{Section: section, User: p, Reason: UnlockLeft}, "")
		}
		s.presence.Remove(userID)
		s.lastActivity = s.now()
		s.publish(EventUserLeft, MembershipPayload{User: p, Participants: s.participantList()}, "")
		if len(s.participants) == 0 {
			s.closed = true
			closed = true
		}
	})
	return removed, closed, err
}

// closeIfIdle 没有参与者时结束会话，返回会话是否已结束
func (s *Session) closeIfIdle(ctx context.Context) (bool, error) {
	var closed bool
	err := s.exec(ctx, func() {
		if len(s.participants) == 0 {
			s.closed = true
			closed = true
		}
	})
	return closed, err
}

func (s *Session) apply(ctx context.Context, c Caller, op Operation) (AppliedOperation, error) {
	var (
		applied AppliedOperation
		opErr   error
	)
	err := s.exec(ctx, func() {
		applied, opErr = s.applyLocked(c, op)
	})
	if err != nil {
		return AppliedOperation{}, err
	}
	return applied, opErr
}

func (s *Session) applyLocked(c Caller, op Operation) (AppliedOperation, error) {
	if _, ok := s.participants[c.UserID]; !ok {
		return AppliedOperation{}, ErrNotParticipant
	}
	if op.Section == "" || (op.Field == "" && !op.IsSectionWrite()) {
		return AppliedOperation{}, ErrInvalidOperation
	}
	now := s.now()
	s.expireLock(op.Section, now)
	if holder, ok := s.locks.HolderOf(op.Section, now); ok && holder != c.UserID {
		return AppliedOperation{}, &LockConflictError{Section: op.Section, Holder: holder}
	}

	incoming := AppliedOperation{Operation: op, UserID: c.UserID, AppliedAt: now}
	res := Resolution{
		Outcome: OutcomeApply,
		Section: op.Section,
		Fields:  operationFields(op),
	}
	if op.BaseVersion < s.version {
		res = s.strategy.Resolve(append(s.interveningOps(op.Section, op.BaseVersion), incoming))
		if res.Outcome == OutcomeReview {
			review := PendingReview{
				ID:             uuid.NewString(),
				Operation:      op,
				UserID:         c.UserID,
				CurrentVersion: s.version,
				DetectedAt:     now,
			}
			s.reviews = append(s.reviews, review)
			s.logger.Info("stale operation parked for manual review",
				zap.String("resource", s.resourceID),
				zap.String("review", review.ID),
				zap.Uint64("base", op.BaseVersion),
				zap.Uint64("current", s.version))
			return AppliedOperation{}, &ReviewRequiredError{Review: review}
		}
		if res.Section == "" {
			res.Section = op.Section
		}
	}

	s.version++
	s.write(res, c.UserID, now)

	applied := incoming
	applied.OperationID = uuid.NewString()
	applied.ResultingVersion = s.version
	s.opLog = append(s.opLog, applied)
	if over := len(s.opLog) - s.opLogCap; over > 0 {
		// 只保留最近 opLogCap 条
		s.opLog = append(s.opLog[:0:0], s.opLog[over:]...)
	}
	s.lastActivity = now

	s.publish(EventOperationApplied, OperationAppliedPayload{
		OperationID: applied.OperationID,
		Operation:   op,
		User:        c.Principal,
		Version:     applied.ResultingVersion,
		AppliedAt:   now,
	}, c.ConnectionID)
	return applied, nil
}

// write 把解决结果写入文档并追加审计记录；调用前 version 已递增
func (s *Session) write(res Resolution, userID string, now time.Time) {
	fields := s.document[res.Section]
	if fields == nil || res.ReplaceSection {
		old := fields
		fields = make(map[string]any, len(res.Fields))
		s.document[res.Section] = fields
		// 整 section 替换时，被丢弃的字段也要留下审计
		removed := make([]string, 0)
		for k := range old {
			if _, ok := res.Fields[k]; !ok {
				removed = append(removed, k)
			}
		}
		sort.Strings(removed)
		for _, k := range removed {
			s.record(res.Section, k, old[k], nil, userID, now)
		}
		for k, v := range old {
			if _, ok := res.Fields[k]; ok {
				fields[k] = v
			}
		}
	}
	keys := make([]string, 0, len(res.Fields))
	for k := range res.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.record(res.Section, k, fields[k], res.Fields[k], userID, now)
		fields[k] = res.Fields[k]
	}
}

// record 值未变化的字段不留记录（合并时重放的中间字段就是这种情况）
func (s *Session) record(section, field string, oldValue, newValue any, userID string, now time.Time) {
	if reflect.DeepEqual(oldValue, newValue) {
		return
	}
	s.history = append(s.history, ChangeRecord{
		Section:   section,
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		UserID:    userID,
		AppliedAt: now,
		Version:   s.version,
	})
}

// interveningOps 同 section 上 baseVersion 之后提交的操作（受操作日志容量限制）
func (s *Session) interveningOps(section string, baseVersion uint64) []AppliedOperation {
	var out []AppliedOperation
	for _, op := range s.opLog {
		if op.ResultingVersion > baseVersion && op.Operation.Section == section {
			out = append(out, op)
		}
	}
	return out
}

func (s *Session) acquireLock(ctx context.Context, c Caller, section, lockType string) (Lock, bool, error) {
	var (
		lock  Lock
		ok    bool
		opErr error
	)
	err := s.exec(ctx, func() {
		if _, member := s.participants[c.UserID]; !member {
			opErr = ErrNotParticipant
			return
		}
		now := s.now()
		s.expireLock(section, now)
		lock, ok = s.locks.Acquire(section, c.UserID, lockType, now)
		if !ok {
			return
		}
		s.lastActivity = now
		expires := lock.ExpiresAt
		s.publish(EventSectionLocked, SectionLockPayload{
			Section:   section,
			User:      c.Principal,
			LockType:  lock.LockType,
			ExpiresAt: &expires,
		}, "")
	})
	if err != nil {
		return Lock{}, false, err
	}
	return lock, ok, opErr
}

func (s *Session) releaseLock(ctx context.Context, c Caller, section string) (bool, error) {
	var (
		ok    bool
		opErr error
	)
	err := s.exec(ctx, func() {
		if _, member := s.participants[c.UserID]; !member {
			opErr = ErrNotParticipant
			return
		}
		now := s.now()
		s.expireLock(section, now)
		if ok = s.locks.Release(section, c.UserID, now); ok {
			s.lastActivity = now
			s.publish(EventSectionUnlocked, SectionLockPayload{Section: section, User: c.Principal, Reason: UnlockReleased}, "")
		}
	})
	if err != nil {
		return false, err
	}
	return ok, opErr
}

func (s *Session) releaseAllLocks(ctx context.Context, userID string) ([]string, error) {
	var released []string
	err := s.exec(ctx, func() {
		released = s.locks.ReleaseAllForUser(userID)
		p := s.principalOf(userID)
		for _, section := range released {
			s.publish(EventSectionUnlocked, SectionLockPayload{Section: section, User: p, Reason: UnlockReleased}, "")
		}
	})
	return released, err
}

func (s *Session) updateCursor(ctx context.Context, c Caller, cursor CursorInfo) (CursorInfo, error) {
	var opErr error
	err := s.exec(ctx, func() {
		info, ok := s.participants[c.UserID]
		if !ok {
			opErr = ErrNotParticipant
			return
		}
		now := s.now()
		cursor.UserID = info.UserID
		cursor.DisplayName = info.DisplayName
		cursor.Color = info.Color
		cursor.UpdatedAt = now
		s.presence.Update(cursor)
		s.lastActivity = now
		s.publish(EventCursorUpdate, CursorUpdatePayload{Cursor: cursor}, c.ConnectionID)
	})
	if err != nil {
		return CursorInfo{}, err
	}
	return cursor, opErr
}

func (s *Session) removeCursor(ctx context.Context, userID string) (bool, error) {
	var removed bool
	err := s.exec(ctx, func() { removed = s.presence.Remove(userID) })
	return removed, err
}

func (s *Session) state(ctx context.Context, requestingUserID string) (SessionSnapshot, error) {
	var snap SessionSnapshot
	err := s.exec(ctx, func() { snap = s.snapshotFor(requestingUserID) })
	return snap, err
}

func (s *Session) opsSince(ctx context.Context, fromVersion uint64, limit int) ([]AppliedOperation, error) {
	var out []AppliedOperation
	err := s.exec(ctx, func() {
		for _, op := range s.opLog {
			if op.ResultingVersion <= fromVersion {
				continue
			}
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	})
	return out, err
}

func (s *Session) changeHistory(ctx context.Context) ([]ChangeRecord, error) {
	var out []ChangeRecord
	err := s.exec(ctx, func() {
		out = make([]ChangeRecord, len(s.history))
		copy(out, s.history)
	})
	return out, err
}

// sweep 清理过期锁，返回清理数量
func (s *Session) sweep(ctx context.Context) (int, error) {
	var n int
	err := s.exec(ctx, func() {
		expired := s.locks.Sweep(s.now())
		n = len(expired)
		for _, l := range expired {
			s.publishExpired(l)
		}
	})
	return n, err
}

// expireLock 访问 section 前先清掉它的过期锁并通知其他人
func (s *Session) expireLock(section string, now time.Time) {
	if l, ok := s.locks.Expire(section, now); ok {
		s.publishExpired(l)
	}
}

func (s *Session) publishExpired(l Lock) {
	s.publish(EventSectionUnlocked, SectionLockPayload{
		Section:  l.Section,
		User:     s.principalOf(l.HolderUserID),
		LockType: l.LockType,
		Reason:   UnlockExpired,
	}, "")
}

func (s *Session) publish(typ string, payload any, exclude string) {
	s.publisher.Publish(Event{Type: typ, ResourceID: s.resourceID, Payload: payload, ExcludeConnection: exclude})
}

func (s *Session) snapshotFor(requestingUserID string) SessionSnapshot {
	reviews := make([]PendingReview, len(s.reviews))
	copy(reviews, s.reviews)
	return SessionSnapshot{
		SessionID:      s.id,
		ResourceID:     s.resourceID,
		Document:       s.document.Clone(),
		Version:        s.version,
		Participants:   s.participantList(),
		Locks:          s.locks.List(s.now()),
		Cursors:        s.presence.Others(requestingUserID),
		PendingReviews: reviews,
		Strategy:       s.strategy.Name(),
		LastActivityAt: s.lastActivity,
	}
}

func (s *Session) participantList() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Session) principalOf(userID string) Principal {
	if info, ok := s.participants[userID]; ok {
		return info.principal()
	}
	return Principal{UserID: userID}
}

func (p ParticipantInfo) principal() Principal {
	return Principal{UserID: p.UserID, DisplayName: p.DisplayName, Role: p.Role}
}
