package collab

import (
	"sort"
	"time"
)

const DefaultLockTTL = 10 * time.Minute

// LockTable 单个资源的 section 锁表。
// 不自带锁：只能在所属 Session 的串行执行点内访问。
type LockTable struct {
	ttl   time.Duration
	locks map[string]Lock
}

func NewLockTable(ttl time.Duration) *LockTable {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockTable{ttl: ttl, locks: make(map[string]Lock)}
}

// Acquire 非阻塞。section 无有效锁或已被同一用户持有时成功（同一用户重复获取会刷新过期时间）。
func (t *LockTable) Acquire(section, userID, lockType string, now time.Time) (Lock, bool) {
	if cur, ok := t.live(section, now); ok && cur.HolderUserID != userID {
		return cur, false
	}
	l, ok := t.locks[section]
	if !ok || l.HolderUserID != userID || l.expired(now) {
		l = Lock{Section: section, HolderUserID: userID, AcquiredAt: now}
	}
	if lockType != "" {
		l.LockType = lockType
	}
	l.ExpiresAt = now.Add(t.ttl)
	t.locks[section] = l
	return l, true
}

// Release 只有持有者能释放；否则返回 false
func (t *LockTable) Release(section, userID string, now time.Time) bool {
	l, ok := t.live(section, now)
	if !ok || l.HolderUserID != userID {
		return false
	}
	delete(t.locks, section)
	return true
}

// ReleaseAllForUser 返回被释放的 section（有序）
func (t *LockTable) ReleaseAllForUser(userID string) []string {
	var released []string
	for section, l := range t.locks {
		if l.HolderUserID == userID {
			delete(t.locks, section)
			released = append(released, section)
		}
	}
	sort.Strings(released)
	return released
}

// Expire section 上的锁已过期时移除并返回它
func (t *LockTable) Expire(section string, now time.Time) (Lock, bool) {
	l, ok := t.locks[section]
	if !ok || !l.expired(now) {
		return Lock{}, false
	}
	delete(t.locks, section)
	return l, true
}

// HolderOf 返回 section 当前有效锁的持有者
func (t *LockTable) HolderOf(section string, now time.Time) (string, bool) {
	l, ok := t.live(section, now)
	if !ok {
		return "", false
	}
	return l.HolderUserID, true
}

// Sweep 清除所有过期锁并返回它们
func (t *LockTable) Sweep(now time.Time) []Lock {
	var expired []Lock
	for section, l := range t.locks {
		if l.expired(now) {
			delete(t.locks, section)
			expired = append(expired, l)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Section < expired[j].Section })
	return expired
}

// List 当前有效锁，按 section 排序
func (t *LockTable) List(now time.Time) []Lock {
	out := make([]Lock, 0, len(t.locks))
	for _, l := range t.locks {
		if !l.expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out
}

// live 访问时顺带清除已过期的锁
func (t *LockTable) live(section string, now time.Time) (Lock, bool) {
	l, ok := t.locks[section]
	if !ok {
		return Lock{}, false
	}
	if l.expired(now) {
		delete(t.locks, section)
		return Lock{}, false
	}
	return l, true
}
