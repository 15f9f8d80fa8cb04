package collab

import "sort"

// PresenceTracker 资源内 user -> 光标位置。与 LockTable 一样只在 Session 内访问，不持久化。
type PresenceTracker struct {
	cursors map[string]CursorInfo
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{cursors: make(map[string]CursorInfo)}
}

// Update 每个用户只有自己写自己的条目，直接覆盖
func (p *PresenceTracker) Update(c CursorInfo) {
	p.cursors[c.UserID] = c
}

func (p *PresenceTracker) Remove(userID string) bool {
	if _, ok := p.cursors[userID]; !ok {
		return false
	}
	delete(p.cursors, userID)
	return true
}

// Others 除 excludeUserID 之外所有用户的光标
func (p *PresenceTracker) Others(excludeUserID string) []CursorInfo {
	out := make([]CursorInfo, 0, len(p.cursors))
	for uid, c := range p.cursors {
		if uid == excludeUserID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
