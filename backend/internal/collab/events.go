package collab

import "time"

const (
	EventOperationApplied = "operation_applied"
	EventCursorUpdate     = "cursor_update"
	EventSectionLocked    = "section_locked"
	EventSectionUnlocked  = "section_unlocked"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
)

// 锁释放原因
const (
	UnlockReleased = "released"
	UnlockExpired  = "expired"
	UnlockLeft     = "left"
)

// Event 会话提交后产生的状态增量。ExcludeConnection 非空时该连接不会收到。
type Event struct {
	Type              string
	ResourceID        string
	Payload           any
	ExcludeConnection string
}

// Publisher 在会话串行执行点内被调用，实现必须不阻塞（入队即返回），
// 以保证广播顺序与提交顺序一致而慢连接又不会拖住会话。
type Publisher interface {
	Publish(ev Event)
}

type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// MultiPublisher 按顺序转发给多个 Publisher
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

type OperationAppliedPayload struct {
	OperationID string    `json:"operationId"`
	Operation   Operation `json:"operation"`
	User        Principal `json:"user"`
	Version     uint64    `json:"version"`
	AppliedAt   time.Time `json:"appliedAt"`
}

type CursorUpdatePayload struct {
	Cursor CursorInfo `json:"cursor"`
}

type SectionLockPayload struct {
	Section   string     `json:"section"`
	User      Principal  `json:"user"`
	LockType  string     `json:"lockType,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type MembershipPayload struct {
	User         Principal         `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
}
