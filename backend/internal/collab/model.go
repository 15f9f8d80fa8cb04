package collab

import (
	"hash/fnv"
	"time"
)

// Document 是会话持有的文档：section -> field -> value
// value 的形状对核心逻辑不透明，只做整体复制/替换
type Document map[string]map[string]any

// Clone 复制两层 map，叶子值按引用复制
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for section, fields := range d {
		out[section] = cloneFields(fields)
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Principal 已经过鉴权的调用者
type Principal struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type ParticipantInfo struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Color       string    `json:"color"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Operation 客户端提交的字段级写入。
// Field 为空且 Value 是 map[string]any 时表示对整个 section 的多字段写入。
type Operation struct {
	Section     string `json:"section"`
	Field       string `json:"field,omitempty"`
	Value       any    `json:"value"`
	BaseVersion uint64 `json:"baseVersion"`
}

// IsSectionWrite 报告该操作是否为整 section 写入
func (op Operation) IsSectionWrite() bool {
	if op.Field != "" {
		return false
	}
	_, ok := op.Value.(map[string]any)
	return ok
}

type AppliedOperation struct {
	OperationID      string    `json:"operationId"`
	Operation        Operation `json:"operation"`
	UserID           string    `json:"userId"`
	AppliedAt        time.Time `json:"appliedAt"`
	ResultingVersion uint64    `json:"resultingVersion"`
}

// ChangeRecord 审计记录，会话存活期间只追加
type ChangeRecord struct {
	Section   string    `json:"section"`
	Field     string    `json:"field"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	UserID    string    `json:"userId"`
	AppliedAt time.Time `json:"appliedAt"`
	Version   uint64    `json:"version"`
}

type Lock struct {
	Section      string    `json:"section"`
	HolderUserID string    `json:"holderUserId"`
	LockType     string    `json:"lockType,omitempty"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (l Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type CursorInfo struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	Section        string    `json:"section"`
	Position       int       `json:"position"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PendingReview 一个被 ManualReview 策略挂起、等待人工处理的过期写入
type PendingReview struct {
	ID             string    `json:"id"`
	Operation      Operation `json:"operation"`
	UserID         string    `json:"userId"`
	CurrentVersion uint64    `json:"currentVersion"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// SessionSnapshot GetState 的返回值，全部为副本
type SessionSnapshot struct {
	SessionID      string            `json:"sessionId"`
	ResourceID     string            `json:"resourceId"`
	Document       Document          `json:"document"`
	Version        uint64            `json:"version"`
	Participants   []ParticipantInfo `json:"participants"`
	Locks          []Lock            `json:"locks"`
	Cursors        []CursorInfo      `json:"cursors"`
	PendingReviews []PendingReview   `json:"pendingReviews,omitempty"`
	Strategy       string            `json:"strategy"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

var participantPalette = []string{
	"#E6194B", "#3CB44B", "#4363D8", "#F58231", "#911EB4",
	"#42D4F4", "#F032E6", "#469990", "#9A6324", "#800000",
	"#808000", "#000075",
}

// ColorFor 由 userID 确定性地派生显示颜色
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return participantPalette[h.Sum32()%uint32(len(participantPalette))]
}
