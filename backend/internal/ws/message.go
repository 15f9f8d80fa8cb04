package ws

import (
	"encoding/json"
	"time"

	"encounterCollab/backend/internal/collab"
)

// 入站消息类型
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeOperation   = "operation"
	TypeCursorMove  = "cursor_move"
	TypeLockAcquire = "lock_acquire"
	TypeLockRelease = "lock_release"
	TypeHeartbeat   = "heartbeat"
	TypeGetState    = "get_state"
	TypeSync        = "sync"
)

// 出站消息类型（广播类型见 collab.Event*）
const (
	TypeSessionState = "session_state"
	TypeOperationAck = "operation_ack"
	TypeLockResult   = "lock_result"
	TypeOperations   = "operations"
	TypePong         = "pong"
	TypeError        = "error"
)

// Envelope 入站消息外层：{type, resourceId, payload, timestamp}
type Envelope struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"resourceId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OutboundMessage 出站消息，结构与 Envelope 相同，payload 在写出时才序列化
type OutboundMessage struct {
	Type       string    `json:"type"`
	ResourceID string    `json:"resourceId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func newOutbound(typ, resourceID string, payload any) OutboundMessage {
	return OutboundMessage{Type: typ, ResourceID: resourceID, Payload: payload, Timestamp: time.Now()}
}

type JoinPayload struct {
	InitialSnapshot collab.Document `json:"initialSnapshot,omitempty"`
}

type OperationPayload struct {
	Section     string `json:"section"`
	Field       string `json:"field"`
	Value       any    `json:"value"`
	BaseVersion uint64 `json:"baseVersion"`
}

type CursorMovePayload struct {
	Section        string `json:"section"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

type LockPayload struct {
	Section  string `json:"section"`
	LockType string `json:"lockType,omitempty"`
}

type SyncPayload struct {
	FromVersion uint64 `json:"fromVersion"`
	Limit       int    `json:"limit,omitempty"`
}

type OperationAckPayload struct {
	OperationID string           `json:"operationId"`
	Operation   collab.Operation `json:"operation"`
	Version     uint64           `json:"version"`
}

type LockResultPayload struct {
	Section   string     `json:"section"`
	Acquired  *bool      `json:"acquired,omitempty"`
	Released  *bool      `json:"released,omitempty"`
	Holder    string     `json:"holder,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type OperationsPayload struct {
	FromVersion uint64                    `json:"fromVersion"`
	Operations  []collab.AppliedOperation `json:"operations"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}
