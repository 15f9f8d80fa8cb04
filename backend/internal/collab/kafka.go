package collab

import "time"

// OperationEvent 写入 Kafka 的审计事件，每个已应用操作一条，key 为 resourceID
type OperationEvent struct {
	EventType   string    `json:"eventType"` // 固定 "OP_APPLIED"
	ResourceID  string    `json:"resourceId"`
	OperationID string    `json:"operationId"`
	Version     uint64    `json:"version"`
	UserID      string    `json:"userId"`
	UserRole    string    `json:"userRole,omitempty"`
	Operation   Operation `json:"operation"`
	AppliedAt   time.Time `json:"appliedAt"`
}

func operationEventFrom(ev Event) (OperationEvent, bool) {
	p, ok := ev.Payload.(OperationAppliedPayload)
	if ev.Type != EventOperationApplied || !ok {
		return OperationEvent{}, false
	}
	return OperationEvent{
		EventType:   "OP_APPLIED",
		ResourceID:  ev.ResourceID,
		OperationID: p.OperationID,
		Version:     p.Version,
		UserID:      p.User.UserID,
		UserRole:    p.User.Role,
		Operation:   p.Operation,
		AppliedAt:   p.AppliedAt,
	}, true
}
