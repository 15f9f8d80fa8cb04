package store

import (
	"time"

	"encounterCollab/backend/internal/collab"
)

// EncounterDocument 记录存储中的文档初始内容
type EncounterDocument struct {
	ResourceID string          `gorm:"primaryKey;type:varchar(64)"`
	Content    collab.Document `gorm:"serializer:json;type:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentSnapshot 会话导出的某个版本，(resource_id, session_id, version) 唯一。
// 同一资源重新打开后版本号从 1 开始，session_id 区分前后两次会话。
type DocumentSnapshot struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	ResourceID string          `gorm:"type:varchar(64);uniqueIndex:idx_snapshot_session_version,priority:1"`
	SessionID  string          `gorm:"type:varchar(64);uniqueIndex:idx_snapshot_session_version,priority:2"`
	Version    uint64          `gorm:"uniqueIndex:idx_snapshot_session_version,priority:3"`
	Content    collab.Document `gorm:"serializer:json;type:json"`
	CreatedAt  time.Time
}
