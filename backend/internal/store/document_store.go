package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"encounterCollab/backend/internal/collab"
)

// DocumentStore 同时充当会话的 SnapshotSource 与 FinalizationSink
type DocumentStore struct{ db *gorm.DB }

var (
	_ collab.SnapshotSource   = (*DocumentStore)(nil)
	_ collab.FinalizationSink = (*DocumentStore)(nil)
)

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Load 优先取最后写入的快照，没有则取文档初始内容。
// 不同会话的版本号互不可比，按写入顺序取最新。
func (s *DocumentStore) Load(ctx context.Context, resourceID string) (collab.Document, error) {
	var snap DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("id DESC").
		First(&snap).Error
	if err == nil {
		return snap.Content, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var doc EncounterDocument
	err = s.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", collab.ErrUnknownResource, resourceID)
	}
	if err != nil {
		return nil, err
	}
	if doc.Content == nil {
		doc.Content = collab.Document{}
	}
	return doc.Content, nil
}

// CreateDocument 登记一份新文档
func (s *DocumentStore) CreateDocument(ctx context.Context, resourceID string, content collab.Document) error {
	if content == nil {
		content = collab.Document{}
	}
	return s.db.WithContext(ctx).Create(&EncounterDocument{ResourceID: resourceID, Content: content}).Error
}
