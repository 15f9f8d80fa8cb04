package store

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"

	"encounterCollab/backend/internal/collab"
)

// Save 写入会话快照。同一会话同一版本重复写入视为成功。
func (s *DocumentStore) Save(ctx context.Context, snap collab.SessionSnapshot) error {
	err := s.db.WithContext(ctx).Create(&DocumentSnapshot{
		ResourceID: snap.ResourceID,
		SessionID:  snap.SessionID,
		Version:    snap.Version,
		Content:    snap.Document,
	}).Error
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

// 1062: Duplicate entry
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
