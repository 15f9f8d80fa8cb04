package collab

import (
	"errors"
	"fmt"
)

var (
	ErrNotParticipant   = errors.New("NOT_PARTICIPANT")
	ErrLockConflict     = errors.New("LOCK_CONFLICT")
	ErrUnknownResource  = errors.New("UNKNOWN_RESOURCE")
	ErrManualReview     = errors.New("MANUAL_REVIEW")
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
	// 会话已因最后一个参与者离开而销毁，调用方应重新 StartOrJoin
	ErrSessionClosed = errors.New("SESSION_CLOSED")
)

// LockConflictError section 被其他用户持有
type LockConflictError struct {
	Section string
	Holder  string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s: section %q held by %s", ErrLockConflict, e.Section, e.Holder)
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// ReviewRequiredError 过期操作被挂起等待人工处理，写入未生效
type ReviewRequiredError struct {
	Review PendingReview
}

func (e *ReviewRequiredError) Error() string {
	return fmt.Sprintf("%s: operation on %s.%s parked as review %s (base=%d current=%d)",
		ErrManualReview, e.Review.Operation.Section, e.Review.Operation.Field,
		e.Review.ID, e.Review.Operation.BaseVersion, e.Review.CurrentVersion)
}

func (e *ReviewRequiredError) Unwrap() error { return ErrManualReview }
