package scans

import (
	"context"
	"time"
)

// UploadTransition describes one conditional upload-status move.
type UploadTransition struct {
	To   UploadStatus
	Tier Tier
	// PermissionID names the attempt. Moving to pending stores it; moving out
	// of pending applies only while the stored claim still carries it.
	PermissionID string
	Proof        *VerificationProof
	Reason       Code
	Retriable    bool
	// Retry marks failed→pending; the store only applies it to records whose
	// last failure was retriable.
	Retry bool
	At    time.Time
}

// PromotionTransition describes one conditional promotion-state move.
// A nil Artifacts slice leaves the stored set untouched.
type PromotionTransition struct {
	To        PromotionState
	Reason    string
	Artifacts []ArtifactState
	At        time.Time
}

// Repository port (interface untuk persistence). Every mutation is a
// compare-and-swap on the current state; a false result means another
// writer got there first.
type Repository interface {
	Create(ctx context.Context, r *ScanRecord) error
	Get(ctx context.Context, id ScanID) (*ScanRecord, error)

	CompareAndSwapStatus(ctx context.Context, id ScanID, expected, next Status, at time.Time) (bool, error)
	CompareAndSwap(ctx context.Context, id ScanID, expected UploadStatus, t UploadTransition) (bool, error)
	CompareAndSwapPromotion(ctx context.Context, id ScanID, expected PromotionState, t PromotionTransition) (bool, error)

	// ListStale returns records whose upload is pending, or whose promotion is
	// screening, and that have not been touched since olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*ScanRecord, error)
}
