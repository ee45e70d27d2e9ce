// Package memory keeps scan records and evidence in process memory. It
// backs local development and the application tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/bryanwahyu/scanvault/internal/domain/scans"
)

type ScanRepository struct {
	mu      sync.Mutex
	records map[domain.ScanID]*domain.ScanRecord
}

func NewScanRepository() *ScanRepository {
	return &ScanRepository{records: map[domain.ScanID]*domain.ScanRecord{}}
}

func (r *ScanRepository) Create(_ context.Context, s *domain.ScanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[s.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateScan, s.ID)
	}
	r.records[s.ID] = s.Clone()
	return nil
}

func (r *ScanRepository) Get(_ context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	return rec.Clone(), nil
}

func (r *ScanRepository) CompareAndSwapStatus(_ context.Context, id domain.ScanID, expected, next domain.Status, at time.Time) (bool, error) {
	if !domain.CanTransitionStatus(expected, next) {
		return false, fmt.Errorf("%w: status %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	rec.UpdatedAt = at.UTC()
	return true, nil
}

func (r *ScanRepository) CompareAndSwap(_ context.Context, id domain.ScanID, expected domain.UploadStatus, t domain.UploadTransition) (bool, error) {
	if err := t.Check(expected); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.UploadStatus != expected {
		return false, nil
	}
	if expected == domain.UploadPending && t.PermissionID != "" && rec.UploadPermissionID != t.PermissionID {
		return false, nil
	}
	if t.To == domain.UploadPending {
		if t.Retry && !rec.UploadRetriable {
			return false, nil
		}
		if rec.RequestedTier != "" && rec.RequestedTier != t.Tier {
			return false, nil
		}
	}
	t.At = t.At.UTC()
	t.Apply(rec)
	return true, nil
}

func (r *ScanRepository) CompareAndSwapPromotion(_ context.Context, id domain.ScanID, expected domain.PromotionState, t domain.PromotionTransition) (bool, error) {
	if err := t.Check(expected); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.PromotionState != expected {
		return false, nil
	}
	t.At = t.At.UTC()
	t.Apply(rec)
	return true, nil
}

func (r *ScanRepository) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	var out []*domain.ScanRecord
	for _, rec := range r.records {
		stuck := rec.UploadStatus == domain.UploadPending || rec.PromotionState == domain.PromotionPrivacyScreening
		if stuck && rec.UpdatedAt.Before(olderThan) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.Repository = (*ScanRepository)(nil)
