package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
)

type EvidenceRepository struct {
	mu   sync.Mutex
	rows []evidence.Bundle
	ids  map[string]struct{}
}

func NewEvidenceRepository() *EvidenceRepository {
	return &EvidenceRepository{ids: map[string]struct{}{}}
}

func (r *EvidenceRepository) Append(_ context.Context, b evidence.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[b.EvidenceID]; ok {
		return fmt.Errorf("evidence %s already recorded", b.EvidenceID)
	}
	r.ids[b.EvidenceID] = struct{}{}
	r.rows = append(r.rows, b)
	return nil
}

func (r *EvidenceRepository) ListByScan(_ context.Context, scanID string) ([]evidence.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []evidence.Bundle
	for _, b := range r.rows {
		if b.ScanID == scanID {
			out = append(out, b)
		}
	}
	return out, nil
}

// Len counts every stored bundle.
func (r *EvidenceRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

var _ evidence.Repository = (*EvidenceRepository)(nil)
