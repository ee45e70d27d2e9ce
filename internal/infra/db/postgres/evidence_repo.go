package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/infra/db"
)

type EvidenceRepository struct {
	db *sql.DB
}

func NewEvidenceRepository(db *sql.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Append inserts one evidence row
func (r *EvidenceRepository) Append(ctx context.Context, b evidence.Bundle) error {
	const q = `INSERT INTO security_scan_evidence (` + db.EvidenceColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`
	created := b.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		b.EvidenceID, b.ScanID, string(b.Decision), string(b.Guardrail), b.Reason, b.ProofDigest,
		b.LogEntryReference, b.ContentHash, b.Signature, b.Signer, created.UTC())
	return err
}

// ListByScan returns a scan's evidence oldest first
func (r *EvidenceRepository) ListByScan(ctx context.Context, scanID string) ([]evidence.Bundle, error) {
	const q = `SELECT ` + db.EvidenceColumns + ` FROM security_scan_evidence
WHERE scan_id=$1 ORDER BY created_at ASC, evidence_id ASC;`
	rows, err := r.db.QueryContext(ctx, q, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return db.EvidenceRows(rows)
}

var _ evidence.Repository = (*EvidenceRepository)(nil)
