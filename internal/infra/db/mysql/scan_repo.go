package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/infra/db"
)

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Create insert ScanRecord baru
func (r *ScanRepository) Create(ctx context.Context, s *domain.ScanRecord) error {
	const q = `INSERT INTO security_scans (` + db.ScanColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`
	args, err := db.ScanArgs(s)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateScan, s.ID)
		}
		return err
	}
	return nil
}

// Get by ID
func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	const q = `SELECT ` + db.ScanColumns + ` FROM security_scans WHERE id=? LIMIT 1;`
	rec, err := db.ScanRecord(r.db.QueryRowContext(ctx, q, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	return rec, err
}

func (r *ScanRepository) CompareAndSwapStatus(ctx context.Context, id domain.ScanID, expected, next domain.Status, at time.Time) (bool, error) {
	if !domain.CanTransitionStatus(expected, next) {
		return false, fmt.Errorf("%w: status %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	const q = `UPDATE security_scans SET status=?, updated_at=? WHERE id=? AND status=?;`
	return affectedOne(r.db.ExecContext(ctx, q, string(next), at.UTC(), string(id), string(expected)))
}

// CompareAndSwap moves upload_status from expected to t.To. Only the columns
// owned by the target state are written.
func (r *ScanRepository) CompareAndSwap(ctx context.Context, id domain.ScanID, expected domain.UploadStatus, t domain.UploadTransition) (bool, error) {
	if err := t.Check(expected); err != nil {
		return false, err
	}
	at := t.At.UTC()
	switch t.To {
	case domain.UploadPending:
		q := `UPDATE security_scans SET upload_status=?, upload_permission_id=?, upload_reason='', upload_retriable=FALSE,
 upload_attempts=upload_attempts+1, requested_tier=?, updated_at=?
WHERE id=? AND upload_status=? AND (requested_tier='' OR requested_tier=?)`
		if t.Retry {
			q += ` AND upload_retriable=TRUE`
		}
		return affectedOne(r.db.ExecContext(ctx, q+";",
			string(t.To), t.PermissionID, string(t.Tier), at, string(id), string(expected), string(t.Tier)))
	case domain.UploadPermitted:
		proof, err := db.EncodeProof(t.Proof)
		if err != nil {
			return false, err
		}
		q, args := claimGuard(`UPDATE security_scans SET upload_status=?, verification_proof=?, updated_at=? WHERE id=? AND upload_status=?`,
			t, string(t.To), proof, at, string(id), string(expected))
		return affectedOne(r.db.ExecContext(ctx, q, args...))
	case domain.UploadUploaded:
		const q = `UPDATE security_scans SET upload_status=?, updated_at=? WHERE id=? AND upload_status=?;`
		return affectedOne(r.db.ExecContext(ctx, q, string(t.To), at, string(id), string(expected)))
	case domain.UploadFailed:
		q, args := claimGuard(`UPDATE security_scans SET upload_status=?, upload_reason=?, upload_retriable=?, verification_proof=NULL, updated_at=?
WHERE id=? AND upload_status=?`,
			t, string(t.To), string(t.Reason), t.Retriable, at, string(id), string(expected))
		return affectedOne(r.db.ExecContext(ctx, q, args...))
	default:
		return false, fmt.Errorf("%w: upload -> %s", domain.ErrInvalidTransition, t.To)
	}
}

// claimGuard pins a move out of pending to the attempt that claimed it.
func claimGuard(q string, t domain.UploadTransition, args ...any) (string, []any) {
	if t.PermissionID != "" {
		q += ` AND upload_permission_id=?`
		args = append(args, t.PermissionID)
	}
	return q + ";", args
}

func (r *ScanRepository) CompareAndSwapPromotion(ctx context.Context, id domain.ScanID, expected domain.PromotionState, t domain.PromotionTransition) (bool, error) {
	if err := t.Check(expected); err != nil {
		return false, err
	}
	arts, err := db.EncodeArtifactsOrNull(t.Artifacts)
	if err != nil {
		return false, err
	}
	const q = `UPDATE security_scans SET promotion_state=?, promotion_reason=?, artifacts=COALESCE(?, artifacts), updated_at=?
WHERE id=? AND promotion_state=?;`
	return affectedOne(r.db.ExecContext(ctx, q, string(t.To), t.Reason, arts, t.At.UTC(), string(id), string(expected)))
}

// ListStale returns records stuck in pending upload or privacy screening.
func (r *ScanRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + db.ScanColumns + ` FROM security_scans
WHERE (upload_status=? OR promotion_state=?) AND updated_at < ?
ORDER BY updated_at ASC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, string(domain.UploadPending), string(domain.PromotionPrivacyScreening), olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanRecord
	for rows.Next() {
		rec, err := db.ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ domain.Repository = (*ScanRepository)(nil)
