// Package db holds the column codecs shared by the SQL repositories.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Columns of security_scans in select/insert order.
const ScanColumns = `id, workspace_id, component_id, assessment_id, status, upload_status,
 requested_tier, upload_permission_id, upload_reason, upload_retriable, upload_attempts,
 verification_proof, manifest, promotion_state, promotion_reason, artifacts, created_at, updated_at`

// EvidenceColumns of security_scan_evidence in select/insert order.
const EvidenceColumns = `evidence_id, scan_id, decision, guardrail, reason, proof_digest,
 log_entry_reference, content_hash, signature, signer, created_at`

// ScanArgs returns the insert arguments matching ScanColumns.
func ScanArgs(r *scans.ScanRecord) ([]any, error) {
	proof, err := EncodeProof(r.VerificationProof)
	if err != nil {
		return nil, err
	}
	manifest, err := json.Marshal(r.Manifest)
	if err != nil {
		return nil, err
	}
	arts, err := EncodeArtifacts(r.Artifacts)
	if err != nil {
		return nil, err
	}
	return []any{
		string(r.ID), r.WorkspaceID, r.ComponentID, r.AssessmentID, string(r.Status), string(r.UploadStatus),
		string(r.RequestedTier), r.UploadPermissionID, string(r.UploadReason), r.UploadRetriable, r.UploadAttempts,
		proof, string(manifest), string(r.PromotionState), r.PromotionReason, arts, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}, nil
}

// ScanRecord reads one row selected with ScanColumns.
func ScanRecord(row Scanner) (*scans.ScanRecord, error) {
	var (
		r                    scans.ScanRecord
		proof                sql.NullString
		manifest, arts       string
		status, upload, tier string
		reason, promotion    string
	)
	if err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.ComponentID, &r.AssessmentID, &status, &upload,
		&tier, &r.UploadPermissionID, &reason, &r.UploadRetriable, &r.UploadAttempts,
		&proof, &manifest, &promotion, &r.PromotionReason, &arts, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = scans.Status(status)
	r.UploadStatus = scans.UploadStatus(upload)
	r.RequestedTier = scans.Tier(tier)
	r.UploadReason = scans.Code(reason)
	r.PromotionState = scans.PromotionState(promotion)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	p, err := DecodeProof(proof)
	if err != nil {
		return nil, err
	}
	r.VerificationProof = p
	if strings.TrimSpace(manifest) != "" {
		if err := json.Unmarshal([]byte(manifest), &r.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest column: %w", err)
		}
	}
	if strings.TrimSpace(arts) != "" {
		if err := json.Unmarshal([]byte(arts), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts column: %w", err)
		}
	}
	return &r, nil
}

// EncodeProof maps a nil proof to SQL NULL.
func EncodeProof(p *scans.VerificationProof) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := p.MarshalCanonical()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func DecodeProof(ns sql.NullString) (*scans.VerificationProof, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" || ns.String == "null" {
		return nil, nil
	}
	return scans.UnmarshalProof([]byte(ns.String))
}

// EncodeArtifacts never stores NULL; an empty set is "[]".
func EncodeArtifacts(a []scans.ArtifactState) (string, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

// EncodeArtifactsOrNull is used by updates where NULL keeps the stored set.
func EncodeArtifactsOrNull(a []scans.ArtifactState) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	s, err := EncodeArtifacts(a)
	return sql.NullString{String: s, Valid: err == nil}, err
}

// EvidenceRows reads rows selected with EvidenceColumns.
func EvidenceRows(rows *sql.Rows) ([]evidence.Bundle, error) {
	var out []evidence.Bundle
	for rows.Next() {
		var (
			b                   evidence.Bundle
			decision, guardrail string
		)
		if err := rows.Scan(&b.EvidenceID, &b.ScanID, &decision, &guardrail, &b.Reason, &b.ProofDigest,
			&b.LogEntryReference, &b.ContentHash, &b.Signature, &b.Signer, &b.Timestamp); err != nil {
			return nil, err
		}
		b.Decision = evidence.Decision(decision)
		b.Guardrail = evidence.Guardrail(guardrail)
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
