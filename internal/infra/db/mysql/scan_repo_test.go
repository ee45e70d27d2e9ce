package mysql_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/infra/db/mysql"
)

var scanCols = []string{"id", "workspace_id", "component_id", "assessment_id", "status", "upload_status",
	"requested_tier", "upload_permission_id", "upload_reason", "upload_retriable", "upload_attempts",
	"verification_proof", "manifest", "promotion_state", "promotion_reason", "artifacts", "created_at", "updated_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestCreateDuplicateMapsToDomainError(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_scans")).
		WillReturnError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.Create(context.Background(), &scans.ScanRecord{ID: "s1", Status: scans.StatusPending})
	require.ErrorIs(t, err, scans.ErrDuplicateScan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecodesRow(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(scanCols).AddRow(
		"s1", "ws", "api", "as-1", "succeeded", "permitted",
		"basic", "perm-1", "", false, int64(1),
		nil, `{"signer":"ci@example.com","artifacts":[{"name":"a.sarif","sha256":"00","media_type":"application/json","kind":"sast"}]}`,
		"incoming", "", "[]", now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_scans WHERE id=?")).WithArgs("s1").WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, scans.UploadPermitted, rec.UploadStatus)
	assert.Equal(t, scans.TierBasic, rec.RequestedTier)
	assert.Nil(t, rec.VerificationProof)
	assert.Equal(t, "ci@example.com", rec.Manifest.Signer)
	assert.Len(t, rec.Manifest.Artifacts, 1)
	assert.Equal(t, 1, rec.UploadAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_scans WHERE id=?")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(scanCols))

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestCompareAndSwapRetryRequiresRetriable(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("AND upload_retriable=TRUE")).
		WithArgs("pending", "perm-2", "verified", sqlmock.AnyArg(), "s1", "failed", "verified").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.CompareAndSwap(context.Background(), "s1", scans.UploadFailed, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierVerified, PermissionID: "perm-2", Retry: true, At: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapPermittedWritesProof(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET upload_status=?, verification_proof=?")).
		WithArgs("permitted", sqlmock.AnyArg(), sqlmock.AnyArg(), "s1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CompareAndSwap(context.Background(), "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: scans.TierVerified,
		Proof: &scans.VerificationProof{Tier: scans.TierVerified, SignerInner: "ci@example.com"},
		At:    time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapPermittedIsPinnedToClaim(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id=? AND upload_status=? AND upload_permission_id=?;")).
		WithArgs("permitted", sqlmock.AnyArg(), sqlmock.AnyArg(), "s1", "pending", "perm-old").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.CompareAndSwap(context.Background(), "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: scans.TierBasic, PermissionID: "perm-old", At: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapRejectsIllegalMoveBeforeWriting(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	_, err := repo.CompareAndSwap(context.Background(), "s1", scans.UploadUploaded, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierBasic, At: time.Now(),
	})
	require.ErrorIs(t, err, scans.ErrInvalidTransition)

	_, err = repo.CompareAndSwap(context.Background(), "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: scans.TierBasic, Proof: &scans.VerificationProof{}, At: time.Now(),
	})
	require.ErrorIs(t, err, scans.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapPromotionKeepsArtifactsWhenNil(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewScanRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("artifacts=COALESCE(?, artifacts)")).
		WithArgs("privacy_screening", "", nil, sqlmock.AnyArg(), "s1", "incoming").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CompareAndSwapPromotion(context.Background(), "s1", scans.PromotionIncoming, scans.PromotionTransition{
		To: scans.PromotionPrivacyScreening, At: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceAppendAndList(t *testing.T) {
	db, mock := newMock(t)
	repo := mysql.NewEvidenceRepository(db)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123000, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_scan_evidence")).
		WithArgs("ev-1", "s1", "denied", "lock-expiry", "LockExpired", "", "", "hash", "sig", "svc", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Append(context.Background(), evidence.Bundle{
		EvidenceID: "ev-1", ScanID: "s1", Decision: evidence.Denied, Guardrail: evidence.GuardrailLockExpiry,
		Reason: "LockExpired", ContentHash: "hash", Signature: "sig", Signer: "svc", Timestamp: ts,
	}))

	rows := sqlmock.NewRows([]string{"evidence_id", "scan_id", "decision", "guardrail", "reason", "proof_digest",
		"log_entry_reference", "content_hash", "signature", "signer", "created_at"}).
		AddRow("ev-1", "s1", "denied", "lock-expiry", "LockExpired", "", "", "hash", "sig", "svc", ts)
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_scan_evidence")).WithArgs("s1").WillReturnRows(rows)

	out, err := repo.ListByScan(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, evidence.GuardrailLockExpiry, out[0].Guardrail)
	assert.Equal(t, ts, out[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}
