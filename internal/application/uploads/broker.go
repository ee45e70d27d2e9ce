// Package uploads decides whether a scan's bundle may be uploaded. The
// decision is taken at most once per attempt: the pending state is claimed
// with a compare-and-swap and every terminal outcome is recorded as evidence
// before the state moves.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/application/verification"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Verifier is the verification engine as seen by the broker.
type Verifier interface {
	Verify(ctx context.Context, s verification.Subject, tier scans.Tier) (*scans.VerificationProof, error)
}

// Broker implements the upload-permission use case.
type Broker struct {
	Repo     scans.Repository
	Engine   Verifier
	Proofs   artifacts.ProofStore
	Evidence evidence.Recorder
	Clock    application.Clock
	Logger   *zap.Logger
	// OnDecided runs after a successful decision, e.g. to queue promotion.
	OnDecided func(ctx context.Context, id scans.ScanID)
}

// Result is what the caller sees of an upload request.
type Result struct {
	ScanID             scans.ScanID             `json:"scan_id"`
	UploadPermissionID string                   `json:"upload_permission_id"`
	UploadStatus       scans.UploadStatus       `json:"upload_status"`
	Tier               scans.Tier               `json:"tier"`
	VerificationProof  *scans.VerificationProof `json:"verification_proof"`
	Reason             scans.Code               `json:"reason,omitempty"`
}

// Attempt is a claimed pending upload waiting for Complete.
type Attempt struct {
	ScanID       scans.ScanID
	WorkspaceID  string
	ComponentID  string
	Tier         scans.Tier
	PermissionID string
}

func (b *Broker) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b *Broker) now() time.Time {
	if b.Clock == nil {
		return application.SystemClock{}.Now()
	}
	return b.Clock.Now().UTC()
}

func resultOf(r *scans.ScanRecord) Result {
	return Result{
		ScanID:             r.ID,
		UploadPermissionID: r.UploadPermissionID,
		UploadStatus:       r.UploadStatus,
		Tier:               r.RequestedTier,
		VerificationProof:  r.VerificationProof,
		Reason:             r.UploadReason,
	}
}

// RequestUpload runs Begin and Complete in the caller's goroutine.
func (b *Broker) RequestUpload(ctx context.Context, id scans.ScanID, tier string) (Result, error) {
	a, decided, err := b.Begin(ctx, id, tier)
	switch {
	case decided != nil:
		return *decided, err
	case err != nil:
		return Result{ScanID: id}, err
	}
	return b.Complete(ctx, a)
}

// Begin validates the request and claims the pending state. When the scan
// already holds a decision it returns that decision instead of an Attempt.
func (b *Broker) Begin(ctx context.Context, id scans.ScanID, tierInput string) (Attempt, *Result, error) {
	tier, err := scans.ParseTier(tierInput)
	if err != nil {
		return Attempt{}, nil, scans.Wrap(id, err)
	}
	rec, err := b.Repo.Get(ctx, id)
	if err != nil {
		return Attempt{}, nil, scans.Wrap(id, err)
	}
	if rec.Status != scans.StatusSucceeded {
		return Attempt{}, nil, scans.Wrap(id, fmt.Errorf("%w: status is %s", scans.ErrScanNotReady, rec.Status))
	}
	if rec.RequestedTier != "" && rec.RequestedTier != tier {
		return Attempt{}, nil, scans.Wrap(id, fmt.Errorf("%w: scan is fixed to %s", scans.ErrInvalidTier, rec.RequestedTier))
	}

	t := scans.UploadTransition{
		To:           scans.UploadPending,
		Tier:         tier,
		PermissionID: uuid.NewString(),
		At:           b.now(),
	}
	switch rec.UploadStatus {
	case scans.UploadNone:
	case scans.UploadFailed:
		if !rec.UploadRetriable {
			res := resultOf(rec)
			return Attempt{}, &res, &scans.Error{ScanID: id, Code: rec.UploadReason,
				Err: errors.New("upload failed permanently; submit a new scan")}
		}
		t.Retry = true
	case scans.UploadPending:
		return Attempt{}, nil, scans.Wrap(id, scans.ErrAlreadyInProgress)
	default:
		// already decided
		res := resultOf(rec)
		return Attempt{}, &res, nil
	}

	ok, err := b.Repo.CompareAndSwap(ctx, id, rec.UploadStatus, t)
	if err != nil {
		return Attempt{}, nil, scans.Wrap(id, err)
	}
	if !ok {
		return Attempt{}, nil, scans.Wrap(id, scans.ErrAlreadyInProgress)
	}
	b.log().Info("upload attempt claimed",
		zap.String("scan_id", string(id)),
		zap.String("tier", string(tier)),
		zap.String("permission_id", t.PermissionID),
		zap.Int("attempt", rec.UploadAttempts+1))
	return Attempt{
		ScanID:       id,
		WorkspaceID:  rec.WorkspaceID,
		ComponentID:  rec.ComponentID,
		Tier:         tier,
		PermissionID: t.PermissionID,
	}, nil, nil
}

// Complete verifies a claimed attempt and moves it to its terminal state.
// The outcome is finalized on a detached context so a cancelled caller
// never leaves the scan pending.
func (b *Broker) Complete(ctx context.Context, a Attempt) (Result, error) {
	fin := context.WithoutCancel(ctx)
	res := Result{ScanID: a.ScanID, UploadPermissionID: a.PermissionID, Tier: a.Tier, UploadStatus: scans.UploadPending}

	proof, err := b.Engine.Verify(ctx, verification.Subject{
		ScanID: a.ScanID, WorkspaceID: a.WorkspaceID, ComponentID: a.ComponentID,
	}, a.Tier)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if !b.owned(fin, a) {
		return b.lost(fin, a, res, false)
	}
	if err != nil {
		return b.fail(fin, a, failureCode(ctx, err), err)
	}

	switch a.Tier {
	case scans.TierBasic:
		return b.permitBasic(fin, a, res)
	case scans.TierVerified:
		return b.permitVerified(fin, a, res, proof)
	default:
		return b.fail(fin, a, scans.CodeInvalidTier, scans.ErrInvalidTier)
	}
}

// Abandon fails a claimed attempt that could not be scheduled, leaving it
// retriable when the cause is.
func (b *Broker) Abandon(ctx context.Context, a Attempt, cause error) (Result, error) {
	return b.fail(context.WithoutCancel(ctx), a, scans.CodeOf(cause), cause)
}

func (b *Broker) permitBasic(ctx context.Context, a Attempt, res Result) (Result, error) {
	if _, err := b.Evidence.Record(ctx, evidence.Request{
		ScanID: a.ScanID, Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission,
		Reason: "inner signature verified",
	}); err != nil {
		return b.fail(ctx, a, scans.CodeInternal, err)
	}
	ok, err := b.Repo.CompareAndSwap(ctx, a.ScanID, scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: a.Tier, PermissionID: a.PermissionID, At: b.now(),
	})
	if err != nil {
		return res, scans.Wrap(a.ScanID, err)
	}
	if !ok {
		return b.lost(ctx, a, res, true)
	}
	res.UploadStatus = scans.UploadPermitted
	b.decided(ctx, a, res)
	return res, nil
}

func (b *Broker) permitVerified(ctx context.Context, a Attempt, res Result, proof *scans.VerificationProof) (Result, error) {
	if proof == nil || !proof.ChainUnbroken {
		return b.fail(ctx, a, scans.CodeVerificationRejected, errors.New("chain of custody is broken"))
	}
	want, err := proof.MarshalCanonical()
	if err != nil {
		return b.fail(ctx, a, scans.CodeInternal, err)
	}
	if _, err := b.Evidence.Record(ctx, evidence.Request{
		ScanID: a.ScanID, Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission,
		Reason: "inner and outer signatures verified", Proof: proof,
	}); err != nil {
		return b.fail(ctx, a, scans.CodeInternal, err)
	}

	ok, err := b.Repo.CompareAndSwap(ctx, a.ScanID, scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: a.Tier, PermissionID: a.PermissionID, Proof: proof, At: b.now(),
	})
	if err != nil {
		return res, scans.Wrap(a.ScanID, err)
	}
	if !ok {
		return b.lost(ctx, a, res, true)
	}
	res.UploadStatus = scans.UploadPermitted
	res.VerificationProof = proof

	stored, err := b.Proofs.LoadProof(ctx, string(a.ScanID))
	if err != nil {
		return res, scans.Wrap(a.ScanID, fmt.Errorf("%w: reload proof: %w", scans.ErrStorageIntegrity, err))
	}
	if !bytes.Equal(stored, want) {
		b.log().Error("persisted proof differs from verified proof", zap.String("scan_id", string(a.ScanID)))
		return res, scans.Wrap(a.ScanID, scans.ErrProofMismatch)
	}

	ok, err = b.Repo.CompareAndSwap(ctx, a.ScanID, scans.UploadPermitted, scans.UploadTransition{
		To: scans.UploadUploaded, Tier: a.Tier, At: b.now(),
	})
	if err != nil {
		return res, scans.Wrap(a.ScanID, err)
	}
	if ok {
		res.UploadStatus = scans.UploadUploaded
	}
	b.decided(ctx, a, res)
	return res, nil
}

func (b *Broker) decided(ctx context.Context, a Attempt, res Result) {
	b.log().Info("upload permitted",
		zap.String("scan_id", string(a.ScanID)),
		zap.String("tier", string(a.Tier)),
		zap.String("upload_status", string(res.UploadStatus)))
	if b.OnDecided != nil {
		b.OnDecided(ctx, a.ScanID)
	}
}

// owned reports whether the attempt still holds the pending state.
func (b *Broker) owned(ctx context.Context, a Attempt) bool {
	rec, err := b.Repo.Get(ctx, a.ScanID)
	if err != nil {
		// let the conditional update decide
		return true
	}
	return rec.UploadStatus == scans.UploadPending && rec.UploadPermissionID == a.PermissionID
}

// lost handles a pending record that was taken away (the reaper expired
// it) while verification ran. When the attempt already recorded an allowed
// decision, a denial follows it so the trail shows the decision never landed.
func (b *Broker) lost(ctx context.Context, a Attempt, res Result, allowedRecorded bool) (Result, error) {
	b.log().Warn("pending upload lost before decision",
		zap.String("scan_id", string(a.ScanID)),
		zap.String("permission_id", a.PermissionID))
	if allowedRecorded {
		if _, err := b.Evidence.Record(ctx, evidence.Request{
			ScanID: a.ScanID, Decision: evidence.Denied, Guardrail: evidence.GuardrailLockExpiry,
			Reason: fmt.Sprintf("%s: decision of attempt %s not applied", scans.CodeLockExpired, a.PermissionID),
		}); err != nil {
			b.log().Error("record lock-expiry evidence", zap.String("scan_id", string(a.ScanID)), zap.Error(err))
		}
	}
	if rec, err := b.Repo.Get(ctx, a.ScanID); err == nil {
		res = resultOf(rec)
	}
	return res, scans.Wrap(a.ScanID, scans.ErrLockExpired)
}

// failureCode classifies a verification failure. A cancelled caller only
// overrides codes that say nothing about the bundle itself.
func failureCode(ctx context.Context, err error) scans.Code {
	code := scans.CodeOf(err)
	if !errors.Is(ctx.Err(), context.Canceled) {
		return code
	}
	switch code {
	case scans.CodeInternal, scans.CodeVerificationTimeout, scans.CodeCancelled:
		return scans.CodeCancelled
	}
	return code
}

func guardrailFor(code scans.Code, tier scans.Tier) evidence.Guardrail {
	switch code {
	case scans.CodeVerificationRejected:
		return evidence.GuardrailSignatureVerification
	case scans.CodeArtifactMutated:
		return evidence.GuardrailStorageIntegrity
	case scans.CodeProofMismatch:
		return evidence.GuardrailTransparencyLog
	case scans.CodeVerificationTimeout:
		if tier == scans.TierVerified {
			return evidence.GuardrailTransparencyLog
		}
		return evidence.GuardrailSignatureVerification
	default:
		return evidence.GuardrailUploadPermission
	}
}

func (b *Broker) fail(ctx context.Context, a Attempt, code scans.Code, cause error) (Result, error) {
	retriable := scans.Retriable(code)
	res := Result{ScanID: a.ScanID, UploadPermissionID: a.PermissionID, Tier: a.Tier,
		UploadStatus: scans.UploadFailed, Reason: code}

	b.log().Warn("upload denied",
		zap.String("scan_id", string(a.ScanID)),
		zap.String("code", string(code)),
		zap.Bool("retriable", retriable),
		zap.Error(cause))

	if _, err := b.Evidence.Record(ctx, evidence.Request{
		ScanID: a.ScanID, Decision: evidence.Denied, Guardrail: guardrailFor(code, a.Tier),
		Reason: fmt.Sprintf("%s: %v", code, cause),
	}); err != nil {
		b.log().Error("record denial evidence", zap.String("scan_id", string(a.ScanID)), zap.Error(err))
	}
	ok, err := b.Repo.CompareAndSwap(ctx, a.ScanID, scans.UploadPending, scans.UploadTransition{
		To: scans.UploadFailed, Tier: a.Tier, PermissionID: a.PermissionID, Reason: code, Retriable: retriable, At: b.now(),
	})
	if err != nil {
		return res, scans.Wrap(a.ScanID, err)
	}
	if !ok {
		return b.lost(ctx, a, res, false)
	}
	var se *scans.Error
	if errors.As(cause, &se) && se.Code == code {
		return res, cause
	}
	return res, &scans.Error{ScanID: a.ScanID, Code: code, Err: cause}
}
