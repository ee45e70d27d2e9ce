// Package verification decides whether a scan bundle is what its producer
// signed and, for the verified tier, anchors that decision in a
// transparency log.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/domain/signing"
	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

const defaultTimeout = 30 * time.Second

// Subject identifies the bundle to verify.
type Subject struct {
	ScanID      scans.ScanID
	WorkspaceID string
	ComponentID string
}

// Engine runs the inner and outer checks. Log and OuterVerifier are only
// needed for the verified tier.
type Engine struct {
	Gateway artifacts.Gateway
	Proofs  artifacts.ProofStore
	// Inner verifies the producer's detached signature over bundle.json.
	Inner  signing.Client
	Policy signing.Policy
	Log    tlog.Client
	// OuterVerifier checks the log entry's signature under the entry's signer.
	OuterVerifier signing.Client
	Clock         application.Clock
	Timeout       time.Duration
	Logger        *zap.Logger
}

type innerResult struct {
	manifest       scans.Manifest
	manifestDigest string
	sigDigest      string
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

// Verify returns the proof for subject at tier. Failures are *scans.Error
// values carrying a stable code.
func (e *Engine) Verify(ctx context.Context, s Subject, tier scans.Tier) (*scans.VerificationProof, error) {
	useLog, err := tier.UsesTransparencyLog()
	if err != nil {
		return nil, scans.Wrap(s.ScanID, err)
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := e.logger().With(zap.String("scan_id", string(s.ScanID)), zap.String("tier", string(tier)))
	start := time.Now()

	var proof *scans.VerificationProof
	if useLog {
		proof, err = e.verifyOuter(vctx, s)
	} else {
		var in innerResult
		in, err = e.inner(vctx, s, tier)
		if err == nil {
			proof = &scans.VerificationProof{
				Tier:                  scans.TierBasic,
				InnerSignatureValid:   true,
				SignerInner:           in.manifest.Signer,
				VerificationTimestamp: e.now(),
				ManifestDigest:        in.manifestDigest,
				InnerSignatureDigest:  in.sigDigest,
			}
			proof.Finalize()
		}
	}
	if err != nil {
		err = classify(ctx, err)
		log.Warn("verification failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return nil, scans.Wrap(s.ScanID, err)
	}
	log.Info("verification passed",
		zap.Bool("chain_unbroken", proof.ChainUnbroken),
		zap.String("log_entry", proof.LogEntryReference),
		zap.Duration("took", time.Since(start)))
	return proof, nil
}

func (e *Engine) readRaw(ctx context.Context, scanID scans.ScanID, name string) ([]byte, error) {
	loc := e.Gateway.Layout().Locate(string(scanID), artifacts.ZoneRaw, name)
	return e.Gateway.Read(ctx, loc)
}

// inner reads the manifest and its signature, checks the signature and the
// signer policy, and recomputes every listed artifact's digest.
func (e *Engine) inner(ctx context.Context, s Subject, tier scans.Tier) (innerResult, error) {
	bundle, err := e.readRaw(ctx, s.ScanID, scans.BundleName)
	if err != nil {
		return innerResult{}, missing(scans.BundleName, err)
	}
	sig, err := e.readRaw(ctx, s.ScanID, scans.SignatureName)
	if err != nil {
		return innerResult{}, missing(scans.SignatureName, err)
	}
	m, err := scans.ParseManifest(bundle)
	if err != nil {
		return innerResult{}, fmt.Errorf("%w: %w", scans.ErrVerificationRejected, err)
	}

	ok, err := e.Inner.Verify(ctx, bundle, sig, m.Signer)
	switch {
	case errors.Is(err, signing.ErrUnknownIdentity):
		return innerResult{}, fmt.Errorf("%w: no key for signer %s", scans.ErrVerificationRejected, m.Signer)
	case err != nil:
		return innerResult{}, fmt.Errorf("inner signature: %w", err)
	case !ok:
		return innerResult{}, fmt.Errorf("%w: inner signature does not match %s", scans.ErrVerificationRejected, m.Signer)
	}

	if e.Policy != nil {
		d, err := e.Policy.Evaluate(ctx, signing.PolicyInput{
			WorkspaceID: s.WorkspaceID,
			ComponentID: s.ComponentID,
			Signer:      m.Signer,
			Tier:        string(tier),
		})
		if err != nil {
			return innerResult{}, fmt.Errorf("signer policy: %w", err)
		}
		if !d.Allow {
			return innerResult{}, fmt.Errorf("%w: signer %s not trusted: %s",
				scans.ErrVerificationRejected, m.Signer, strings.Join(d.Reasons, "; "))
		}
	}

	for _, a := range m.Artifacts {
		data, err := e.readRaw(ctx, s.ScanID, a.Name)
		if err != nil {
			return innerResult{}, missing(a.Name, err)
		}
		if got := scans.Digest(data); got != a.SHA256 {
			return innerResult{}, fmt.Errorf("%w: %s digest %s, manifest says %s",
				scans.ErrVerificationRejected, a.Name, got, a.SHA256)
		}
	}
	return innerResult{manifest: m, manifestDigest: scans.Digest(bundle), sigDigest: scans.Digest(sig)}, nil
}

func (e *Engine) verifyOuter(ctx context.Context, s Subject) (*scans.VerificationProof, error) {
	if e.Log == nil || e.OuterVerifier == nil {
		return nil, fmt.Errorf("%w: transparency log not configured", scans.ErrUnavailable)
	}
	in, err := e.inner(ctx, s, scans.TierVerified)
	if err != nil {
		return nil, err
	}
	record := tlog.Record{
		ScanID:               string(s.ScanID),
		ManifestDigest:       in.manifestDigest,
		InnerSignatureDigest: in.sigDigest,
		SignerInner:          in.manifest.Signer,
	}

	stored, err := e.Proofs.LoadProof(ctx, string(s.ScanID))
	switch {
	case err == nil:
		return e.reproduce(ctx, record, stored)
	case !errors.Is(err, artifacts.ErrNotFound):
		return nil, fmt.Errorf("load proof: %w", err)
	}

	// bundle must not change between the inner check and the log append
	if err := e.unchanged(ctx, s.ScanID, in); err != nil {
		return nil, err
	}

	entry, err := e.Log.Append(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("append to transparency log: %w", err)
	}
	outerOK, err := e.checkEntry(ctx, record, entry)
	if err != nil {
		return nil, err
	}
	if !outerOK {
		return nil, fmt.Errorf("%w: outer signature on %s does not verify", scans.ErrVerificationRejected, entry.Reference)
	}

	ts := entry.Timestamp.UTC()
	proof := &scans.VerificationProof{
		Tier:                  scans.TierVerified,
		InnerSignatureValid:   true,
		OuterSignatureValid:   outerOK,
		SignerInner:           in.manifest.Signer,
		SignerOuter:           entry.Signer,
		LogTimestamp:          &ts,
		VerificationTimestamp: e.now(),
		LogEntryReference:     entry.Reference,
		LogIndex:              entry.LogIndex,
		ManifestDigest:        in.manifestDigest,
		InnerSignatureDigest:  in.sigDigest,
		RecordDigest:          record.Digest(),
	}
	proof.Finalize()

	data, err := proof.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	if err := e.Proofs.SaveProof(ctx, string(s.ScanID), data); err != nil {
		if errors.Is(err, artifacts.ErrExists) {
			// someone persisted first; theirs is the proof of record
			stored, lerr := e.Proofs.LoadProof(ctx, string(s.ScanID))
			if lerr != nil {
				return nil, fmt.Errorf("load proof: %w", lerr)
			}
			return e.reproduce(ctx, record, stored)
		}
		return nil, fmt.Errorf("save proof: %w", err)
	}
	return proof, nil
}

// reproduce accepts a stored proof only when it describes exactly the bundle
// that was just checked and its log entry still verifies.
func (e *Engine) reproduce(ctx context.Context, record tlog.Record, stored []byte) (*scans.VerificationProof, error) {
	p, err := scans.UnmarshalProof(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scans.ErrProofMismatch, err)
	}
	if p.Tier != scans.TierVerified ||
		p.ManifestDigest != record.ManifestDigest ||
		p.InnerSignatureDigest != record.InnerSignatureDigest ||
		p.SignerInner != record.SignerInner ||
		p.RecordDigest != record.Digest() {
		return nil, fmt.Errorf("%w: stored proof describes a different bundle", scans.ErrProofMismatch)
	}
	entry, err := e.Log.Query(ctx, p.LogEntryReference)
	if errors.Is(err, tlog.ErrNotFound) {
		return nil, fmt.Errorf("%w: log entry %s missing", scans.ErrProofMismatch, p.LogEntryReference)
	}
	if err != nil {
		return nil, fmt.Errorf("query transparency log: %w", err)
	}
	ok, err := e.checkEntry(ctx, record, entry)
	if err != nil {
		return nil, err
	}
	if !ok || entry.Signer != p.SignerOuter || entry.LogIndex != p.LogIndex {
		return nil, fmt.Errorf("%w: log entry %s disagrees with stored proof", scans.ErrProofMismatch, p.LogEntryReference)
	}

	again, err := p.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	if string(again) != string(stored) {
		return nil, fmt.Errorf("%w: stored proof is not canonical", scans.ErrProofMismatch)
	}
	return p, nil
}

func (e *Engine) checkEntry(ctx context.Context, record tlog.Record, entry tlog.Entry) (bool, error) {
	if entry.RecordDigest != "" && entry.RecordDigest != record.Digest() {
		return false, nil
	}
	ok, err := e.OuterVerifier.Verify(ctx, record.Canonical(), entry.OuterSignature, entry.Signer)
	if errors.Is(err, signing.ErrUnknownIdentity) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outer signature: %w", err)
	}
	return ok, nil
}

func (e *Engine) unchanged(ctx context.Context, scanID scans.ScanID, in innerResult) error {
	check := func(name, want string) error {
		data, err := e.readRaw(ctx, scanID, name)
		if errors.Is(err, artifacts.ErrNotFound) {
			return fmt.Errorf("%w: %s disappeared", scans.ErrArtifactMutated, name)
		}
		if err != nil {
			return err
		}
		if scans.Digest(data) != want {
			return fmt.Errorf("%w: %s changed", scans.ErrArtifactMutated, name)
		}
		return nil
	}
	if err := check(scans.BundleName, in.manifestDigest); err != nil {
		return err
	}
	if err := check(scans.SignatureName, in.sigDigest); err != nil {
		return err
	}
	for _, a := range in.manifest.Artifacts {
		if err := check(a.Name, a.SHA256); err != nil {
			return err
		}
	}
	return nil
}

func missing(name string, err error) error {
	if errors.Is(err, artifacts.ErrNotFound) {
		return fmt.Errorf("%w: %s missing from raw zone", scans.ErrVerificationRejected, name)
	}
	return fmt.Errorf("read %s: %w", name, err)
}

// classify maps backend failures onto the verification error codes. Domain
// sentinels pass through untouched.
func classify(parent context.Context, err error) error {
	switch scans.CodeOf(err) {
	case scans.CodeInternal:
	default:
		if parent.Err() != nil && errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", scans.ErrCancelled, err)
		}
		return err
	}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", scans.ErrCancelled, err)
	case errors.Is(err, retry.ErrExhausted),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, tlog.ErrUnavailable),
		errors.Is(err, signing.ErrUnavailable):
		return fmt.Errorf("%w: %w", scans.ErrVerificationTimeout, err)
	}
	return err
}
