package verification_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/application/apptest"
	"github.com/bryanwahyu/scanvault/internal/application/verification"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/domain/signing"
	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
)

var files = map[string]string{
	"sast.sarif": `{"runs":[]}`,
	"sbom.json":  `{"components":[]}`,
}

func subject(id scans.ScanID) verification.Subject {
	return verification.Subject{ScanID: id, WorkspaceID: "ws-1", ComponentID: "payments-api"}
}

func TestBasicTierNeverTouchesTheLog(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)

	proof, err := w.Engine.Verify(context.Background(), subject(id), scans.TierBasic)
	require.NoError(t, err)
	assert.True(t, proof.InnerSignatureValid)
	assert.False(t, proof.OuterSignatureValid)
	assert.False(t, proof.ChainVerified)
	assert.Equal(t, apptest.Signer, proof.SignerInner)
	assert.Zero(t, w.Log.Appends.Load())
	assert.Zero(t, w.Log.Queries.Load())
	assert.NotContains(t, w.Objects(apptest.Layout.RawBucket), apptest.Layout.ProofKey(string(id)))
}

func TestVerifiedTierBuildsUnbrokenChain(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)

	proof, err := w.Engine.Verify(context.Background(), subject(id), scans.TierVerified)
	require.NoError(t, err)
	assert.True(t, proof.ChainUnbroken)
	assert.True(t, proof.ChainVerified)
	assert.True(t, proof.OuterSignatureValid)
	assert.Equal(t, apptest.LogIdentity, proof.SignerOuter)
	assert.NotEmpty(t, proof.LogEntryReference)
	require.NotNil(t, proof.LogTimestamp)
	assert.Equal(t, 1, w.MemLog.Len())

	stored, err := w.Gateway.LoadProof(context.Background(), string(id))
	require.NoError(t, err)
	want, err := proof.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestVerifyTwiceIsByteIdentical(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	ctx := context.Background()

	first, err := w.Engine.Verify(ctx, subject(id), scans.TierVerified)
	require.NoError(t, err)
	w.Clock.Advance(time.Hour)
	second, err := w.Engine.Verify(ctx, subject(id), scans.TierVerified)
	require.NoError(t, err)

	a, _ := first.MarshalCanonical()
	b, _ := second.MarshalCanonical()
	assert.True(t, bytes.Equal(a, b))
	assert.Equal(t, 1, w.MemLog.Len())
	assert.Equal(t, int32(1), w.Log.Appends.Load())
}

func TestTamperedArtifactIsRejectedBeforeTheLog(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	_, err := w.Gateway.Write(context.Background(), string(id), artifacts.ZoneRaw, "sast.sarif", []byte(`{"runs":[1]}`), "")
	require.NoError(t, err)

	_, err = w.Engine.Verify(context.Background(), subject(id), scans.TierVerified)
	require.ErrorIs(t, err, scans.ErrVerificationRejected)
	assert.Equal(t, scans.CodeVerificationRejected, scans.CodeOf(err))
	assert.Zero(t, w.Log.Appends.Load())
}

func TestForgedSignatureIsRejected(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	_, err := w.Gateway.Write(context.Background(), string(id), artifacts.ZoneRaw, scans.SignatureName, []byte("not a signature"), "")
	require.NoError(t, err)

	_, err = w.Engine.Verify(context.Background(), subject(id), scans.TierBasic)
	assert.Equal(t, scans.CodeVerificationRejected, scans.CodeOf(err))
}

func TestUntrustedWorkspaceSignerIsRejected(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)

	w.Engine.Policy = denyAll{}
	_, err := w.Engine.Verify(context.Background(), subject(id), scans.TierBasic)
	require.ErrorIs(t, err, scans.ErrVerificationRejected)
	assert.Contains(t, err.Error(), "not trusted")
}

func TestStoredProofForOtherBundleIsMismatch(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	ctx := context.Background()

	bogus := scans.VerificationProof{Tier: scans.TierVerified, ManifestDigest: "00", SignerInner: apptest.Signer}
	data, err := bogus.MarshalCanonical()
	require.NoError(t, err)
	require.NoError(t, w.Gateway.SaveProof(ctx, string(id), data))

	_, err = w.Engine.Verify(ctx, subject(id), scans.TierVerified)
	assert.Equal(t, scans.CodeProofMismatch, scans.CodeOf(err))
}

func TestLogOutageIsVerificationTimeout(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	w.Engine.Log = downLog{}

	_, err := w.Engine.Verify(context.Background(), subject(id), scans.TierVerified)
	assert.Equal(t, scans.CodeVerificationTimeout, scans.CodeOf(err))
}

func TestUnknownTierIsInvalid(t *testing.T) {
	w := apptest.New(t)
	_, err := w.Engine.Verify(context.Background(), subject("s1"), scans.Tier("gold"))
	assert.Equal(t, scans.CodeInvalidTier, scans.CodeOf(err))
}

func TestCancelledCallerIsCancelled(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Engine.Verify(ctx, subject(id), scans.TierVerified)
	assert.Equal(t, scans.CodeCancelled, scans.CodeOf(err))
}

type downLog struct{}

func (downLog) Append(context.Context, tlog.Record) (tlog.Entry, error) {
	return tlog.Entry{}, tlog.ErrUnavailable
}

func (downLog) Query(context.Context, string) (tlog.Entry, error) {
	return tlog.Entry{}, tlog.ErrUnavailable
}

type denyAll struct{}

func (denyAll) Evaluate(_ context.Context, in signing.PolicyInput) (signing.Decision, error) {
	return signing.Decision{Allow: false, Reasons: []string{"signer " + in.Signer + " is not trusted"}}, nil
}

// rewritingProofs lands new bytes for one artifact on the first proof lookup,
// which the engine performs after the inner check and before the log append.
type rewritingProofs struct {
	artifacts.ProofStore
	gw      artifacts.Gateway
	scanID  string
	name    string
	content []byte
	done    bool
}

func (r *rewritingProofs) LoadProof(ctx context.Context, scanID string) ([]byte, error) {
	if !r.done {
		r.done = true
		if _, err := r.gw.Write(ctx, r.scanID, artifacts.ZoneRaw, r.name, r.content, "application/json"); err != nil {
			return nil, err
		}
	}
	return r.ProofStore.LoadProof(ctx, scanID)
}

func TestArtifactRewrittenDuringVerificationIsMutated(t *testing.T) {
	w := apptest.New(t)
	id := w.NewScan(t, "", files)
	w.Engine.Proofs = &rewritingProofs{
		ProofStore: w.Gateway, gw: w.Gateway, scanID: string(id),
		name: "sbom.json", content: []byte(`{"components":["swapped"]}`),
	}

	_, err := w.Engine.Verify(context.Background(), subject(id), scans.TierVerified)
	assert.Equal(t, scans.CodeArtifactMutated, scans.CodeOf(err))
	assert.Zero(t, w.Log.Appends.Load())
	assert.Zero(t, w.MemLog.Len())
	assert.NotContains(t, w.Objects(apptest.Layout.RawBucket), apptest.Layout.ProofKey(string(id)))
}
