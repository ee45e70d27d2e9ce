package scans_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/application/apptest"
	appscans "github.com/bryanwahyu/scanvault/internal/application/scans"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

var files = map[string]string{"sast.sarif": `{"runs":[]}`}

func TestSubmitLandsBundleAndCreatesRecord(t *testing.T) {
	w := apptest.New(t)
	ctx := context.Background()

	rec, err := w.Intake.Submit(ctx, appscans.SubmitCommand{
		WorkspaceID: "ws-1", ComponentID: "api", AssessmentID: "as-9", Tier: "Verified",
		Manifest: apptest.Manifest(files), Signature: []byte("sig"),
	})
	require.NoError(t, err)
	assert.Equal(t, scans.StatusPending, rec.Status)
	assert.Equal(t, scans.UploadNone, rec.UploadStatus)
	assert.Equal(t, scans.PromotionIncoming, rec.PromotionState)
	assert.Equal(t, scans.TierVerified, rec.RequestedTier)

	raw := w.Objects(apptest.Layout.RawBucket)
	assert.Contains(t, raw, "security-scans/"+string(rec.ID)+"/incoming/bundle.json")
	assert.Contains(t, raw, "security-scans/"+string(rec.ID)+"/incoming/bundle.json.sig")
}

func TestSubmitValidation(t *testing.T) {
	w := apptest.New(t)
	ctx := context.Background()

	_, err := w.Intake.Submit(ctx, appscans.SubmitCommand{ComponentID: "api", Manifest: apptest.Manifest(files)})
	assert.Equal(t, scans.CodeInvalidManifest, scans.CodeOf(err))

	_, err = w.Intake.Submit(ctx, appscans.SubmitCommand{WorkspaceID: "ws", ComponentID: "api", Manifest: []byte(`{"signer":"x"}`)})
	assert.Equal(t, scans.CodeInvalidManifest, scans.CodeOf(err))

	bad := `{"signer":"ci@example.com","artifacts":[{"name":"../etc/passwd","sha256":"` + scans.Digest(nil) + `"}]}`
	_, err = w.Intake.Submit(ctx, appscans.SubmitCommand{WorkspaceID: "ws", ComponentID: "api", Manifest: []byte(bad)})
	assert.Equal(t, scans.CodeInvalidManifest, scans.CodeOf(err))

	_, err = w.Intake.Submit(ctx, appscans.SubmitCommand{WorkspaceID: "ws", ComponentID: "api", Tier: "gold", Manifest: apptest.Manifest(files)})
	assert.Equal(t, scans.CodeInvalidTier, scans.CodeOf(err))
	assert.Empty(t, w.Objects(apptest.Layout.RawBucket))
}

func TestLandArtifactRules(t *testing.T) {
	w := apptest.New(t)
	ctx := context.Background()
	id := w.NewScan(t, "", files)

	_, err := w.Intake.LandArtifact(ctx, id, "extra.json", []byte("{}"), "")
	assert.Equal(t, scans.CodeArtifactNotFound, scans.CodeOf(err))

	_, err = w.Broker.RequestUpload(ctx, id, "basic")
	require.NoError(t, err)
	_, err = w.Intake.LandArtifact(ctx, id, "sast.sarif", []byte("{}"), "")
	assert.Equal(t, scans.CodeInvalidTransition, scans.CodeOf(err))
}

func TestUpdateStatus(t *testing.T) {
	w := apptest.New(t)
	ctx := context.Background()
	rec, err := w.Intake.Submit(ctx, appscans.SubmitCommand{WorkspaceID: "ws", ComponentID: "api", Manifest: apptest.Manifest(files)})
	require.NoError(t, err)

	_, err = w.Intake.UpdateStatus(ctx, rec.ID, "succeeded")
	assert.Equal(t, scans.CodeInvalidTransition, scans.CodeOf(err))

	got, err := w.Intake.UpdateStatus(ctx, rec.ID, "running")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusRunning, got.Status)

	got, err = w.Intake.UpdateStatus(ctx, rec.ID, "running")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusRunning, got.Status)

	_, err = w.Intake.UpdateStatus(ctx, rec.ID, "paused")
	assert.Equal(t, scans.CodeInvalidTransition, scans.CodeOf(err))
}

func TestListEvidence(t *testing.T) {
	w := apptest.New(t)
	ctx := context.Background()

	_, err := w.Intake.ListEvidence(ctx, "missing")
	assert.Equal(t, scans.CodeScanNotFound, scans.CodeOf(err))

	id := w.NewScan(t, "", files)
	out, err := w.Intake.ListEvidence(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = w.Broker.RequestUpload(ctx, id, "basic")
	require.NoError(t, err)
	out, err = w.Intake.ListEvidence(ctx, id)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
