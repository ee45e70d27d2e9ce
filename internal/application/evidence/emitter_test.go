package evidence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/application"
	appevidence "github.com/bryanwahyu/scanvault/internal/application/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/infra/db/memory"
	"github.com/bryanwahyu/scanvault/internal/infra/signing"
	"github.com/bryanwahyu/scanvault/internal/infra/storage"
)

const identity = "scanvault@test"

type fixture struct {
	emitter *appevidence.Emitter
	repo    *memory.EvidenceRepository
	store   *storage.MemoryStore
}

func newFixture(t *testing.T, repo evidence.Repository) fixture {
	t.Helper()
	keys := signing.NewKeySet()
	require.NoError(t, keys.AddSeed(identity, signing.SeedFromSecret("test")))
	mem := memory.NewEvidenceRepository()
	if repo == nil {
		repo = mem
	}
	store := storage.NewMemory()
	gw := storage.NewGateway(store, artifacts.Layout{RawBucket: "raw", GoldenBucket: "golden"}, 0, nil)
	e, err := appevidence.NewEmitter(appevidence.Config{
		Repo:     repo,
		Archive:  gw,
		Signer:   keys,
		Identity: identity,
		Clock: application.ClockFunc(func() time.Time {
			return time.Date(2026, 5, 1, 12, 0, 0, 123456789, time.UTC)
		}),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return fixture{emitter: e, repo: mem, store: store}
}

func TestRecordPersistsSignedBundle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.emitter.Record(ctx, evidence.Request{
		ScanID: "s1", Decision: evidence.Denied, Guardrail: evidence.GuardrailSignatureVerification,
		Reason: string(scans.CodeVerificationRejected),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := f.emitter.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	b := out[0]
	assert.Equal(t, id, b.EvidenceID)
	assert.Equal(t, b.Hash(), b.ContentHash)
	assert.Equal(t, 123456000, b.Timestamp.Nanosecond())
	assert.Equal(t, identity, b.Signer)

	ok, err := f.emitter.Verify(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	b.Reason = "tampered"
	ok, err = f.emitter.Verify(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Contains(t, f.store.Keys("raw"), "security-scans/s1/evidence/"+id+".json")
}

func TestRecordCarriesProofReference(t *testing.T) {
	f := newFixture(t, nil)
	proof := &scans.VerificationProof{Tier: scans.TierVerified, LogEntryReference: "memlog-0-abc"}

	_, err := f.emitter.Record(context.Background(), evidence.Request{
		ScanID: "s1", Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission, Proof: proof,
	})
	require.NoError(t, err)

	out, err := f.emitter.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	want, err := proof.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, out[0].ProofDigest)
	assert.Equal(t, "memlog-0-abc", out[0].LogEntryReference)
}

func TestRecordRejectsIncompleteRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.emitter.Record(context.Background(), evidence.Request{ScanID: "s1", Decision: evidence.Allowed})
	require.Error(t, err)
	_, err = f.emitter.Record(context.Background(), evidence.Request{ScanID: "s1", Decision: "maybe", Guardrail: evidence.GuardrailLockExpiry})
	require.Error(t, err)
	assert.Zero(t, f.repo.Len())
}

type failingRepo struct{ memory.EvidenceRepository }

func (*failingRepo) Append(context.Context, evidence.Bundle) error { return errors.New("disk full") }

func TestRecordSurfacesWriteFailure(t *testing.T) {
	f := newFixture(t, &failingRepo{})
	_, err := f.emitter.Record(context.Background(), evidence.Request{
		ScanID: "s1", Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission,
	})
	require.ErrorContains(t, err, "disk full")
}

func TestConcurrentRecordsAllLand(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.emitter.Record(context.Background(), evidence.Request{
				ScanID: "s1", Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, f.repo.Len())
}

func TestRecordAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	f.emitter.Close()
	_, err := f.emitter.Record(context.Background(), evidence.Request{
		ScanID: "s1", Decision: evidence.Allowed, Guardrail: evidence.GuardrailUploadPermission,
	})
	require.ErrorIs(t, err, evidence.ErrClosed)
}
