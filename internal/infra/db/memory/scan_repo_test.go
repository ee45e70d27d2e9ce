package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/infra/db/memory"
)

func seed(t *testing.T, repo *memory.ScanRepository) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, repo.Create(context.Background(), &scans.ScanRecord{
		ID: "s1", Status: scans.StatusSucceeded, UploadStatus: scans.UploadNone,
		PromotionState: scans.PromotionIncoming, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestConcurrentPendingHasSingleWinner(t *testing.T) {
	repo := memory.NewScanRepository()
	seed(t, repo)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.CompareAndSwap(context.Background(), "s1", scans.UploadNone, scans.UploadTransition{
				To: scans.UploadPending, Tier: scans.TierBasic, PermissionID: "p", At: time.Now(),
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	rec, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UploadAttempts)
}

func TestRetryOnlyAfterRetriableFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewScanRepository()
	seed(t, repo)

	pending := scans.UploadTransition{To: scans.UploadPending, Tier: scans.TierVerified, PermissionID: "p1", At: time.Now()}
	ok, err := repo.CompareAndSwap(ctx, "s1", scans.UploadNone, pending)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadFailed, Reason: scans.CodeVerificationRejected, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	retry := pending
	retry.Retry = true
	ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadFailed, retry)
	require.NoError(t, err)
	assert.False(t, ok, "terminal failure must not be retried")
}

func TestTierIsFixedOnceSet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewScanRepository()
	seed(t, repo)

	ok, err := repo.CompareAndSwap(ctx, "s1", scans.UploadNone, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierBasic, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadFailed, Reason: scans.CodeCancelled, Retriable: true, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadFailed, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierVerified, Retry: true, At: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, scans.TierBasic, rec.RequestedTier)
}

func TestGetReturnsCopy(t *testing.T) {
	repo := memory.NewScanRepository()
	seed(t, repo)

	rec, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	rec.UploadStatus = scans.UploadUploaded

	again, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, scans.UploadNone, again.UploadStatus)
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewScanRepository()
	seed(t, repo)
	past := time.Now().Add(-time.Hour)
	ok, err := repo.CompareAndSwap(ctx, "s1", scans.UploadNone, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierBasic, At: past,
	})
	require.NoError(t, err)
	require.True(t, ok)

	out, err := repo.ListStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, scans.ScanID("s1"), out[0].ID)

	out, err = repo.ListStale(ctx, past.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecisionOnlyAppliesToCurrentClaim(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewScanRepository()
	seed(t, repo)

	ok, err := repo.CompareAndSwap(ctx, "s1", scans.UploadNone, scans.UploadTransition{
		To: scans.UploadPending, Tier: scans.TierBasic, PermissionID: "p-new", At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	for _, to := range []scans.UploadStatus{scans.UploadPermitted, scans.UploadFailed} {
		ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadPending, scans.UploadTransition{
			To: to, Tier: scans.TierBasic, PermissionID: "p-old", Reason: scans.CodeLockExpired, At: time.Now(),
		})
		require.NoError(t, err)
		assert.False(t, ok, to)
	}

	ok, err = repo.CompareAndSwap(ctx, "s1", scans.UploadPending, scans.UploadTransition{
		To: scans.UploadPermitted, Tier: scans.TierBasic, PermissionID: "p-new", At: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, scans.UploadPermitted, rec.UploadStatus)
	assert.Equal(t, "p-new", rec.UploadPermissionID)
}
