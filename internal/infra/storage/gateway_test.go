package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
)

var layout = artifacts.Layout{RawBucket: "raw", GoldenBucket: "golden"}

func TestLayoutKeys(t *testing.T) {
	assert.Equal(t, "security-scans/s1/incoming/a.sarif", layout.Locate("s1", artifacts.ZoneRaw, "a.sarif").Key)
	assert.Equal(t, "raw", layout.Locate("s1", artifacts.ZoneQuarantine, "a.sarif").Bucket)
	assert.Equal(t, "security-scans/s1/quarantine/a.sarif", layout.Locate("s1", artifacts.ZoneQuarantine, "a.sarif").Key)
	g := layout.Locate("s1", artifacts.ZoneGolden, "a.sarif")
	assert.Equal(t, "golden", g.Bucket)
	assert.Equal(t, "security-scans/s1/golden/a.sarif", g.Key)
	assert.Equal(t, "security-scans/s1/verification-proof.json", layout.ProofKey("s1"))

	id, z, name, ok := layout.ParseKey("security-scans/s1/quarantine/a.sarif")
	require.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.Equal(t, artifacts.ZoneQuarantine, z)
	assert.Equal(t, "a.sarif", name)

	_, _, _, ok = layout.ParseKey("security-scans/s1/verification-proof.json")
	assert.False(t, ok)
}

func TestGatewayCopyKeepsDigestAndBackReference(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(NewMemory(), layout, 0, nil)

	src, err := gw.Write(ctx, "s1", artifacts.ZoneRaw, "a.sarif", []byte("report"), "")
	require.NoError(t, err)

	dst, err := gw.Copy(ctx, src, artifacts.ZoneGolden)
	require.NoError(t, err)
	assert.Equal(t, src.ContentDigest, dst.ContentDigest)
	assert.Equal(t, "raw/security-scans/s1/incoming/a.sarif", dst.CopiedFrom)
	assert.Equal(t, "golden", dst.Bucket)

	data, err := gw.Read(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("report"), data)
}

func TestGatewayMoveRemovesSource(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	gw := NewGateway(mem, layout, 0, nil)

	src, err := gw.Write(ctx, "s1", artifacts.ZoneRaw, "a.sarif", []byte("report"), "")
	require.NoError(t, err)
	q, err := gw.Move(ctx, src, artifacts.ZoneQuarantine)
	require.NoError(t, err)

	assert.Equal(t, []string{"security-scans/s1/quarantine/a.sarif"}, mem.Keys("raw"))
	assert.Equal(t, src.ContentDigest, q.ContentDigest)
}

// corruptingStore flips the destination bytes on copy.
type corruptingStore struct{ *MemoryStore }

func (c corruptingStore) Copy(ctx context.Context, sb, sk, db, dk string) error {
	return c.Put(ctx, db, dk, bytes.NewReader([]byte("corrupt")), 7, "")
}

func TestGatewayCopyDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	gw := NewGateway(corruptingStore{mem}, layout, 0, nil)

	src, err := gw.Write(ctx, "s1", artifacts.ZoneRaw, "a.sarif", []byte("report"), "")
	require.NoError(t, err)

	_, err = gw.Copy(ctx, src, artifacts.ZoneGolden)
	assert.ErrorIs(t, err, artifacts.ErrDigestMismatch)
	assert.Empty(t, mem.Keys("golden"))
}

func TestGatewayReadDetectsChangedContent(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(NewMemory(), layout, 0, nil)

	loc, err := gw.Write(ctx, "s1", artifacts.ZoneRaw, "a.sarif", []byte("v1"), "")
	require.NoError(t, err)
	_, err = gw.Write(ctx, "s1", artifacts.ZoneRaw, "a.sarif", []byte("v2"), "")
	require.NoError(t, err)

	_, err = gw.Read(ctx, loc)
	assert.ErrorIs(t, err, artifacts.ErrDigestMismatch)
}

func TestSaveProofIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(NewMemory(), layout, 0, nil)

	_, err := gw.LoadProof(ctx, "s1")
	assert.ErrorIs(t, err, artifacts.ErrNotFound)

	require.NoError(t, gw.SaveProof(ctx, "s1", []byte(`{"a":1}`)))
	require.NoError(t, gw.SaveProof(ctx, "s1", []byte(`{"a":1}`)))
	assert.ErrorIs(t, gw.SaveProof(ctx, "s1", []byte(`{"a":2}`)), artifacts.ErrExists)

	got, err := gw.LoadProof(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)
}

func TestConcurrentSaveProofHasOneWinner(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(NewMemory(), layout, 0, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners [][]byte
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := []byte(fmt.Sprintf(`{"writer":%d}`, i))
			err := gw.SaveProof(ctx, "s1", data)
			if err == nil {
				mu.Lock()
				winners = append(winners, data)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, artifacts.ErrExists)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := gw.LoadProof(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got)
}

func TestMemoryCreateRefusesTakenKey(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, mem.Create(ctx, "raw", "k", bytes.NewReader([]byte("a")), 1, ""))
	err := mem.Create(ctx, "raw", "k", bytes.NewReader([]byte("b")), 1, "")
	assert.ErrorIs(t, err, artifacts.ErrExists)
}

func TestArchiveWritesEvidenceJSON(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	gw := NewGateway(mem, layout, 0, nil)

	require.NoError(t, gw.Archive(ctx, evidence.Bundle{EvidenceID: "e1", ScanID: "s1", Decision: evidence.Allowed}))

	rc, err := mem.Get(ctx, "raw", "security-scans/s1/evidence/e1.json")
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Contains(t, string(body), `"decision": "allowed"`)
}
