package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
)

// Gateway is the zone-aware object store view. Every copy is followed by a
// digest check of the destination.
type Gateway struct {
	store     artifacts.ObjectStore
	layout    artifacts.Layout
	opTimeout time.Duration
	log       *zap.Logger
}

func NewGateway(store artifacts.ObjectStore, layout artifacts.Layout, opTimeout time.Duration, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{store: store, layout: layout, opTimeout: opTimeout, log: log}
}

func (g *Gateway) Layout() artifacts.Layout { return g.layout }

func (g *Gateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opTimeout)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (g *Gateway) readObject(ctx context.Context, bucket, key string) ([]byte, error) {
	rc, err := g.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *Gateway) Write(ctx context.Context, scanID string, z artifacts.Zone, name string, content []byte, contentType string) (artifacts.Location, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()
	loc := g.layout.Locate(scanID, z, name)
	if err := g.store.Put(ctx, loc.Bucket, loc.Key, bytes.NewReader(content), int64(len(content)), contentType); err != nil {
		return artifacts.Location{}, fmt.Errorf("put %s: %w", loc, err)
	}
	loc.ContentDigest = digest(content)
	return loc, nil
}

// Read returns the object's bytes. When loc carries a digest the bytes must
// still match it.
func (g *Gateway) Read(ctx context.Context, loc artifacts.Location) ([]byte, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()
	data, err := g.readObject(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, err
	}
	if loc.ContentDigest != "" && digest(data) != loc.ContentDigest {
		return nil, fmt.Errorf("%w: %s", artifacts.ErrDigestMismatch, loc)
	}
	return data, nil
}

func (g *Gateway) Locate(ctx context.Context, scanID string, z artifacts.Zone, name string) (artifacts.Location, error) {
	loc := g.layout.Locate(scanID, z, name)
	data, err := g.Read(ctx, loc)
	if err != nil {
		return artifacts.Location{}, err
	}
	loc.ContentDigest = digest(data)
	return loc, nil
}

func (g *Gateway) List(ctx context.Context, scanID string, z artifacts.Zone) ([]artifacts.Location, error) {
	bucket := g.layout.Bucket(z)
	objs, err := g.store.List(ctx, bucket, g.layout.ZonePrefix(scanID, z))
	if err != nil {
		return nil, err
	}
	out := make([]artifacts.Location, 0, len(objs))
	for _, o := range objs {
		data, err := g.readObject(ctx, bucket, o.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, artifacts.Location{Zone: z, Bucket: bucket, Key: o.Key, ContentDigest: digest(data)})
	}
	return out, nil
}

// Copy copies src into zone dst and checks that the destination digest
// equals the source digest. On mismatch the destination is removed.
func (g *Gateway) Copy(ctx context.Context, src artifacts.Location, dst artifacts.Zone) (artifacts.Location, error) {
	scanID, _, name, ok := g.layout.ParseKey(src.Key)
	if !ok {
		return artifacts.Location{}, fmt.Errorf("not a zone key: %s", src.Key)
	}
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	want := src.ContentDigest
	if want == "" {
		data, err := g.readObject(ctx, src.Bucket, src.Key)
		if err != nil {
			return artifacts.Location{}, err
		}
		want = digest(data)
	}

	out := g.layout.Locate(scanID, dst, name)
	if err := g.store.Copy(ctx, src.Bucket, src.Key, out.Bucket, out.Key); err != nil {
		return artifacts.Location{}, fmt.Errorf("copy %s -> %s: %w", src, out, err)
	}
	got, err := g.readObject(ctx, out.Bucket, out.Key)
	if err != nil {
		return artifacts.Location{}, fmt.Errorf("read back %s: %w", out, err)
	}
	if d := digest(got); d != want {
		g.log.Error("digest mismatch after copy",
			zap.String("src", src.Ref()),
			zap.String("dst", out.Ref()),
			zap.String("want", want),
			zap.String("got", d))
		if rmErr := g.store.Remove(context.WithoutCancel(ctx), out.Bucket, out.Key); rmErr != nil {
			g.log.Error("remove corrupt copy", zap.String("dst", out.Ref()), zap.Error(rmErr))
		}
		return artifacts.Location{}, fmt.Errorf("%w: %s", artifacts.ErrDigestMismatch, out)
	}
	out.ContentDigest = want
	out.CopiedFrom = src.Ref()
	return out, nil
}

// Move is a verified Copy followed by removal of the source.
func (g *Gateway) Move(ctx context.Context, src artifacts.Location, dst artifacts.Zone) (artifacts.Location, error) {
	out, err := g.Copy(ctx, src, dst)
	if err != nil {
		return artifacts.Location{}, err
	}
	if err := g.Remove(ctx, src); err != nil {
		return artifacts.Location{}, err
	}
	return out, nil
}

func (g *Gateway) Remove(ctx context.Context, loc artifacts.Location) error {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()
	if err := g.store.Remove(ctx, loc.Bucket, loc.Key); err != nil {
		return fmt.Errorf("remove %s: %w", loc, err)
	}
	return nil
}

func (g *Gateway) LoadProof(ctx context.Context, scanID string) ([]byte, error) {
	return g.readObject(ctx, g.layout.RawBucket, g.layout.ProofKey(scanID))
}

// SaveProof writes the proof once. Saving identical bytes again is a no-op.
func (g *Gateway) SaveProof(ctx context.Context, scanID string, data []byte) error {
	key := g.layout.ProofKey(scanID)
	err := g.store.Create(ctx, g.layout.RawBucket, key, bytes.NewReader(data), int64(len(data)), "application/json")
	if !errors.Is(err, artifacts.ErrExists) {
		return err
	}
	existing, lerr := g.LoadProof(ctx, scanID)
	if lerr != nil {
		return fmt.Errorf("load existing proof: %w", lerr)
	}
	if bytes.Equal(existing, data) {
		return nil
	}
	return fmt.Errorf("%w: proof for %s", artifacts.ErrExists, scanID)
}

// Archive writes an evidence bundle's JSON next to the scan.
func (g *Gateway) Archive(ctx context.Context, b evidence.Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	key := g.layout.EvidenceKey(b.ScanID, b.EvidenceID)
	return g.store.Put(ctx, g.layout.RawBucket, key, bytes.NewReader(data), int64(len(data)), "application/json")
}

var (
	_ artifacts.Gateway    = (*Gateway)(nil)
	_ artifacts.ProofStore = (*Gateway)(nil)
	_ evidence.Archive     = (*Gateway)(nil)
)
