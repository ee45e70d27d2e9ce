package artifacts

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStore is the minimal blob API the gateway builds on.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	// Create writes only when key is free and returns ErrExists otherwise.
	Create(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Remove(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// Gateway is the zone-aware view of the object store used by the services.
// Copy and Move recompute the destination digest and fail with
// ErrDigestMismatch when it differs from the source.
type Gateway interface {
	Layout() Layout

	Write(ctx context.Context, scanID string, z Zone, name string, content []byte, contentType string) (Location, error)
	Read(ctx context.Context, loc Location) ([]byte, error)
	Locate(ctx context.Context, scanID string, z Zone, name string) (Location, error)
	List(ctx context.Context, scanID string, z Zone) ([]Location, error)
	Copy(ctx context.Context, src Location, dst Zone) (Location, error)
	Move(ctx context.Context, src Location, dst Zone) (Location, error)
	Remove(ctx context.Context, loc Location) error
}

// ProofStore persists verification proofs. SaveProof never overwrites; a
// second save with different bytes returns ErrExists.
type ProofStore interface {
	LoadProof(ctx context.Context, scanID string) ([]byte, error)
	SaveProof(ctx context.Context, scanID string, data []byte) error
}
