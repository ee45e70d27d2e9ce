package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
)

type memObject struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// MemoryStore is an in-process artifacts.ObjectStore for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

func NewMemory() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]memObject)}
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, _ int64, contentType string) error {
	return m.put(ctx, bucket, key, r, contentType, false)
}

func (m *MemoryStore) Create(ctx context.Context, bucket, key string, r io.Reader, _ int64, contentType string) error {
	return m.put(ctx, bucket, key, r, contentType, true)
}

func (m *MemoryStore) put(ctx context.Context, bucket, key string, r io.Reader, contentType string, exclusive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	if _, taken := b[key]; taken && exclusive {
		return fmt.Errorf("%w: %s/%s", artifacts.ErrExists, bucket, key)
	}
	b[key] = memObject{data: data, contentType: contentType, modTime: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) lookup(bucket, key string) (memObject, error) {
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return memObject{}, fmt.Errorf("%w: %s/%s", artifacts.ErrNotFound, bucket, key)
	}
	return obj, nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

func (m *MemoryStore) Stat(ctx context.Context, bucket, key string) (artifacts.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return artifacts.ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return artifacts.ObjectInfo{}, err
	}
	return artifacts.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modTime}, nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(srcBucket, srcKey)
	if err != nil {
		return err
	}
	b, ok := m.buckets[dstBucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[dstBucket] = b
	}
	b[dstKey] = memObject{data: append([]byte(nil), obj.data...), contentType: obj.contentType, modTime: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]artifacts.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []artifacts.ObjectInfo
	for key, obj := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, artifacts.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys lists every key of a bucket.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ artifacts.ObjectStore = (*MemoryStore)(nil)
