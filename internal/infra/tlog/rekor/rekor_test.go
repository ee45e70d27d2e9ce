package rekor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
	"github.com/bryanwahyu/scanvault/internal/infra/signing"
)

// fakeRekor keeps hashedrekord bodies by hash value and answers 409 for
// duplicates, the way Rekor does.
type fakeRekor struct {
	mu        sync.Mutex
	bodies    map[string][]byte
	failPosts int
	posts     int
}

func (f *fakeRekor) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/log/entries":
			f.posts++
			if f.posts <= f.failPosts {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			body, _ := io.ReadAll(r.Body)
			var entry hashedRekord
			if !assert.NoError(t, json.Unmarshal(body, &entry)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			uuid := "uuid-" + entry.Spec.Data.Hash.Value[:12]
			if _, ok := f.bodies[uuid]; ok {
				w.Header().Set("Location", "/api/v1/log/entries/"+uuid)
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.bodies[uuid] = body
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{uuid: map[string]any{"logIndex": len(f.bodies) - 1}})
		case r.Method == http.MethodGet:
			uuid := r.URL.Path[len("/api/v1/log/entries/"):]
			body, ok := f.bodies[uuid]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{uuid: map[string]any{
				"logIndex":       0,
				"integratedTime": 1700000000,
				"body":           base64.StdEncoding.EncodeToString(body),
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newClient(t *testing.T, f *fakeRekor) (*Client, *signing.KeySet) {
	t.Helper()
	f.bodies = map[string][]byte{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	ks := signing.NewKeySet()
	require.NoError(t, ks.AddSeed("tlog@scanvault", signing.SeedFromSecret("rekor-test")))
	c, err := NewClient(srv.URL, "tlog@scanvault", ks, srv.Client(),
		retry.Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	require.NoError(t, err)
	return c, ks
}

var record = tlog.Record{ScanID: "s1", ManifestDigest: "m", InnerSignatureDigest: "i", SignerInner: "ci@example.com"}

func TestAppendReturnsSignedEntry(t *testing.T) {
	c, ks := newClient(t, &fakeRekor{})
	ctx := context.Background()

	e, err := c.Append(ctx, record)
	require.NoError(t, err)

	assert.Equal(t, "uuid-"+record.Digest()[:12], e.Reference)
	assert.Equal(t, record.Digest(), e.RecordDigest)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), e.Timestamp)
	ok, err := ks.Verify(ctx, record.Canonical(), e.OuterSignature, e.Signer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendDuplicateResolvesExistingEntry(t *testing.T) {
	f := &fakeRekor{}
	c, _ := newClient(t, f)
	ctx := context.Background()

	first, err := c.Append(ctx, record)
	require.NoError(t, err)
	second, err := c.Append(ctx, record)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.bodies, 1)
}

func TestAppendRetriesUnavailable(t *testing.T) {
	f := &fakeRekor{failPosts: 2}
	c, _ := newClient(t, f)

	_, err := c.Append(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, 3, f.posts)
}

func TestAppendExhaustsRetries(t *testing.T) {
	f := &fakeRekor{failPosts: 100}
	c, _ := newClient(t, f)

	_, err := c.Append(context.Background(), record)
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, tlog.ErrUnavailable)
}

func TestQueryNotFound(t *testing.T) {
	c, _ := newClient(t, &fakeRekor{})
	_, err := c.Query(context.Background(), "missing")
	assert.ErrorIs(t, err, tlog.ErrNotFound)
}
