package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(WorkspaceFromContext(r.Context())))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"ws-1": "k1", "ws-2": "k2"})(okHandler())

	cases := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"bearer", "/security-scans/x", "Bearer k2", http.StatusOK, "ws-2"},
		{"bare key", "/security-scans/x", "k1", http.StatusOK, "ws-1"},
		{"missing", "/security-scans/x", "", http.StatusUnauthorized, ""},
		{"wrong", "/security-scans/x", "Bearer nope", http.StatusUnauthorized, ""},
		{"probe skips auth", "/healthz", "", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/security-scans/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 1)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "a")
	assert.False(t, ok, "bucket drained")
	ok, _ = rl.Allow(ctx, "b")
	assert.True(t, ok, "keys have separate buckets")

	now = now.Add(time.Second)
	ok, _ = rl.Allow(ctx, "a")
	assert.True(t, ok, "one token refilled")

	now = now.Add(20 * time.Minute)
	assert.Equal(t, 2, rl.prune(10*time.Minute))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter(1, 0), time.Minute, nil)(okHandler())

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusOK, do("/security-scans/x").Code)
	limited := do("/security-scans/x")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("/readyz").Code)

	t.Run("backend error lets request through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RateLimitMiddleware(failingLimiter{}, time.Minute, nil)(okHandler()).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/security-scans/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// fakeScripter counts INCRs per key the way the limiter script does.
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttl    map[string]any
}

func (f *fakeScripter) run(ctx context.Context, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[keys[0]]++
	if f.counts[keys[0]] == 1 {
		f.ttl[keys[0]] = args[0]
	}
	cmd := redis.NewCmd(ctx)
	cmd.SetVal(f.counts[keys[0]])
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal([]bool{true})
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("sha")
	return cmd
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	f := &fakeScripter{counts: map[string]int64{}, ttl: map[string]any{}}
	l, err := NewRedisLimiter(f, "", 2, 30*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	var got []bool
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ws-1:10.0.0.1")
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{true, true, false}, got)
	assert.Equal(t, int64(30000), f.ttl["scanvault:ratelimit:ws-1:10.0.0.1"])

	_, err = NewRedisLimiter(nil, "", 1, time.Second)
	assert.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	h := HealthHandler(map[string]HealthChecker{
		"db":    CheckFunc(func(context.Context) error { return nil }),
		"minio": CheckFunc(func(context.Context) error { return errors.New("bucket missing") }),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket missing")
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestMetricsHandlerMergesGauges(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsMiddleware(MetricsHandler(func() map[string]any {
		return map[string]any{"queue_depth": 3}
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_depth":3`)
	assert.Contains(t, rec.Body.String(), `"requests_total"`)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidateScanID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.ErrorIs(t, ValidateScanID("../../etc"), ErrInvalidInput)
	assert.ErrorIs(t, ValidateScanID(""), ErrInvalidInput)

	assert.NoError(t, ValidateIdentifier("workspace_id", "ws-1"))
	assert.ErrorIs(t, ValidateIdentifier("workspace_id", "ws 1;"), ErrInvalidInput)

	assert.NoError(t, ValidateReviewer("alice@example.com"))
	assert.ErrorIs(t, ValidateReviewer(""), ErrInvalidInput)
	assert.ErrorIs(t, ValidateReviewer("a b"), ErrInvalidInput)

	assert.Equal(t, "abc", SanitizeString(" a\x00b\x07c "))
}
