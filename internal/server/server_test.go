package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avkeypool/internal/cache"
	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/health"
	"github.com/vyrodovalexey/avkeypool/internal/proxy"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/scheduler"
	"github.com/vyrodovalexey/avkeypool/internal/selector"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

type fakeTransport struct {
	fn func(secret string, req *proxy.Request) (*proxy.Response, error)
}

func (f *fakeTransport) RoundTrip(_ context.Context, secret string, req *proxy.Request) (*proxy.Response, error) {
	return f.fn(secret, req)
}

type fixture struct {
	server *Server
	creds  *credential.MemoryStore
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T, adminToken string, upstream func(secret string, req *proxy.Request) (*proxy.Response, error)) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	scfg := statestore.DefaultConfig()
	scfg.Address = mr.Addr()
	scfg.ConnectRetries = 1

	state, err := statestore.New(scfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	creds := credential.NewMemoryStore()
	activeSet := cache.NewActiveSet(cache.NewMemoryCache(128, nil), time.Minute, nil)

	limiter, err := ratelimit.NewLimiter(state, ratelimit.Limit{Capacity: 20, RefillRate: 1}, time.Hour, nil)
	require.NoError(t, err)

	tracker := credential.NewTracker(creds, 3, activeSet.Invalidate, nil)
	sel := selector.New(creds, activeSet, limiter, selector.DefaultConfig(), nil)

	if upstream == nil {
		upstream = func(string, *proxy.Request) (*proxy.Response, error) {
			return &proxy.Response{
				StatusCode: http.StatusOK,
				Body:       []byte(`data: {"candidates":[{"content":{"parts":[{"text":"h"}]}}]}`),
			}, nil
		}
	}
	transport := &fakeTransport{fn: upstream}

	coord := proxy.NewCoordinator(sel, transport, tracker, proxy.CoordinatorConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		Jitter:         0.2,
	}, nil)

	prober := scheduler.NewProber(transport, scheduler.ProbeConfig{Model: "gemini-1.5-flash", Timeout: time.Second})
	sched := scheduler.New(creds, tracker, prober, state, scheduler.DefaultSettings(), nil)
	t.Cleanup(sched.Stop)

	checker := health.NewChecker("test")

	srv := New(Config{AdminToken: adminToken}, Deps{
		Credentials: creds,
		ActiveSet:   activeSet,
		Limiter:     limiter,
		Scheduler:   sched,
		Coordinator: coord,
		Checker:     checker,
		Logger:      nil,
	})

	return &fixture{server: srv, creds: creds, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp health.HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

func TestReadyzUnhealthy(t *testing.T) {
	f := newFixture(t, "", nil)
	f.server.deps.Checker.RegisterCheck("statestore", func() health.Check {
		return health.Check{Status: health.StatusUnhealthy, Message: "connection refused"}
	})

	rec := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzDegradedStillReady(t *testing.T) {
	f := newFixture(t, "", nil)
	f.server.deps.Checker.RegisterCheck("statestore", func() health.Check {
		return health.Check{Status: health.StatusDegraded, Message: "rate limiting suspended"}
	})

	rec := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, "s3cret", nil)

	rec := f.do(t, http.MethodGet, "/admin/credentials", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/credentials", nil, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/credentials", nil, map[string]string{"X-Admin-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImportListDelete(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/admin/credentials", jsonBody{"keys": []string{"sk-alpha-1234", "sk-beta-5678", "  "}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var imported struct {
		Added       int              `json:"added"`
		Skipped     int              `json:"skipped"`
		Credentials []credentialView `json:"credentials"`
	}
	decode(t, rec, &imported)
	assert.Equal(t, 2, imported.Added)
	assert.Equal(t, 0, imported.Skipped)
	require.Len(t, imported.Credentials, 2)
	assert.NotContains(t, rec.Body.String(), "sk-alpha-1234", "responses must not leak secrets")

	// Re-importing the same secret is skipped, not an error.
	rec = f.do(t, http.MethodPost, "/admin/credentials", jsonBody{"keys": []string{"sk-alpha-1234"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &imported)
	assert.Equal(t, 0, imported.Added)
	assert.Equal(t, 1, imported.Skipped)

	rec = f.do(t, http.MethodGet, "/admin/credentials", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Credentials []credentialView `json:"credentials"`
		Total       int              `json:"total"`
	}
	decode(t, rec, &listed)
	require.Equal(t, 2, listed.Total)
	keys := []string{listed.Credentials[0].Key, listed.Credentials[1].Key}
	assert.ElementsMatch(t, []string{"****1234", "****5678"}, keys)

	ids := []string{listed.Credentials[0].ID}
	rec = f.do(t, http.MethodDelete, "/admin/credentials", jsonBody{"ids": ids}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var deleted struct {
		Removed []string `json:"removed"`
	}
	decode(t, rec, &deleted)
	assert.Equal(t, ids, deleted.Removed)

	rec = f.do(t, http.MethodGet, "/admin/credentials", nil, nil)
	decode(t, rec, &listed)
	assert.Equal(t, 1, listed.Total)
}

func TestImportRejectsEmpty(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/admin/credentials", jsonBody{"keys": []string{"", "   "}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/credentials", jsonBody{"wrong": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t, "", nil)
	seedCredential(t, f, "sk-active", credential.StatusActive)
	seedCredential(t, f, "sk-dead", credential.StatusError)

	rec := f.do(t, http.MethodGet, "/admin/credentials?status=error", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Total int `json:"total"`
	}
	decode(t, rec, &listed)
	assert.Equal(t, 1, listed.Total)

	rec = f.do(t, http.MethodGet, "/admin/credentials?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCredentialNotFound(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/admin/credentials/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBucketLifecycle(t *testing.T) {
	f := newFixture(t, "", nil)
	c := seedCredential(t, f, "sk-bucket", credential.StatusActive)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/admin/credentials/%s/bucket", c.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info ratelimit.BucketInfo
	decode(t, rec, &info)
	assert.Equal(t, 20, info.Capacity)
	assert.Equal(t, float64(20), info.Tokens)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/admin/credentials/%s/bucket", c.ID),
		jsonBody{"capacity": 5, "refillRate": 0.5}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &info)
	assert.Equal(t, 5, info.Capacity)
	assert.Equal(t, 0.5, info.RefillRate)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/admin/credentials/%s/bucket", c.ID),
		jsonBody{"capacity": -1, "refillRate": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/admin/credentials/%s/bucket", c.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/admin/credentials/%s/bucket", c.ID), nil, nil)
	decode(t, rec, &info)
	assert.Equal(t, 20, info.Capacity, "reset restores pool defaults")
}

func TestBucketUnknownCredential(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/admin/credentials/nope/bucket", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateTaskFlow(t *testing.T) {
	f := newFixture(t, "", nil)
	seedCredential(t, f, "sk-live-1234", credential.StatusActive)

	rec := f.do(t, http.MethodPost, "/admin/validate", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started struct {
		TaskID string `json:"taskId"`
	}
	decode(t, rec, &started)
	require.NotEmpty(t, started.TaskID)

	var task scheduler.Task
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/admin/validate/"+started.TaskID, nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		decode(t, rec, &task)
		return task.Status == scheduler.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, task.Results, 1)
	assert.Equal(t, "****1234", task.Results[0].Key)
	assert.Equal(t, "valid", task.Results[0].Status)
}

func TestValidationTaskNotFound(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/admin/validate/no-such-task", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, "", nil)
	seedCredential(t, f, "sk-1", credential.StatusActive)
	seedCredential(t, f, "sk-2", credential.StatusExhausted)

	rec := f.do(t, http.MethodGet, "/admin/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats credential.Stats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Exhausted)
	assert.Equal(t, 2, stats.Total)
}

func TestStatsHistoryBadLimit(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/admin/stats/history?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyRelay(t *testing.T) {
	var gotSecret string
	var gotPath string
	f := newFixture(t, "", func(secret string, req *proxy.Request) (*proxy.Response, error) {
		gotSecret = secret
		gotPath = req.Path
		return &proxy.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"candidates":[]}`),
		}, nil
	})
	seedCredential(t, f, "sk-proxy", credential.StatusActive)

	rec := f.do(t, http.MethodPost, "/v1beta/models/gemini-1.5-flash:generateContent?alt=json",
		jsonBody{"contents": []string{}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-proxy", gotSecret)
	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", gotPath)
	assert.JSONEq(t, `{"candidates":[]}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestProxyRelaysFinalUpstreamError(t *testing.T) {
	f := newFixture(t, "", func(string, *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{StatusCode: http.StatusTooManyRequests, Body: []byte("quota")}, nil
	})
	seedCredential(t, f, "sk-drained", credential.StatusActive)

	rec := f.do(t, http.MethodPost, "/v1beta/models/x:generateContent", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota", rec.Body.String())
}

func TestProxyFailsOpenWhenStoreDown(t *testing.T) {
	f := newFixture(t, "", func(string, *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	seedCredential(t, f, "sk-survivor", credential.StatusActive)

	f.mr.Close()

	rec := f.do(t, http.MethodPost, "/v1beta/models/x:generateContent", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProxyNoCredential(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/v1beta/models/x:generateContent", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// jsonBody mirrors gin.H for request bodies without importing gin here.
type jsonBody map[string]interface{}

func seedCredential(t *testing.T, f *fixture, secret string, status credential.Status) *credential.Credential {
	t.Helper()

	c := credential.New(secret)
	c.Status = status
	added, err := f.creds.Add(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, added, 1)
	return added[0]
}
