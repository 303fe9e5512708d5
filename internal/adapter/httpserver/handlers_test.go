package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	kvredis "github.com/fairyhunter13/sessionadmit/internal/adapter/kv/redis"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
	"github.com/fairyhunter13/sessionadmit/internal/service/coordinator"
	"github.com/fairyhunter13/sessionadmit/internal/service/digest"
	"github.com/fairyhunter13/sessionadmit/internal/service/quota"
)

type testAccountProvider struct{ accounts map[string]domain.Account }

func (p *testAccountProvider) GetAccount(_ context.Context, id string) (domain.Account, error) {
	a, ok := p.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrInvalidAccountID
	}
	return a, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := kvredis.NewFromClient(rdb)

	accounts := &testAccountProvider{accounts: map[string]domain.Account{
		"acct-A": {
			AccountID:          "acct-A",
			Platform:           domain.PlatformClaude,
			Concurrency:        domain.ResourceLimiterConfig{Enabled: true, MaxConcurrency: 5, QueueSize: 5, QueueWaitSeconds: 5},
			SessionConcurrency: domain.SessionQuotaConfig{Enabled: true, MaxSessions: 5, WindowSeconds: 3600},
		},
	}}

	c := coordinator.New(kv, concurrency.NewRegistry(kv), quota.NewManager(kv), digest.NewValidator(kv), accounts, nil, coordinator.Config{StickyTTLHours: 168, RenewalThresholdMinutes: 60})
	return NewServer(c, func(ctx domain.Context) error {
		_, _, err := kv.Get(ctx, "healthcheck")
		return err
	})
}

func TestAdmitHandler_GrantsAndReturnsReleaseToken(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"apiKeyId":          "key-1",
		"apiKeyConcurrency": map[string]any{"enabled": true, "maxConcurrency": 5, "queueSize": 5, "queueWaitSeconds": 5},
		"accountCandidates": []string{"acct-A"},
		"sessionHash":       "hash-1",
		"body": map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": []map[string]any{{"kind": "text", "text": "hi"}}},
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/admit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.AdmitHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp admitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Granted)
	require.Equal(t, "acct-A", resp.AccountID)
	require.NotEmpty(t, resp.ReleaseToken)

	releaseReq := httptest.NewRequest(http.MethodDelete, "/v1/admit/"+resp.ReleaseToken, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("token", resp.ReleaseToken)
	releaseReq = releaseReq.WithContext(context.WithValue(releaseReq.Context(), chi.RouteCtxKey, rctx))
	releaseRec := httptest.NewRecorder()
	s.ReleaseHandler()(releaseRec, releaseReq)
	require.Equal(t, http.StatusNoContent, releaseRec.Code)
}

func TestAdmitHandler_RejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admit", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.AdmitHandler()(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseHandler_UnknownTokenReturnsError(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/v1/admit/nope", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("token", "nope")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	s.ReleaseHandler()(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.HealthzHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
