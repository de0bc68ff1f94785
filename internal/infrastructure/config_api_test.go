package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryAdmin adapts a registry to the admin surface for HTTP tests.
type registryAdmin struct {
	*EndpointRegistry
	checked []string
}

func (a *registryAdmin) ReplaceConfig(ctx context.Context, cfg *domain.FederationConfig) error {
	return a.Replace(ctx, cfg)
}

func (a *registryAdmin) ForceHealthCheck(ctx context.Context, id string) (domain.HealthStatus, error) {
	if _, ok := a.Endpoint(id); !ok {
		return domain.HealthStatus{}, domain.EndpointNotFound(id)
	}
	a.checked = append(a.checked, id)
	return domain.HealthStatus{EndpointID: id, Status: domain.Healthy, LastCheck: time.Now()}, nil
}

func newTestAPI(t *testing.T) (*ConfigAPI, *registryAdmin, *memStore) {
	t.Helper()
	store := &memStore{}
	reg := NewEndpointRegistry(store, nil)
	require.NoError(t, reg.Replace(context.Background(), sampleConfig()))
	admin := &registryAdmin{EndpointRegistry: reg}
	return NewConfigAPI(admin, nil), admin, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestConfigAPI_GetConfig(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var cfg domain.FederationConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	assert.Equal(t, int64(1), cfg.Version)
	assert.Len(t, cfg.Endpoints, 2)
}

func TestConfigAPI_GetConfigEmpty(t *testing.T) {
	api := NewConfigAPI(&registryAdmin{EndpointRegistry: NewEndpointRegistry(&memStore{}, nil)}, nil)
	rec := doJSON(t, api, http.MethodGet, "/config", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfigAPI_ReplaceConfig(t *testing.T) {
	api, admin, store := newTestAPI(t)

	cfg := sampleConfig()
	cfg.Endpoints = cfg.Endpoints[:1]
	rec := doJSON(t, api, http.MethodPut, "/config", cfg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), admin.Version())
	assert.Equal(t, 2, store.saves)

	bad := sampleConfig()
	bad.Endpoints[0].Address = "not a url"
	bad.Balancer.Strategy = "random"
	rec = doJSON(t, api, http.MethodPut, "/config", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid configuration", resp.Error)
	assert.Len(t, resp.Details, 2)
	assert.Equal(t, int64(2), admin.Version())
}

func TestConfigAPI_RejectsUnknownFields(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api, http.MethodPost, "/endpoints", map[string]any{"id": "c", "adress": "http://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigAPI_EndpointLifecycle(t *testing.T) {
	api, admin, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/endpoints", domain.RemoteEndpoint{ID: "c", Address: "http://127.0.0.1:3003"})
	require.Equal(t, http.StatusCreated, rec.Code)
	_, ok := admin.Endpoint("c")
	assert.True(t, ok)

	rec = doJSON(t, api, http.MethodPost, "/endpoints/c/health-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c"}, admin.checked)

	rec = doJSON(t, api, http.MethodDelete, "/endpoints/c", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, api, http.MethodDelete, "/endpoints/c", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/endpoints/c/health-check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigAPI_UpdateBalancer(t *testing.T) {
	api, admin, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPut, "/balancer", balancerRequest{
		Strategy: domain.WeightedRoundRobin,
		Weights:  map[string]int{"a": 50},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var settings domain.BalancerSettings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&settings))
	assert.Equal(t, domain.WeightedRoundRobin, settings.Strategy)
	ep, _ := admin.Endpoint("a")
	assert.Equal(t, 50, ep.Weight)

	rec = doJSON(t, api, http.MethodPut, "/balancer", balancerRequest{Strategy: "fastest"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigAPI_StoreFailure(t *testing.T) {
	api, _, store := newTestAPI(t)
	store.saveErr = errors.New("redis down")

	rec := doJSON(t, api, http.MethodPost, "/endpoints", domain.RemoteEndpoint{ID: "c", Address: "http://127.0.0.1:3003"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestConfigAPI_MethodNotAllowed(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api, http.MethodDelete, "/config", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigAPI_Docs(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api-docs.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/endpoints/{id}/health-check")

	rec = doJSON(t, api, http.MethodGet, "/swagger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api-docs.yaml")
}
