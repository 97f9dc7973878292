package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"keypool/internal/config"
	"keypool/internal/credstore"
	"keypool/internal/health"
	"keypool/internal/model"
	"keypool/internal/router"
	"keypool/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type mockCreds struct {
	addErr     error
	getErr     error
	opErr      error
	listErr    error
	lastActive *bool
	cred       *model.Credential
}

func (m *mockCreds) Add(ctx context.Context, provider, secret, nickname, owner string, skip bool) (*model.CredentialView, error) {
	if m.addErr != nil {
		return nil, m.addErr
	}
	return &model.CredentialView{PublicID: "pub-1", Provider: provider, SecretSuffix: "1234", Active: true}, nil
}

func (m *mockCreds) Deactivate(publicID string) error {
	f := false
	m.lastActive = &f
	return m.opErr
}

func (m *mockCreds) Reactivate(publicID string) error {
	tr := true
	m.lastActive = &tr
	return m.opErr
}

func (m *mockCreds) List(owner string) ([]model.CredentialView, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return []model.CredentialView{{PublicID: "pub-1", Provider: "openai"}}, nil
}

func (m *mockCreds) Get(publicID string) (*model.Credential, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.cred != nil {
		return m.cred, nil
	}
	c := &model.Credential{PublicID: publicID, Provider: "openai", Secret: "sk-secret"}
	c.ID = 1
	return c, nil
}

type mockSelector struct {
	cred *model.Credential
	err  error
}

func (m *mockSelector) SelectBest(provider, modelName string) (*model.Credential, error) {
	return m.cred, m.err
}

type mockLedger struct {
	err      error
	reserved int
}

func (m *mockLedger) Reserve(cred *model.Credential, modelName string) error {
	m.reserved++
	return m.err
}

type mockMonitor struct {
	outcomes int
	lastOK   bool
}

func (m *mockMonitor) RecordOutcome(cred *model.Credential, modelName string, success bool, latencyMs int64) {
	m.outcomes++
	m.lastOK = success
}

type mockProber struct {
	latency int64
	err     error
}

func (m *mockProber) Probe(ctx context.Context, cred *model.Credential, spec *config.ProviderSpec) (int64, error) {
	return m.latency, m.err
}

type mockDashboard struct{}

func (mockDashboard) Snapshot() *model.DashboardSnapshot {
	return &model.DashboardSnapshot{Pool: model.PoolSummary{QuotaStatus: "healthy"}}
}

type mockActivity struct {
	entries []model.RequestLog
	err     error
}

func (m *mockActivity) ListRecentRequestLogs(limit int) ([]model.RequestLog, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

type testEnv struct {
	engine   *gin.Engine
	creds    *mockCreds
	selector *mockSelector
	ledger   *mockLedger
	monitor  *mockMonitor
	prober   *mockProber
	activity *mockActivity
}

const testPassword = "secret"

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		creds:    &mockCreds{},
		selector: &mockSelector{},
		ledger:   &mockLedger{},
		monitor:  &mockMonitor{},
		prober:   &mockProber{latency: 42},
		activity: &mockActivity{},
	}

	cfg := &config.Config{
		Admin: config.AdminConfig{Password: testPassword},
		Providers: []config.ProviderSpec{
			{Name: "openai", Models: []string{"gpt-4o"}, DailyQuota: 100},
		},
	}

	handler := NewHandler(env.creds, env.selector, env.ledger, env.monitor, env.prober, mockDashboard{}, env.activity, cfg)
	env.engine = gin.New()
	SetupRoutes(env.engine, handler, cfg.Admin.Password)
	return env
}

func doRequest(env *testEnv, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.SetBasicAuth("admin", testPassword)
	}
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	env := setupTestAPI(t)

	t.Run("missing credentials", func(t *testing.T) {
		w := doRequest(env, http.MethodGet, "/dashboard", nil, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.SetBasicAuth("admin", "wrong")
		w := httptest.NewRecorder()
		env.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("healthz is open", func(t *testing.T) {
		w := doRequest(env, http.MethodGet, "/healthz", nil, false)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDashboardHandler(t *testing.T) {
	env := setupTestAPI(t)
	w := doRequest(env, http.MethodGet, "/dashboard", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"quota_status":"healthy"`)
}

func TestProvidersHandler(t *testing.T) {
	env := setupTestAPI(t)
	w := doRequest(env, http.MethodGet, "/providers", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []struct {
			Name      string `json:"name"`
			KeysCount int    `json:"keys_count"`
		} `json:"providers"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Providers, 1)
	assert.Equal(t, "openai", resp.Providers[0].Name)
	assert.Equal(t, 1, resp.Providers[0].KeysCount)
}

func TestAddKeyHandler(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		env := setupTestAPI(t)
		w := doRequest(env, http.MethodPost, "/keys", AddKeyRequest{Provider: "openai", APIKey: "sk-x"}, true)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"secret_suffix":"1234"`)
	})

	t.Run("missing fields", func(t *testing.T) {
		env := setupTestAPI(t)
		w := doRequest(env, http.MethodPost, "/keys", map[string]string{"provider": "openai"}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid key maps to 422", func(t *testing.T) {
		env := setupTestAPI(t)
		env.creds.addErr = health.ErrInvalidKey
		w := doRequest(env, http.MethodPost, "/keys", AddKeyRequest{Provider: "openai", APIKey: "sk-x"}, true)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unreachable provider maps to 502", func(t *testing.T) {
		env := setupTestAPI(t)
		env.creds.addErr = health.ErrProviderUnreachable
		w := doRequest(env, http.MethodPost, "/keys", AddKeyRequest{Provider: "openai", APIKey: "sk-x"}, true)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestDeactivateKeyHandler(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		env := setupTestAPI(t)
		w := doRequest(env, http.MethodDelete, "/keys/pub-1", nil, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotNil(t, env.creds.lastActive)
		assert.False(t, *env.creds.lastActive)
	})

	t.Run("not found", func(t *testing.T) {
		env := setupTestAPI(t)
		env.creds.opErr = credstore.ErrCredentialNotFound
		w := doRequest(env, http.MethodDelete, "/keys/missing", nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTestKeyHandler(t *testing.T) {
	t.Run("success returns latency", func(t *testing.T) {
		env := setupTestAPI(t)
		w := doRequest(env, http.MethodPost, "/keys/pub-1/test", nil, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"latency_ms":42`)
	})

	t.Run("probe failure maps through the taxonomy", func(t *testing.T) {
		env := setupTestAPI(t)
		env.prober.err = health.ErrProviderUnreachable
		w := doRequest(env, http.MethodPost, "/keys/pub-1/test", nil, true)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("unknown credential", func(t *testing.T) {
		env := setupTestAPI(t)
		env.creds.getErr = credstore.ErrCredentialNotFound
		w := doRequest(env, http.MethodPost, "/keys/missing/test", nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSelectHandler(t *testing.T) {
	t.Run("returns the selected credential", func(t *testing.T) {
		env := setupTestAPI(t)
		c := &model.Credential{PublicID: "pub-9", Provider: "openai", Secret: "sk-chosen"}
		env.selector.cred = c

		w := doRequest(env, http.MethodPost, "/select", SelectRequest{Provider: "openai", Model: "gpt-4o"}, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"credential_id":"pub-9"`)
		assert.Contains(t, w.Body.String(), `"api_key":"sk-chosen"`)
	})

	t.Run("no capacity maps to 503", func(t *testing.T) {
		env := setupTestAPI(t)
		env.selector.err = router.ErrNoEligibleKey
		w := doRequest(env, http.MethodPost, "/select", SelectRequest{Provider: "openai"}, true)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestReportHandler(t *testing.T) {
	t.Run("reserves and records", func(t *testing.T) {
		env := setupTestAPI(t)
		w := doRequest(env, http.MethodPost, "/report", ReportRequest{CredentialID: "pub-1", Model: "gpt-4o", Success: true, LatencyMs: 120}, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, env.ledger.reserved)
		assert.Equal(t, 1, env.monitor.outcomes)
		assert.True(t, env.monitor.lastOK)
	})

	t.Run("race loser still records the outcome", func(t *testing.T) {
		env := setupTestAPI(t)
		env.ledger.err = usage.ErrQuotaExceeded
		w := doRequest(env, http.MethodPost, "/report", ReportRequest{CredentialID: "pub-1", Success: false}, true)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, 1, env.monitor.outcomes, "outcome is recorded exactly once per attempt")
	})
}

func TestRecentStatsHandler(t *testing.T) {
	env := setupTestAPI(t)
	env.activity.entries = []model.RequestLog{
		{Provider: "openai", ModelName: "gpt-4o", Success: true, LatencyMs: 100},
		{Provider: "openai", ModelName: "gpt-4o", Success: false, LatencyMs: 300, Probe: true},
	}

	w := doRequest(env, http.MethodGet, "/stats/recent?limit=1", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Requests []model.RequestLogView `json:"requests"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Requests, 1)
	assert.Equal(t, "openai", resp.Requests[0].Provider)
}
