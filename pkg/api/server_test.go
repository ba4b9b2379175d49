package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keeper_market/pkg/config"
	"keeper_market/pkg/data"
	"keeper_market/pkg/escrow"
	"keeper_market/pkg/gateway"
	"keeper_market/pkg/keeper"
	"keeper_market/pkg/settlement"
	"keeper_market/pkg/stake"
)

const testJWTSecret = "api-test-secret"

type apiFixture struct {
	server *Server
	repo   *data.MemoryRepository
	queue  *settlement.Logger
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := data.NewMemoryRepository()

	box, err := gateway.NewAESCredentialBox("api-test-master-key")
	require.NoError(t, err)

	esc := escrow.NewService(repo, escrow.Params{
		GasPerCall:   50000,
		GasPrice:     0.000000001,
		BufferFactor: 1.2,
	}, logger)

	settle := settlement.NewLogger(repo, esc, settlement.NewMemoryLedger(), settlement.Config{
		QueueSize: 64, Workers: 1, RetryAttempts: 0, RetryDelay: time.Millisecond,
	}, logger)

	dir := keeper.NewDirectory(repo, logger)
	proxy := gateway.NewProxy(repo, box, dir, nil, settle, gateway.Options{
		Mode:            gateway.ModeDirect,
		UpstreamTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}, logger)

	cfg := &config.Config{
		Environment: "development",
		Gateway: config.GatewayConfig{
			Mode:            "direct",
			UpstreamTimeout: 5 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Security: config.SecurityConfig{JWTSecret: testJWTSecret},
	}

	server := NewServer(cfg, Services{
		Repo:      repo,
		Proxy:     proxy,
		Executor:  gateway.NewExecutor(5*time.Second, 1<<20, logger),
		Box:       box,
		Directory: dir,
		Feedback:  keeper.NewFeedback(repo, logger),
		Ledger:    stake.NewLedger(repo, logger),
		Slasher:   stake.NewSlasher(repo, logger),
		Escrow:    esc,
	}, logger)

	token, err := IssueAdminToken(testJWTSecret, "test-admin", time.Hour)
	require.NoError(t, err)

	return &apiFixture{server: server, repo: repo, queue: settle, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_http_requests_total")
}

func TestAdminAuth(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{"owner": "o", "address": "0xa", "stake": 0.5}

	t.Run("missing token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/keepers", body, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/keepers", bytes.NewReader(nil))
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		f.server.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/keepers", body, true)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
}

func TestKeeperLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/keepers",
		map[string]any{"owner": "o", "address": "0xa", "stake": 0.5}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/keepers",
			map[string]any{"owner": "o", "address": "0xa", "stake": 0.5}, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("listed as active", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/keepers", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "0xa")
	})

	t.Run("heartbeat", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/keepers/0xa/heartbeat", nil, false)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("task report adjusts counters", func(t *testing.T) {
		success := true
		rec := f.do(t, http.MethodPost, "/api/v1/keepers/0xa/tasks",
			map[string]any{"success": &success, "execution_ms": 42}, false)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(1), body["total_tasks_completed"])
	})

	t.Run("stake increase action", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/api/v1/keepers/0xa",
			map[string]any{"action": "increase_stake", "amount": 0.25}, true)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.InDelta(t, 0.75, body["staked_amount"].(float64), 1e-9)
	})

	t.Run("unstake lifecycle over actions", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/api/v1/keepers/0xa",
			map[string]any{"action": "request_unstake"}, true)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPatch, "/api/v1/keepers/0xa",
			map[string]any{"action": "complete_unstake"}, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("history includes register entry", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/keepers/0xa/history", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "register")
	})
}

func TestSlashDisputeFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/keepers",
		map[string]any{"owner": "o", "address": "0xa", "stake": 0.5}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/slashes", map[string]any{
		"node_address": "0xa",
		"reason":       "data-tampering",
		"severity":     "MODERATE",
		"amount":       0.05,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	slashID := created["slash"].(map[string]any)["id"].(string)

	t.Run("invalid severity rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/slashes", map[string]any{
			"node_address": "0xa",
			"reason":       "data-tampering",
			"severity":     "CATASTROPHIC",
			"amount":       0.05,
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("slash exceeding stake rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/slashes", map[string]any{
			"node_address": "0xa",
			"reason":       "key-theft",
			"severity":     "SEVERE",
			"amount":       10.0,
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("dispute and resolve", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/disputes", map[string]any{
			"slash_id": slashID,
			"reason":   "false positive",
		}, true)
		require.Equal(t, http.StatusCreated, rec.Code)
		disputeID := decode(t, rec)["id"].(string)

		rec = f.do(t, http.MethodPost, "/api/v1/disputes", map[string]any{
			"slash_id": slashID,
			"reason":   "second attempt",
		}, true)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = f.do(t, http.MethodPatch, "/api/v1/disputes/"+disputeID,
			map[string]any{"outcome": "OVERTURNED"}, true)
		require.Equal(t, http.StatusOK, rec.Code)
		resolved := decode(t, rec)
		node := resolved["node"].(map[string]any)
		assert.InDelta(t, 0.5, node["staked_amount"].(float64), 1e-9)

		rec = f.do(t, http.MethodPatch, "/api/v1/disputes/"+disputeID,
			map[string]any{"outcome": "UPHELD"}, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestProxyEndToEndOverHTTP(t *testing.T) {
	var gotCredential string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCredential = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":"payload"}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/listings", map[string]any{
		"seller_id":         "seller-1",
		"name":              "weather",
		"upstream_base_url": upstream.URL,
		"auth_mode_kind":    "header-key",
		"auth_mode_name":    "X-Api-Key",
		"credential":        "sk-weather-secret",
		"cost_per_call":     0.001,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	listingID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/v1/grants", map[string]any{
		"buyer_id":    "buyer-1",
		"listing_id":  listingID,
		"total_quota": 2,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	accessKey := decode(t, rec)["access_key"].(string)

	proxyCall := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/proxy/v1/data", nil)
		req.Header.Set(AccessKeyHeader, key)
		rec := httptest.NewRecorder()
		f.server.Router().ServeHTTP(rec, req)
		return rec
	}

	t.Run("proxied call succeeds and meters", func(t *testing.T) {
		rec := proxyCall(accessKey)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":"payload"}`, rec.Body.String())
		assert.Equal(t, "sk-weather-secret", gotCredential)
		assert.Equal(t, "1", rec.Header().Get("X-Quota-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-Usage-Id"))
	})

	t.Run("quota runs out", func(t *testing.T) {
		rec := proxyCall(accessKey)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = proxyCall(accessKey)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("bad key unauthorized", func(t *testing.T) {
		rec := proxyCall("wrong-key")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestEnvelopeCallOverHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":42}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/listings", map[string]any{
		"seller_id":         "seller-1",
		"name":              "prices",
		"upstream_base_url": upstream.URL,
		"auth_mode_kind":    "header-key",
		"auth_mode_name":    "X-Api-Key",
		"credential":        "sk-prices",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	listingID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/v1/grants", map[string]any{
		"buyer_id":    "buyer-1",
		"listing_id":  listingID,
		"total_quota": 2,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	accessKey := decode(t, rec)["access_key"].(string)

	payload, err := json.Marshal(map[string]any{"method": "GET", "path": "/v1/prices"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/call", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AccessKeyHeader, accessKey)
	callRec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(callRec, req)

	require.Equal(t, http.StatusOK, callRec.Code)
	body := decode(t, callRec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(200), body["status"])

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["usedQuota"])
	assert.Equal(t, float64(2), meta["totalQuota"])
	assert.Equal(t, float64(1), meta["remainingQuota"])

	raw, err := json.Marshal(body["data"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":42}`, string(raw))
}

func TestExecuteOverHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-exec", r.Header.Get("X-Api-Key"))
		w.Write([]byte("raw-bytes"))
	}))
	defer upstream.Close()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
		"method":  "GET",
		"url":     upstream.URL + "/v1/data",
		"headers": map[string][]string{"X-Api-Key": {"sk-exec"}},
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(200), body["status_code"])

	t.Run("unreachable upstream maps to bad gateway", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
			"method": "GET",
			"url":    "http://127.0.0.1:1/x",
		}, false)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestEstimateGas(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/estimate", map[string]any{"calls": 1000}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.InDelta(t, 0.00006, body["required_deposit"].(float64), 1e-9)
}

func TestGrantWithGasDeposit(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/listings", map[string]any{
		"seller_id":         "seller-1",
		"name":              "fx rates",
		"upstream_base_url": "https://api.example.com",
		"auth_mode_kind":    "oauth2",
		"credential":        "token",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	listingID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/v1/grants", map[string]any{
		"buyer_id":    "buyer-1",
		"listing_id":  listingID,
		"total_quota": 100,
		"gas_deposit": 1.0,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	purchaseID := decode(t, rec)["purchase_id"].(string)
	require.NotEmpty(t, purchaseID)

	rec = f.do(t, http.MethodGet, "/api/v1/escrow/"+purchaseID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["remaining_balance"].(float64))

	t.Run("underfunded deposit rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/grants", map[string]any{
			"buyer_id":    "buyer-1",
			"listing_id":  listingID,
			"total_quota": 1000000,
			"gas_deposit": 0.0000001,
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
