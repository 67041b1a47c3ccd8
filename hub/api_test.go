package hub

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

const testAdminToken = "test-token"

func newTestAPI(t *testing.T) (*httptest.Server, *API) {
	t.Helper()
	cfg := hubTestConfig()
	cfg.AdminToken = testAdminToken
	cfg.Deployments = map[string]string{"swapRouter": "0x4444444444444444444444444444444444444444"}
	cfg.EntryPoint = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

	logger := obs.New(slog.LevelError)
	registry := NewRegistry()
	logs := NewLogStore(cfg.Logs.RingSize, cfg.Logs.LimitCap, nil)
	supervisor := NewSupervisor(cfg, registry, logs, logger)
	telemetry := NewTelemetry(30 * time.Second)
	analytics := NewAnalytics(cfg.Analytics.MaxEntries)

	api := NewAPI(cfg, registry, supervisor, logs, telemetry, analytics,
		nil, nil, nil, NewMetrics(), logger)
	ts := httptest.NewServer(api.http.Handler)
	t.Cleanup(ts.Close)
	return ts, api
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp, payload
}

func TestAPIHealth(t *testing.T) {
	ts, api := newTestAPI(t)
	api.registry.Upsert(&Instance{ID: "b1", Status: StatusUp})

	var body map[string]interface{}
	status := getJSON(t, ts.URL+"/health", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["bundlersUp"])
	assert.NotContains(t, body, "indexedBlock")
}

func TestAPIDeployments(t *testing.T) {
	ts, _ := newTestAPI(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/deployments", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0x4444444444444444444444444444444444444444", body["swapRouter"])
	assert.Equal(t, "0x0000000071727De22E5E9d8BAf0edAc6f37da032", body["entryPoint"])
	assert.NotContains(t, body, "paymaster")
}

func TestAPIListBundlers(t *testing.T) {
	ts, api := newTestAPI(t)
	api.registry.Upsert(&Instance{ID: "b1", URL: "http://127.0.0.1:4337", Status: StatusDown})

	var body struct {
		Bundlers []PublicView `json:"bundlers"`
	}
	status := getJSON(t, ts.URL+"/bundlers", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Bundlers, 1)
	assert.Equal(t, "b1", body.Bundlers[0].ID)
}

func TestAPIAdminAuth(t *testing.T) {
	ts, _ := newTestAPI(t)

	// No token at all.
	resp, _ := postJSON(t, ts.URL+"/bundlers/register", "", registerRequest{URL: "http://x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token.
	resp, _ = postJSON(t, ts.URL+"/bundlers/register", "wrong", registerRequest{URL: "http://x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAdminDisabledWithoutToken(t *testing.T) {
	cfg := hubTestConfig()
	logger := obs.New(slog.LevelError)
	registry := NewRegistry()
	logs := NewLogStore(10, 10, nil)
	api := NewAPI(cfg, registry, NewSupervisor(cfg, registry, logs, logger), logs,
		NewTelemetry(30*time.Second), NewAnalytics(10), nil, nil, nil, NewMetrics(), logger)
	ts := httptest.NewServer(api.http.Handler)
	defer ts.Close()

	resp, _ := postJSON(t, ts.URL+"/bundlers/register", "anything", registerRequest{URL: "http://x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIRegisterBundler(t *testing.T) {
	ts, api := newTestAPI(t)

	resp, payload := postJSON(t, ts.URL+"/bundlers/register", testAdminToken,
		registerRequest{ID: "ext-1", Label: "external", URL: "http://127.0.0.1:4400"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view PublicView
	require.NoError(t, json.Unmarshal(payload, &view))
	assert.Equal(t, "ext-1", view.ID)
	assert.False(t, view.Spawned)

	_, ok := api.registry.Get("ext-1")
	assert.True(t, ok)

	// Duplicate id conflicts.
	resp, _ = postJSON(t, ts.URL+"/bundlers/register", testAdminToken,
		registerRequest{ID: "ext-1", URL: "http://127.0.0.1:4401"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// URL is mandatory.
	resp, _ = postJSON(t, ts.URL+"/bundlers/register", testAdminToken, registerRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPISpawnDisabled(t *testing.T) {
	ts, _ := newTestAPI(t)
	// No spawn binary configured.
	resp, _ := postJSON(t, ts.URL+"/bundlers/spawn", testAdminToken, spawnRequest{Name: "b1"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAPIStopUnknownInstance(t *testing.T) {
	ts, _ := newTestAPI(t)
	resp, _ := postJSON(t, ts.URL+"/bundlers/nope/stop", testAdminToken, struct{}{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPILogIngestSingleAndBatch(t *testing.T) {
	ts, api := newTestAPI(t)

	resp, _ := postJSON(t, ts.URL+"/logs/ingest", "",
		obs.LogEvent{Level: obs.LevelInfo, Service: "bundler-1", Msg: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := postJSON(t, ts.URL+"/logs/ingest", "", []obs.LogEvent{
		{Level: obs.LevelInfo, Service: "bundler-1", Msg: "two"},
		{Level: "fatal", Service: "bundler-1", Msg: "bad level"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(payload, &counts))
	assert.Equal(t, 1, counts["accepted"])
	assert.Equal(t, 1, counts["rejected"])

	assert.Equal(t, 2, api.logs.Count())
}

func TestAPILogIngestAllRejected(t *testing.T) {
	ts, _ := newTestAPI(t)
	resp, _ := postJSON(t, ts.URL+"/logs/ingest", "",
		obs.LogEvent{Level: "fatal", Service: "x", Msg: "y"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPILogQuery(t *testing.T) {
	ts, api := newTestAPI(t)
	require.NoError(t, api.logs.Ingest(logEv("bundler-1", "intent accepted")))
	require.NoError(t, api.logs.Ingest(logEv("opshub", "indexer started")))

	var body struct {
		Logs []obs.LogEvent `json:"logs"`
	}
	status := getJSON(t, ts.URL+"/logs?service=bundler-1", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Logs, 1)
	assert.Equal(t, "intent accepted", body.Logs[0].Msg)

	// Unknown level is rejected, not defaulted.
	status = getJSON(t, ts.URL+"/logs?level=fatal", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPITelemetryEndpoints(t *testing.T) {
	ts, api := newTestAPI(t)

	resp, _ := postJSON(t, ts.URL+"/telemetry/session", "",
		sessionRequest{SessionID: "s1", App: AppUser, Owner: "0xAA"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/telemetry/session", "", sessionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/telemetry/session", "",
		sessionRequest{SessionID: "s2", App: "swap-ui"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/telemetry/event", "",
		telemetryEventRequest{Name: CounterPaidFallbackAttempt})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/telemetry/event", "", telemetryEventRequest{Name: "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 1, api.telemetry.UniqueOwners())
	assert.Equal(t, int64(1), api.telemetry.Counters()[CounterPaidFallbackAttempt])
}

func TestAPIMetricsSummary(t *testing.T) {
	ts, api := newTestAPI(t)
	api.analytics.IngestOutcome(outcomeFixture(1, 100, true))
	require.NoError(t, api.telemetry.Heartbeat("s1", AppUser, "0xaa", ""))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics/summary", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions     int              `json:"sessions"`
		UniqueOwners int              `json:"uniqueOwners"`
		UserOps      AnalyticsSummary `json:"userOps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, 1, body.UniqueOwners)
	assert.Equal(t, 1, body.UserOps.Total)
}

func TestAPIUserOpsFilter(t *testing.T) {
	ts, api := newTestAPI(t)
	api.analytics.IngestOutcome(outcomeFixture(1, 100, true))
	api.analytics.IngestOutcome(outcomeFixture(2, 200, false))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/userops?success=false", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		UserOps []IntentSummary `json:"userOps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.UserOps, 1)
	assert.False(t, body.UserOps[0].Success)
}

func TestAPIPrometheusMetrics(t *testing.T) {
	ts, api := newTestAPI(t)
	api.registry.Upsert(&Instance{ID: "b1", Status: StatusUp})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "opshub_bundlers_up 1")
	assert.Contains(t, string(body), "opshub_bundlers_total 1")
}

func TestAPIRequestCounter(t *testing.T) {
	ts, _ := newTestAPI(t)

	status := getJSON(t, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, status)
	status = getJSON(t, ts.URL+"/no-such-route", nil)
	require.Equal(t, http.StatusNotFound, status)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body),
		`opshub_http_requests_total{group="health",status="2xx"} 1`)
	assert.Contains(t, string(body),
		`opshub_http_requests_total{group="no-such-route",status="4xx"} 1`)
}

func TestAPIWalletsUnconfigured(t *testing.T) {
	ts, _ := newTestAPI(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/wallets", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
