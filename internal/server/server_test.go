package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/logger"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKey      = "sk-server-test-key-000000000000"
	testPassword = "admin-secret"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	srv   *Server
	keys  *storage.KeyStore
	clock *testClock
}

func newTestEnv(t *testing.T, quota int, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	return newTestEnvWith(t, quota, nil, mutate...)
}

func newTestEnvWith(t *testing.T, quota int, opts []Option, mutate ...func(*config.Config)) testEnv {
	t.Helper()

	cfg := &config.Config{}
	config.SetDefaults(cfg)
	cfg.Server.Mode = gin.TestMode
	cfg.Security.AdminPassword = testPassword
	cfg.Storage.UsageDir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	keys := storage.NewKeyStore("")
	_, err := keys.Import(testKey, "test", quota)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithKeyStore(keys),
		WithClock(clock.Now),
		WithLogBuffer(logger.NewLogBuffer(10)),
	}, opts...)
	srv, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)

	return testEnv{srv: srv, keys: keys, clock: clock}
}

func (e testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func withKey(key string) map[string]string {
	return map[string]string{"X-API-Key": key}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAPI_MissingOrUnknownKey(t *testing.T) {
	env := newTestEnv(t, 5)

	for _, headers := range []map[string]string{nil, withKey("sk-unknown")} {
		w := env.do("POST", "/api/chat", `{"message":"hi"}`, headers)
		require.Equal(t, 401, w.Code)

		resp := decodeError(t, w)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, 401, resp.ErrorCode)
		assert.NotEmpty(t, resp.Message)
		assert.Equal(t, "2024-06-01T12:00:00Z", resp.Timestamp)

		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	// a malformed body does not change the answer for an unknown key
	w := env.do("POST", "/api/chat", `{broken`, withKey("sk-unknown"))
	assert.Equal(t, 401, w.Code)
}

func TestAPI_QuotaHeadersAndRateLimit(t *testing.T) {
	env := newTestEnv(t, 2)
	reset := env.clock.now.Add(time.Hour).Unix()

	w := env.do("POST", "/api/chat", `{"message":"hello"}`, withKey(testKey))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset, 10), w.Header().Get("X-RateLimit-Reset"))

	env.clock.Advance(time.Second)
	w = env.do("POST", "/api/chat", `{"message":"hello"}`, withKey(testKey))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	env.clock.Advance(time.Second)
	w = env.do("POST", "/api/chat", `{"message":"hello"}`, withKey(testKey))
	require.Equal(t, 429, w.Code)
	assert.Equal(t, "3598", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 429, decodeError(t, w).ErrorCode)

	// the window expires and the key is admitted again
	env.clock.Advance(3599 * time.Second)
	w = env.do("POST", "/api/chat", `{"message":"hello"}`, withKey(testKey))
	assert.Equal(t, 200, w.Code)
}

func TestAPI_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do("POST", "/api/chat", `{"message":"hi","thinking_budget":10001}`, withKey(testKey))
	require.Equal(t, 400, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, 400, resp.ErrorCode)
	assert.Contains(t, resp.Message, "thinking_budget")
	// the rejected request still counted against the quota
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))

	w = env.do("POST", "/api/chat", `[1,2]`, withKey(testKey))
	assert.Equal(t, 400, w.Code)

	w = env.do("POST", "/api/translate", `{"text":"hola"}`, withKey(testKey))
	require.Equal(t, 400, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "target_language")
}

func TestAPI_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, 10, func(cfg *config.Config) { cfg.Server.MaxBodyBytes = 32 })

	w := env.do("POST", "/api/chat", `{"message":"`+strings.Repeat("a", 100)+`"}`, withKey(testKey))
	assert.Equal(t, 400, w.Code)
}

func TestAPI_ChatAppliesDefaults(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do("POST", "/api/chat", `{"message":"explain fixed windows","max_tokens":2000.0}`,
		map[string]string{"Authorization": "Bearer " + testKey})
	require.Equal(t, 200, w.Code)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, models.DefaultModel, resp.ModelUsed)
	require.NotNil(t, resp.Reasoning)
	assert.Equal(t, 3, resp.TokensUsed.Input)
	assert.Equal(t, resp.TokensUsed.Input+resp.TokensUsed.Reasoning+resp.TokensUsed.Output, resp.TokensUsed.Total)
	assert.Len(t, resp.FollowUpQuestions, 3)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do("POST", "/api/chat", `{"message":"no thinking","enable_reasoning":false,"model":"gemini-pro"}`, withKey(testKey))
	require.Equal(t, 200, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Reasoning)
	assert.Equal(t, "gemini-pro", resp.ModelUsed)
}

func TestAPI_TemplatedEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)

	cases := []struct {
		path  string
		body  string
		field string
		want  interface{}
	}{
		{"/api/vision-analysis", `{"image_url":"https://example.com/cat.png"}`, "analysis_type", "comprehensive"},
		{"/api/code", `{"description":"parse a csv file into rows"}`, "language", "python"},
		{"/api/translate", `{"text":"hello","target_language":"fr"}`, "source_language", "auto"},
		{"/api/analyze", `{"data":"1 2 3 4"}`, "analysis_type", "comprehensive"},
	}
	for _, tc := range cases {
		w := env.do("POST", tc.path, tc.body, withKey(testKey))
		require.Equal(t, 200, w.Code, tc.path)
		assert.Equal(t, tc.want, decodeJSON(t, w)[tc.field], tc.path)
	}

	w := env.do("POST", "/api/config", `{"filter_level":"strict"}`, withKey(testKey))
	require.Equal(t, 200, w.Code)
	settings := decodeJSON(t, w)["settings"].(map[string]interface{})
	assert.Equal(t, "strict", settings["filter_level"])
	assert.Equal(t, "detailed", settings["response_mode"])
}

func TestAPI_StatsAndModels(t *testing.T) {
	env := newTestEnv(t, 10)

	require.Equal(t, 401, env.do("GET", "/api/stats", "", withKey("sk-nope")).Code)

	w := env.do("GET", "/api/models", "", withKey(testKey))
	require.Equal(t, 200, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, models.DefaultModel, resp["default"])
	assert.Len(t, resp["models"], len(models.Catalog))

	w = env.do("GET", "/api/stats", "", withKey(testKey))
	require.Equal(t, 200, w.Code)
	resp = decodeJSON(t, w)
	quota := resp["quota"].(map[string]interface{})
	assert.EqualValues(t, 2, quota["used"])
	assert.EqualValues(t, 8, quota["remaining"])

	decisions := resp["metrics"].(map[string]interface{})["decisions"].(map[string]interface{})
	assert.EqualValues(t, 1, decisions["unauthorized"])
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t, 1)

	w := env.do("GET", "/health", "", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "healthy", decodeJSON(t, w)["status"])

	w = env.do("GET", "/", "", nil)
	require.Equal(t, 200, w.Code)
	assert.Len(t, decodeJSON(t, w)["models"], len(models.Catalog))

	w = env.do("GET", "/nowhere", "", nil)
	require.Equal(t, 404, w.Code)
	assert.Equal(t, 404, decodeError(t, w).ErrorCode)
}

func adminLogin(t *testing.T, env testEnv) string {
	t.Helper()
	w := env.do("POST", "/admin/login", `{"password":"`+testPassword+`"}`, nil)
	require.Equal(t, 200, w.Code)
	token, _ := decodeJSON(t, w)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestAdmin_LoginAndVerify(t *testing.T) {
	env := newTestEnv(t, 1)

	w := env.do("POST", "/admin/login", `{"password":"wrong"}`, nil)
	assert.Equal(t, 401, w.Code)

	token := adminLogin(t, env)

	w = env.do("GET", "/admin/verify", "", map[string]string{"X-Admin-Token": token})
	assert.Equal(t, 200, w.Code)
	w = env.do("GET", "/admin/verify", "", map[string]string{"X-Admin-Token": token + "x"})
	assert.Equal(t, 401, w.Code)

	w = env.do("GET", "/admin/keys", "", nil)
	assert.Equal(t, 401, w.Code)
	w = env.do("GET", "/admin/keys", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, 200, w.Code)
}

func TestAdmin_TokenSignedWithOtherSecretRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	other := newTestEnv(t, 1, func(cfg *config.Config) { cfg.Security.JWTSecret = "another-secret" })

	token := adminLogin(t, other)
	w := env.do("GET", "/admin/keys", "", map[string]string{"X-Admin-Token": token})
	assert.Equal(t, 401, w.Code)
}

func TestAdmin_LoginThrottle(t *testing.T) {
	env := newTestEnv(t, 1, func(cfg *config.Config) {
		cfg.Security.AdminLoginRPS = 0.001
		cfg.Security.AdminLoginBurst = 2
	})

	assert.Equal(t, 401, env.do("POST", "/admin/login", `{"password":"a"}`, nil).Code)
	assert.Equal(t, 401, env.do("POST", "/admin/login", `{"password":"b"}`, nil).Code)

	w := env.do("POST", "/admin/login", `{"password":"`+testPassword+`"}`, nil)
	assert.Equal(t, 429, w.Code)
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	env := newTestEnv(t, 1)
	auth := map[string]string{"X-Admin-Token": adminLogin(t, env)}

	w := env.do("POST", "/admin/keys", `{"name":"ci","quota":3}`, auth)
	require.Equal(t, 201, w.Code)
	created := decodeJSON(t, w)
	raw := created["key"].(string)
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(raw, "sk-"))
	assert.EqualValues(t, 3, created["quota"])

	w = env.do("GET", "/api/models", "", withKey(raw))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))

	w = env.do("GET", "/admin/keys", "", auth)
	require.Equal(t, 200, w.Code)
	keys := decodeJSON(t, w)["keys"].([]interface{})
	assert.Len(t, keys, 2)
	assert.NotContains(t, w.Body.String(), raw)

	w = env.do("POST", "/admin/keys/"+id+"/reset", "", auth)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, true, decodeJSON(t, w)["cleared"])

	w = env.do("DELETE", "/admin/keys/"+id, "", auth)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, 401, env.do("GET", "/api/models", "", withKey(raw)).Code)

	assert.Equal(t, 404, env.do("DELETE", "/admin/keys/missing", "", auth).Code)
	assert.Equal(t, 404, env.do("POST", "/admin/keys/missing/reset", "", auth).Code)
	assert.Equal(t, 400, env.do("POST", "/admin/keys", `{"quota":-1}`, auth).Code)
}

func TestAdmin_UsageAndStats(t *testing.T) {
	env := newTestEnv(t, 10)
	auth := map[string]string{"X-Admin-Token": adminLogin(t, env)}

	require.Equal(t, 200, env.do("POST", "/api/chat", `{"message":"one two three"}`, withKey(testKey)).Code)
	require.Equal(t, 400, env.do("POST", "/api/chat", `{}`, withKey(testKey)).Code)

	w := env.do("GET", "/admin/usage?days=1", "", auth)
	require.Equal(t, 200, w.Code)
	summary := decodeJSON(t, w)["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["totalRequests"])
	assert.EqualValues(t, 3, summary["inputWords"])

	assert.Equal(t, 400, env.do("GET", "/admin/usage?days=0", "", auth).Code)

	w = env.do("GET", "/admin/stats", "", auth)
	require.Equal(t, 200, w.Code)
	resp := decodeJSON(t, w)
	decisions := resp["decisions"].(map[string]interface{})
	assert.EqualValues(t, 1, decisions["admitted"])
	assert.EqualValues(t, 1, decisions["invalid"])
	assert.EqualValues(t, 1, resp["keys"].(map[string]interface{})["active"])
}

type fixedTotals struct {
	counters ratelimit.Counters
	err      error
}

func (f fixedTotals) Totals(context.Context) (ratelimit.Counters, error) {
	return f.counters, f.err
}

func TestAdmin_StatsReportsSharedTotals(t *testing.T) {
	shared := fixedTotals{counters: ratelimit.Counters{"admitted": 42, "rate_limited": 7}}
	env := newTestEnvWith(t, 10, []Option{WithStatsTotals(shared)})
	auth := map[string]string{"X-Admin-Token": adminLogin(t, env)}

	w := env.do("GET", "/admin/stats", "", auth)
	require.Equal(t, 200, w.Code)
	got := decodeJSON(t, w)["sharedDecisions"].(map[string]interface{})
	assert.EqualValues(t, 42, got["admitted"])
	assert.EqualValues(t, 7, got["rate_limited"])

	down := newTestEnvWith(t, 10, []Option{WithStatsTotals(fixedTotals{err: errors.New("redis down")})})
	w = down.do("GET", "/admin/stats", "", map[string]string{"X-Admin-Token": adminLogin(t, down)})
	require.Equal(t, 200, w.Code)
	resp := decodeJSON(t, w)
	assert.NotContains(t, resp, "sharedDecisions")
	assert.Equal(t, "shared stats unavailable", resp["sharedError"])

	// without a shared store the field is absent
	plain := newTestEnv(t, 10)
	w = plain.do("GET", "/admin/stats", "", map[string]string{"X-Admin-Token": adminLogin(t, plain)})
	require.Equal(t, 200, w.Code)
	assert.NotContains(t, decodeJSON(t, w), "sharedDecisions")
}

func TestAdmin_Logs(t *testing.T) {
	env := newTestEnv(t, 1)
	auth := map[string]string{"X-Admin-Token": adminLogin(t, env)}
	env.srv.logs.Add(logger.LogEntry{Level: "warn", Message: "disk almost full", Timestamp: env.clock.now})
	env.srv.logs.Add(logger.LogEntry{Level: "debug", Message: "noise", Timestamp: env.clock.now})

	w := env.do("GET", "/admin/logs?level=warn", "", auth)
	require.Equal(t, 200, w.Code)
	logs := decodeJSON(t, w)["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "disk almost full", logs[0].(map[string]interface{})["message"])

	assert.Equal(t, 400, env.do("GET", "/admin/logs?level=loud", "", auth).Code)

	require.Equal(t, 200, env.do("DELETE", "/admin/logs", "", auth).Code)
	assert.Equal(t, 0, env.srv.logs.Len())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 1, func(cfg *config.Config) { cfg.Security.EnableCORS = true })

	w := env.do(http.MethodOptions, "/api/chat", "", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}
