package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian/pkg/audit"
	"github.com/custodian-labs/custodian/pkg/duty"
	"github.com/custodian-labs/custodian/pkg/pdp"
	"github.com/custodian-labs/custodian/pkg/policy"
)

const samplePolicy = `{
  "id": "customer-data",
  "description": "Customer data handling",
  "rules": [
    {"id": "analyst-analytics", "role": "analyst", "purpose": "analytics",
     "data_target": "customers", "location": "EU", "effect": "Permit", "retention_days": 30},
    {"id": "deny-marketing", "role": "*", "purpose": "marketing",
     "data_target": "customers", "location": "*", "effect": "Deny"}
  ]
}`

type testEnv struct {
	server  *Server
	handler http.Handler
	log     *audit.Log
	duties  *duty.MemoryStore
	now     time.Time
	mu      sync.Mutex
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		log:    audit.New(),
		duties: duty.NewMemoryStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	policies := policy.NewMemoryStore()
	pol, err := policy.Parse([]byte(samplePolicy))
	require.NoError(t, err)
	require.NoError(t, policies.Create(t.Context(), pol))

	sched := duty.NewScheduler(env.duties, env.log,
		func(ctx context.Context, dataTarget string) error { return nil })
	env.server = NewServer(policies, env.log, sched, env.duties, WithClock(env.clock))
	env.handler = env.server.Routes(nil, "")
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestDecisionFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/decisions", `{
		"policy_id": "customer-data",
		"context": {"role": "analyst", "purpose": "analytics",
		            "data_target": "customers", "location": "DE"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d pdp.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, policy.EffectPermit, d.Effect)
	assert.Equal(t, "analyst-analytics", d.MatchedRuleID)
	require.Len(t, d.Obligations, 1)
	assert.Equal(t, 30, d.Obligations[0].RetentionDays)

	// Decision is audited and a duty is scheduled.
	assert.Equal(t, 1, env.log.Len())
	duties, err := env.duties.List(t.Context())
	require.NoError(t, err)
	require.Len(t, duties, 1)
	assert.Equal(t, duty.StatusPending, duties[0].Status)
}

func TestDecisionDenyIsAuditedWithoutDuty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/decisions", `{
		"policy_id": "customer-data",
		"context": {"role": "analyst", "purpose": "marketing",
		            "data_target": "customers", "location": "DE"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var d pdp.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, policy.EffectDeny, d.Effect)
	assert.Equal(t, 1, env.log.Len())

	duties, err := env.duties.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, duties)
}

func TestDecisionValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/decisions", `{"policy_id": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = env.do(t, http.MethodPost, "/v1/decisions", `{
		"policy_id": "missing",
		"context": {"role": "a", "purpose": "b", "data_target": "c", "location": "d"}
	}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/decisions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPolicyCRUD(t *testing.T) {
	env := newTestEnv(t)

	doc := `{"id": "hr", "rules": [
		{"id": "r1", "role": "hr", "purpose": "payroll",
		 "data_target": "employees", "location": "*", "effect": "Permit", "retention_days": 90}
	]}`
	rec := env.do(t, http.MethodPost, "/v1/policies", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/policies", doc)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/policies/hr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got policy.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Rules, 1)

	rec = env.do(t, http.MethodGet, "/v1/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*policy.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = env.do(t, http.MethodPut, "/v1/policies/other", doc)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	updated := strings.Replace(doc, `"retention_days": 90`, `"retention_days": 180`, 1)
	rec = env.do(t, http.MethodPut, "/v1/policies/hr", updated)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/policies/hr", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/policies/hr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyValidationRejected(t *testing.T) {
	env := newTestEnv(t)

	// retention on a Deny rule fails schema-level or structural validation.
	rec := env.do(t, http.MethodPost, "/v1/policies", `{"id": "bad", "rules": [
		{"id": "r1", "role": "*", "purpose": "*", "data_target": "*",
		 "location": "*", "effect": "Deny", "retention_days": 5}
	]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/policies", `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for range 3 {
		rec := env.do(t, http.MethodPost, "/v1/decisions", `{
			"policy_id": "customer-data",
			"context": {"role": "analyst", "purpose": "analytics",
			            "data_target": "customers", "location": "FR"}
		}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/audit?from=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)

	rec = env.do(t, http.MethodGet, "/v1/audit?from=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var vr VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vr))
	assert.True(t, vr.Valid)
	assert.Equal(t, -1, vr.FirstBadIndex)
	assert.Equal(t, 3, vr.Entries)
}

func TestDutyFlush(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/decisions", `{
		"policy_id": "customer-data",
		"context": {"role": "analyst", "purpose": "analytics",
		            "data_target": "customers", "location": "DE"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Nothing due yet.
	rec = env.do(t, http.MethodPost, "/v1/duties/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum duty.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, duty.Summary{}, sum)

	env.advance(31 * 24 * time.Hour)
	rec = env.do(t, http.MethodPost, "/v1/duties/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, duty.Summary{Completed: 1}, sum)

	// The execution is now visible in both the duty list and the audit log.
	rec = env.do(t, http.MethodGet, "/v1/duties", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var duties []*duty.Duty
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &duties))
	require.Len(t, duties, 1)
	assert.Equal(t, duty.StatusCompleted, duties[0].Status)
	assert.Equal(t, 2, env.log.Len())
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)
	env.handler = env.server.Routes(NewGlobalRateLimiter(1, 1), "")

	first := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "5", second.Header().Get("Retry-After"))
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t)
	const secret = "test-secret"
	env.handler = env.server.Routes(nil, secret)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec3 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusUnauthorized, rec3.Code)
}
