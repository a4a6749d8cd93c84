package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

func TestStatusForMapsKinds(t *testing.T) {
	cases := map[contracts.Kind]int{
		contracts.KindSchemaViolation:       http.StatusBadRequest,
		contracts.KindUnknownAgent:          http.StatusUnauthorized,
		contracts.KindSignatureMismatch:     http.StatusUnauthorized,
		contracts.KindRoleForbidden:         http.StatusForbidden,
		contracts.KindAgentQuarantined:      http.StatusForbidden,
		contracts.KindRiskTooHigh:           http.StatusUnprocessableEntity,
		contracts.KindAuditFail:             http.StatusUnprocessableEntity,
		contracts.KindLogicalContradiction:  http.StatusUnprocessableEntity,
		contracts.KindHashTampering:         http.StatusConflict,
		contracts.KindLedgerChainBroken:     http.StatusConflict,
		contracts.KindQueueFull:             http.StatusTooManyRequests,
		contracts.KindModeBlocked:           http.StatusServiceUnavailable,
		contracts.KindStoreUnavailable:      http.StatusServiceUnavailable,
		contracts.KindIdentityLocked:        http.StatusServiceUnavailable,
		contracts.Kind("SOMETHING_UNKNOWN"): http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}
}

func TestWriteEngineErrorRendersProblemDoc(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/log_event", nil)

	engErr := contracts.NewError(contracts.KindQueueFull, "admission queue at hard limit")
	engErr.EntryID = "entry-123"
	WriteEngineError(rec, req, nil, engErr)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, string(contracts.KindQueueFull), p.Kind)
	assert.Equal(t, "entry-123", p.EntryID)
	assert.Equal(t, "/v1/log_event", p.Instance)
	assert.Contains(t, p.Type, string(contracts.KindQueueFull))
	assert.Contains(t, p.Detail, "hard limit")
}

func TestWriteEngineErrorModeBlockedAdvisesRetry(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/audit_code", nil)

	WriteEngineError(rec, req, nil,
		contracts.NewError(contracts.KindModeBlocked, "SAFE admits only human L3"))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestWriteEngineErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/log_event", nil)

	WriteEngineError(rec, req, nil, errors.New("dsn secret leaked in message"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.NotContains(t, p.Detail, "dsn secret")
	assert.Empty(t, p.Kind)
}

func TestRequestIDMiddlewareEchoesClientID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get("X-Request-ID")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc", seen)
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Close()

	assert.True(t, rl.Allow("agent-a"))
	assert.True(t, rl.Allow("agent-a"))
	assert.False(t, rl.Allow("agent-a"))
	// Budgets are per key.
	assert.True(t, rl.Allow("agent-b"))
}
