package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/approval"
	"github.com/MythologIQ/qorelogic/pkg/calibration"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
	"github.com/MythologIQ/qorelogic/pkg/evidence"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/quarantine"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
	"github.com/MythologIQ/qorelogic/pkg/trust"
	"github.com/MythologIQ/qorelogic/pkg/ttl"
)

var testPass = []byte("orchard-battery-staple-41")

// shell runs the HTTP surface over a full in-process engine.
type shell struct {
	srv      *Server
	handler  http.Handler
	store    *store.Store
	ids      *identity.Manager
	enforcer *contracts.Agent
	agent    *contracts.Agent // generator
	human    *contracts.Agent
	now      *time.Time
}

func newShell(t *testing.T, opts ...ServerOption) *shell {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sh := &shell{now: &start}
	clock := func() time.Time { return *sh.now }
	ctx := context.Background()

	s, err := store.Open(":memory:", store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, _, err = s.Migrate(ctx)
	require.NoError(t, err)
	sh.store = s

	sh.ids = identity.NewManager(s, identity.StaticSource(testPass), identity.WithClock(clock))
	t.Cleanup(sh.ids.Close)
	led := ledger.New(s, sh.ids, ledger.WithClock(clock))

	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		var txErr error
		if sh.enforcer, txErr = sh.ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, testPass); txErr != nil {
			return txErr
		}
		if sh.agent, txErr = sh.ids.CreateAgentTx(ctx, tx, contracts.RoleGenerator, testPass); txErr != nil {
			return txErr
		}
		sh.human, txErr = sh.ids.CreateAgentTx(ctx, tx, contracts.RoleHuman, testPass)
		return txErr
	}))
	_, err = led.Init(ctx)
	require.NoError(t, err)

	trustEng := trust.NewEngine(s, led, trust.WithClock(clock))
	trustEng.SetActor(sh.enforcer.ID)

	classifier, err := sentinel.NewClassifier(sentinel.DefaultPack())
	require.NoError(t, err)
	tier2, err := sentinel.NewTier2Checker()
	require.NoError(t, err)
	tier3, err := sentinel.NewTier3Runner(ctx, "", 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier3.Close(context.Background()) })
	pipe := sentinel.NewPipeline(classifier, tier2, tier3,
		sentinel.WithPipelineClock(clock),
		sentinel.WithSampler(func() float64 { return 0.99 }))

	warden := quarantine.NewWarden(led, sh.ids, quarantine.WithClock(clock))
	warden.SetActor(sh.enforcer.ID)
	claims := ttl.NewRegistry(led, ttl.WithClock(clock))
	claims.SetActor(sh.enforcer.ID)

	modes := modectl.NewController(led,
		modectl.WithClock(clock),
		modectl.WithSampler(modectl.NewStaticSampler(0.1)),
		modectl.WithActor(sh.enforcer.ID))
	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		return modes.Init(ctx, tx)
	}))

	cas, err := evidence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	eng, err := dispatcher.New(dispatcher.Deps{
		Store:       s,
		Identity:    sh.ids,
		Ledger:      led,
		Trust:       trustEng,
		Classifier:  classifier,
		Pipeline:    pipe,
		Approvals:   approval.NewQueue(led, approval.WithClock(clock)),
		Warden:      warden,
		Claims:      claims,
		Calibration: calibration.NewTracker(calibration.WithClock(clock)),
		Modes:       modes,
		Admission:   modectl.NewAdmission(0, 0, 0),
		Limiter:     modectl.NewMemoryLimiter(clock),
		Archive:     evidence.NewArchive(cas, led, evidence.WithClock(clock)),
	}, dispatcher.WithClock(clock), dispatcher.WithActor(sh.enforcer.ID))
	require.NoError(t, err)

	serverOpts := append([]ServerOption{
		WithServerClock(clock),
		WithAgentRate(1000, 1000),
		WithTokenRate(1000, 1000),
	}, opts...)
	sh.srv, err = NewServer(eng, serverOpts...)
	require.NoError(t, err)
	t.Cleanup(sh.srv.Close)
	sh.handler = sh.srv.Handler()
	return sh
}

func (sh *shell) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	sh.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// token walks the full challenge and redeem flow for an agent.
func (sh *shell) token(t *testing.T, agentID string) string {
	t.Helper()
	rec := sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	nonce := decodeBody(t, rec)["nonce"].(string)

	var sig string
	require.NoError(t, sh.store.View(context.Background(), func(tx *store.Tx) error {
		var sErr error
		sig, _, sErr = sh.ids.SignTx(context.Background(), tx, agentID, []byte(nonce))
		return sErr
	}))

	rec = sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{
		"agent_id":  agentID,
		"nonce":     nonce,
		"signature": sig,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "Bearer", body["token_type"])
	return body["token"].(string)
}

func TestTokenFlowIssuesWorkingBearer(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)
	require.NotEmpty(t, token)

	rec := sh.do(t, http.MethodGet, "/v1/state", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, string(contracts.ModeNormal), body["mode"])
}

func TestTokenChallengeUnknownAgent(t *testing.T) {
	sh := newShell(t)
	rec := sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{"agent_id": "qore:generator:nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(contracts.KindUnknownAgent), decodeBody(t, rec)["kind"])
}

func TestTokenNonceIsSingleUse(t *testing.T) {
	sh := newShell(t)
	rec := sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{"agent_id": sh.agent.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	nonce := decodeBody(t, rec)["nonce"].(string)

	var sig string
	require.NoError(t, sh.store.View(context.Background(), func(tx *store.Tx) error {
		var sErr error
		sig, _, sErr = sh.ids.SignTx(context.Background(), tx, sh.agent.ID, []byte(nonce))
		return sErr
	}))

	redeem := map[string]any{"agent_id": sh.agent.ID, "nonce": nonce, "signature": sig}
	rec = sh.do(t, http.MethodPost, "/v1/token", "", redeem)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = sh.do(t, http.MethodPost, "/v1/token", "", redeem)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(contracts.KindSignatureMismatch), decodeBody(t, rec)["kind"])
}

func TestTokenRejectsForeignSignature(t *testing.T) {
	sh := newShell(t)
	rec := sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{"agent_id": sh.agent.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	nonce := decodeBody(t, rec)["nonce"].(string)

	// Signed by the human's key, presented as the generator's proof.
	var sig string
	require.NoError(t, sh.store.View(context.Background(), func(tx *store.Tx) error {
		var sErr error
		sig, _, sErr = sh.ids.SignTx(context.Background(), tx, sh.human.ID, []byte(nonce))
		return sErr
	}))

	rec = sh.do(t, http.MethodPost, "/v1/token", "", map[string]any{
		"agent_id": sh.agent.ID, "nonce": nonce, "signature": sig,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(contracts.KindSignatureMismatch), decodeBody(t, rec)["kind"])
}

func TestOperationRequiresBearer(t *testing.T) {
	sh := newShell(t)
	rec := sh.do(t, http.MethodPost, "/v1/log_event", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = sh.do(t, http.MethodPost, "/v1/log_event", "not-a-jwt", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperationDispatchesAsPrincipal(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)

	rec := sh.do(t, http.MethodPost, "/v1/log_event", token, map[string]any{
		"kind":       string(contracts.EventCoaching),
		"risk_grade": "L1",
		"payload":    map[string]any{"note": "tighten loop bounds"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp contracts.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Status)
	assert.NotEmpty(t, resp.EntryID)
	assert.Equal(t, contracts.RiskL1, resp.RiskGrade)

	// The row must be attributed to the bearer, not to anything in the body.
	var last store.LedgerRow
	require.NoError(t, sh.store.View(context.Background(), func(tx *store.Tx) error {
		return tx.LedgerRange(context.Background(), 0, 0, func(row *store.LedgerRow) error {
			last = *row
			return nil
		})
	}))
	require.NotNil(t, last.AgentID)
	assert.Equal(t, sh.agent.ID, *last.AgentID)
}

func TestOperationEngineErrorsAreProblemDocs(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)

	rec := sh.do(t, http.MethodPost, "/v1/register_claim_with_ttl", token, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(contracts.KindSchemaViolation), body["kind"])
	// A known caller's schema violation is ledgered; the problem cites the row.
	assert.NotEmpty(t, body["entry_id"])
}

func TestOperationMethodNotAllowed(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)
	rec := sh.do(t, http.MethodGet, "/v1/log_event", token, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOperationRejectsNonJSONBody(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)

	req := httptest.NewRequest(http.MethodPost, "/v1/log_event", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	sh.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPerAgentRateLimit(t *testing.T) {
	sh := newShell(t, WithAgentRate(0.01, 1))
	token := sh.token(t, sh.agent.ID)

	payload := map[string]any{
		"kind":       string(contracts.EventCoaching),
		"risk_grade": "L1",
		"payload":    map[string]any{"note": "first"},
	}
	rec := sh.do(t, http.MethodPost, "/v1/log_event", token, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = sh.do(t, http.MethodPost, "/v1/log_event", token, payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestHealthz(t *testing.T) {
	sh := newShell(t)
	rec := sh.do(t, http.MethodGet, "/v1/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestStateReportsQueueAndLedger(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.human.ID)

	rec := sh.do(t, http.MethodGet, "/v1/state", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)

	assert.Equal(t, string(contracts.ModeNormal), body["mode"])
	queue := body["queue"].(map[string]any)
	assert.EqualValues(t, 0, queue["depth"])
	ledgerState := body["ledger"].(map[string]any)
	// Genesis plus the mode genesis entry are already on the chain.
	assert.GreaterOrEqual(t, ledgerState["sequence"].(float64), float64(1))
	assert.NotEmpty(t, ledgerState["head_hash"])
}

func TestExpiredTokenRejected(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.agent.ID)

	*sh.now = sh.now.Add(16 * time.Minute)
	rec := sh.do(t, http.MethodGet, "/v1/state", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEveryOperationHasARoute(t *testing.T) {
	sh := newShell(t)
	token := sh.token(t, sh.human.ID)

	for _, op := range contracts.Operations {
		rec := sh.do(t, http.MethodPost, fmt.Sprintf("/v1/%s", op), token, map[string]any{})
		// Empty payloads fail schema validation, but the route must exist
		// and the failure must be an engine decision, not a 404.
		assert.NotEqual(t, http.StatusNotFound, rec.Code, op)
		assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code, op)
	}
}
