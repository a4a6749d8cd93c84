package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server is the HTTP shell over the dispatcher. One POST route per
// operation; the body is the operation payload and the authenticated
// principal is the acting agent, so a caller can never speak as another.
type Server struct {
	engine       *dispatcher.Engine
	auth         *Authenticator
	agentLimiter *RateLimiter
	tokenLimiter *RateLimiter
	logger       *slog.Logger
	clock        func() time.Time
	started      time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerClock injects a deterministic time source for tests.
func WithServerClock(fn func() time.Time) ServerOption {
	return func(s *Server) { s.clock = fn }
}

// WithAgentRate overrides the per-agent request budget.
func WithAgentRate(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.agentLimiter.Close()
		s.agentLimiter = NewRateLimiter(rps, burst)
	}
}

// WithTokenRate overrides the per-IP budget on the token route.
func WithTokenRate(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.tokenLimiter.Close()
		s.tokenLimiter = NewRateLimiter(rps, burst)
	}
}

// NewServer wires the shell. The engine must already be assembled and
// initialized.
func NewServer(engine *dispatcher.Engine, opts ...ServerOption) (*Server, error) {
	s := &Server{
		engine: engine,
		// Looser than the engine's own per-agent throttle, so the transport
		// only sheds floods and the engine's budget stays authoritative.
		agentLimiter: NewRateLimiter(20, 40),
		tokenLimiter: NewRateLimiter(1, 5),
		logger:       slog.Default(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock()

	auth, err := NewAuthenticator(engine.Store(), s.clock)
	if err != nil {
		return nil, err
	}
	s.auth = auth
	return s, nil
}

// Close stops the limiter sweepers.
func (s *Server) Close() {
	s.agentLimiter.Close()
	s.tokenLimiter.Close()
}

// Handler builds the route table. Token and health endpoints are public;
// everything else requires a bearer token and rides the per-agent limiter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/healthz", s.handleHealthz)
	mux.Handle("/v1/token", s.tokenLimiter.IPLimit(http.HandlerFunc(s.handleToken)))

	authed := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(s.agentLimiter.AgentLimit(h))
	}
	mux.Handle("/v1/state", authed(s.handleState))
	for _, op := range contracts.Operations {
		mux.Handle("/v1/"+op, authed(s.handleOperation(op)))
	}

	return RequestIDMiddleware(mux)
}

// handleOperation dispatches one named operation. The request body is passed
// to the engine untouched; schema validation is the engine's first stage.
func (s *Server) handleOperation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		p, ok := GetPrincipal(r.Context())
		if !ok {
			WriteUnauthorized(w, r, "")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			WriteBadRequest(w, r, "Request body must be a JSON document")
			return
		}

		class := modectl.ClassInteractive
		if r.Header.Get("X-Queue-Class") == string(modectl.ClassBatch) {
			class = modectl.ClassBatch
		}

		resp, err := s.engine.Dispatch(r.Context(), dispatcher.Request{
			Operation: op,
			AgentID:   p.AgentID,
			Class:     class,
			Payload:   payload,
		})
		if err != nil {
			WriteEngineError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type tokenRequest struct {
	AgentID   string `json:"agent_id"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// handleToken is the two-phase token flow. A body with only agent_id mints a
// challenge nonce; a body carrying nonce and signature redeems it for a
// bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Request body must be a JSON document")
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, r, "agent_id is required")
		return
	}

	if req.Nonce == "" {
		nonce, expires, err := s.auth.Challenge(r.Context(), req.AgentID)
		if err != nil {
			WriteEngineError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"nonce":      nonce,
			"expires_at": expires.UTC().Format(time.RFC3339Nano),
		})
		return
	}

	token, expires, err := s.auth.Redeem(r.Context(), req.AgentID, req.Nonce, req.Signature)
	if err != nil {
		WriteEngineError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires.UTC().Format(time.RFC3339Nano),
	})
}

// handleHealthz reports liveness and store reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable",
			"Store is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleState reports the operational mode, queue pressure, and chain head.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	var mode contracts.Mode
	err := s.engine.Store().View(r.Context(), func(tx *store.Tx) error {
		var cErr error
		mode, cErr = s.engine.Modes().Current(r.Context(), tx)
		return cErr
	})
	if err != nil {
		WriteEngineError(w, r, s.logger, err)
		return
	}

	head, err := s.engine.Ledger().Head(r.Context())
	if err != nil {
		WriteEngineError(w, r, s.logger, err)
		return
	}

	adm := s.engine.Admission()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode": mode,
		"queue": map[string]any{
			"depth":     adm.Depth(),
			"in_flight": adm.InFlight(),
			"hard":      adm.Hard(),
			"reserve":   adm.Reserve(),
		},
		"ledger": map[string]any{
			"sequence":  head.Sequence,
			"head_hash": head.EntryHash,
		},
		"uptime_seconds": int(s.clock().Sub(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
