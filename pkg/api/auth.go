package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

const (
	nonceTTL = 2 * time.Minute
	tokenTTL = 15 * time.Minute
)

// Claims are the JWT claims carried by an API bearer token. Subject is the
// agent id; Role is informational only, the engine re-reads the registered
// role on every dispatch.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	AgentID string
	Role    contracts.AgentRole
}

type principalKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the authenticated principal, if any.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type nonceEntry struct {
	agentID string
	expires time.Time
}

// Authenticator issues and validates API bearer tokens. Possession of an
// agent's private key is proven by signing a server nonce; the token itself
// is an EdDSA JWT signed with a per-process key, so tokens do not outlive the
// server that minted them.
type Authenticator struct {
	st     *store.Store
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	clock  func() time.Time
	issuer string

	mu     sync.Mutex
	nonces map[string]nonceEntry
}

// NewAuthenticator builds an authenticator with a fresh signing keypair.
func NewAuthenticator(st *store.Store, clock func() time.Time) (*Authenticator, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("api: generate token key: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		st:     st,
		pub:    pub,
		priv:   priv,
		clock:  clock,
		issuer: "qorelogic",
		nonces: make(map[string]nonceEntry),
	}, nil
}

// Challenge mints a single-use nonce for the agent. The caller proves key
// possession by signing the nonce's ASCII bytes with its current ed25519 key.
func (a *Authenticator) Challenge(ctx context.Context, agentID string) (nonce string, expires time.Time, err error) {
	if _, err := a.lookup(ctx, agentID); err != nil {
		return "", time.Time{}, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("api: mint nonce: %w", err)
	}
	nonce = hex.EncodeToString(raw)
	expires = a.clock().Add(nonceTTL)

	a.mu.Lock()
	a.sweepLocked()
	a.nonces[nonce] = nonceEntry{agentID: agentID, expires: expires}
	a.mu.Unlock()
	return nonce, expires, nil
}

// Redeem exchanges a signed nonce for a bearer token. The nonce is burned on
// first use whether or not the signature checks out.
func (a *Authenticator) Redeem(ctx context.Context, agentID, nonce, sigHex string) (token string, expires time.Time, err error) {
	a.mu.Lock()
	entry, ok := a.nonces[nonce]
	delete(a.nonces, nonce)
	a.mu.Unlock()

	now := a.clock()
	if !ok || entry.agentID != agentID || now.After(entry.expires) {
		return "", time.Time{}, contracts.NewError(contracts.KindSignatureMismatch,
			"nonce unknown, expired, or bound to another agent")
	}

	agent, err := a.lookup(ctx, agentID)
	if err != nil {
		return "", time.Time{}, err
	}

	ok, err = identity.Verify(agent, "", []byte(nonce), sigHex)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, contracts.NewError(contracts.KindSignatureMismatch,
			"agent %s: nonce signature does not verify", agentID)
	}

	expires = now.Add(tokenTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: string(agent.Role),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.priv)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("api: sign token: %w", err)
	}
	return token, expires, nil
}

// Validate parses a bearer token and returns the principal it names.
func (a *Authenticator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return a.pub, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("invalid token")
	}
	return Principal{AgentID: claims.Subject, Role: contracts.AgentRole(claims.Role)}, nil
}

func (a *Authenticator) lookup(ctx context.Context, agentID string) (*contracts.Agent, error) {
	var agent *contracts.Agent
	err := a.st.View(ctx, func(tx *store.Tx) error {
		var getErr error
		agent, getErr = tx.GetAgent(ctx, agentID)
		return getErr
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.NewError(contracts.KindUnknownAgent,
			"agent %s is not registered", agentID)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// sweepLocked drops expired nonces. Caller holds a.mu.
func (a *Authenticator) sweepLocked() {
	now := a.clock()
	for n, e := range a.nonces {
		if now.After(e.expires) {
			delete(a.nonces, n)
		}
	}
}

// Middleware rejects requests without a valid bearer token and attaches the
// principal to the context. Fail closed: no authenticator, no access.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteUnauthorized(w, r, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if a == nil {
			WriteUnauthorized(w, r, "Authentication not configured")
			return
		}
		principal, err := a.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
