// Package identity manages per-agent ed25519 signing keys. Private keys are
// only ever persisted wrapped (argon2id + AES-256-GCM) and only ever live
// unwrapped inside a short-lived cache that is zeroed on eviction, rotation,
// and quarantine. No key material reaches the logger.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// unwrapTTL bounds how long an unwrapped private key may be reused before the
// passphrase is resolved again.
const unwrapTTL = 60 * time.Second

// PassphraseSource resolves the operator passphrase at the moment of use.
// Implementations must not retain the secret between calls.
type PassphraseSource func() ([]byte, error)

// SourceFromSpec builds a PassphraseSource from an "env:<VAR>" or
// "file:<path>" locator.
func SourceFromSpec(spec string) (PassphraseSource, error) {
	switch {
	case strings.HasPrefix(spec, "env:"):
		name := strings.TrimPrefix(spec, "env:")
		return func() ([]byte, error) {
			v, ok := os.LookupEnv(name)
			if !ok || v == "" {
				return nil, fmt.Errorf("identity: passphrase env %s is unset", name)
			}
			return []byte(v), nil
		}, nil
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		return func() ([]byte, error) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("identity: passphrase file: %w", err)
			}
			return bytes.TrimRight(raw, "\r\n"), nil
		}, nil
	default:
		return nil, fmt.Errorf("identity: passphrase source must be env: or file:, got %q", spec)
	}
}

// StaticSource returns a fixed passphrase. Test use only.
func StaticSource(pass []byte) PassphraseSource {
	return func() ([]byte, error) {
		out := make([]byte, len(pass))
		copy(out, pass)
		return out, nil
	}
}

// Manager creates, signs with, and rotates agent keypairs.
type Manager struct {
	store  *store.Store
	source PassphraseSource
	logger *slog.Logger
	clock  func() time.Time

	minPassLen     int
	rotationMaxAge time.Duration

	mu    sync.Mutex
	cache map[string]*unwrapped
}

// unwrapped is one agent's cached private key. Its mutex serializes unwraps
// and signing for that agent without blocking other agents.
type unwrapped struct {
	mu      sync.Mutex
	priv    ed25519.PrivateKey
	keyID   string
	expires time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMinPassphraseLength overrides the 12-byte default floor.
func WithMinPassphraseLength(n int) Option {
	return func(m *Manager) { m.minPassLen = n }
}

// WithRotationMaxAge overrides the 90-day rotation warning age.
func WithRotationMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.rotationMaxAge = d }
}

// NewManager wires the identity layer to its store and passphrase source.
func NewManager(st *store.Store, source PassphraseSource, opts ...Option) *Manager {
	m := &Manager{
		store:          st,
		source:         source,
		logger:         slog.Default(),
		clock:          time.Now,
		minPassLen:     12,
		rotationMaxAge: 90 * 24 * time.Hour,
		cache:          make(map[string]*unwrapped),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateAgentTx registers a new agent: fresh ed25519 keypair, private key
// wrapped under the supplied passphrase, trust and influence at their
// initial values, probation on.
func (m *Manager) CreateAgentTx(ctx context.Context, tx *store.Tx, role contracts.AgentRole, passphrase []byte) (*contracts.Agent, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("identity: unknown role %q", role)
	}
	if err := CheckPassphrase(passphrase, m.minPassLen); err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	defer Zero(priv)

	wrapped, err := WrapKey(priv, passphrase)
	if err != nil {
		return nil, err
	}
	nonce, err := randomHex(6)
	if err != nil {
		return nil, err
	}
	keyID, err := newKeyID()
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	agent := &contracts.Agent{
		ID:                 fmt.Sprintf("qore:%s:%s", role, nonce),
		Role:               role,
		PublicKey:          hex.EncodeToString(pub),
		WrappedKey:         wrapped,
		KeyID:              keyID,
		KeyLog:             "[]",
		Influence:          contracts.InfluenceInit,
		Trust:              contracts.TrustInitial,
		Stage:              contracts.StageFor(contracts.TrustInitial),
		Probation:          true,
		ProbationStartedAt: now,
		CreatedAt:          now,
		LastRotationAt:     now,
	}
	if err := tx.InsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	m.logger.Info("identity: agent registered",
		slog.String("agent", agent.ID),
		slog.String("role", string(role)),
		slog.String("key_id", keyID))
	return agent, nil
}

// SignTx signs data with the agent's current private key and returns the hex
// signature plus the key id it was made with. Unwrap failures, including a
// failing passphrase source, surface as IDENTITY_LOCKED.
func (m *Manager) SignTx(ctx context.Context, tx *store.Tx, agentID string, data []byte) (sigHex, keyID string, err error) {
	agent, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return "", "", err
	}
	entry := m.entry(agentID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := m.clock()
	if entry.priv == nil || entry.keyID != agent.KeyID || now.After(entry.expires) {
		entry.clear()
		pass, srcErr := m.source()
		if srcErr != nil {
			return "", "", contracts.WrapError(contracts.KindIdentityLocked, srcErr,
				"agent %s: passphrase unavailable", agentID)
		}
		priv, unwrapErr := UnwrapKey(agent.WrappedKey, pass)
		Zero(pass)
		if unwrapErr != nil {
			return "", "", contracts.WrapError(contracts.KindIdentityLocked, unwrapErr,
				"agent %s: private key locked", agentID)
		}
		entry.priv = priv
		entry.keyID = agent.KeyID
		entry.expires = now.Add(unwrapTTL)
	}
	sig := ed25519.Sign(entry.priv, data)
	return hex.EncodeToString(sig), entry.keyID, nil
}

// VerifyTx checks a hex signature for an agent, consulting key history. An
// empty keyID tries every key the agent has held.
func (m *Manager) VerifyTx(ctx context.Context, tx *store.Tx, agentID, keyID string, data []byte, sigHex string) (bool, error) {
	agent, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return Verify(agent, keyID, data, sigHex)
}

// RotateTx installs a fresh keypair for the agent, retiring the current key
// into the JSON key log so ledger entries signed before the rotation stay
// verifiable. The unwrap cache entry is zeroed.
func (m *Manager) RotateTx(ctx context.Context, tx *store.Tx, agentID string) (*contracts.Agent, error) {
	agent, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	pass, err := m.source()
	if err != nil {
		return nil, contracts.WrapError(contracts.KindIdentityLocked, err,
			"agent %s: passphrase unavailable", agentID)
	}
	defer Zero(pass)

	// Refuse to rotate a key we cannot unwrap: rotation must never strand
	// an identity whose passphrase no longer opens the stored wrap.
	old, err := UnwrapKey(agent.WrappedKey, pass)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindIdentityLocked, err,
			"agent %s: private key locked", agentID)
	}
	Zero(old)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	defer Zero(priv)
	wrapped, err := WrapKey(priv, pass)
	if err != nil {
		return nil, err
	}
	keyID, err := newKeyID()
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	log, err := KeyHistory(agent)
	if err != nil {
		return nil, err
	}
	log = append(log, KeyRecord{
		KeyID:     agent.KeyID,
		PublicKey: agent.PublicKey,
		CreatedAt: agent.LastRotationAt,
		RetiredAt: now,
	})
	encoded, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("identity: encode key log: %w", err)
	}

	agent.PublicKey = hex.EncodeToString(pub)
	agent.WrappedKey = wrapped
	agent.KeyID = keyID
	agent.KeyLog = string(encoded)
	agent.LastRotationAt = now
	if err := tx.UpdateAgentKeys(ctx, agentID, agent.PublicKey, agent.WrappedKey, agent.KeyID, agent.KeyLog, now.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	m.Invalidate(agentID)
	m.logger.Info("identity: key rotated",
		slog.String("agent", agentID),
		slog.String("key_id", keyID))
	return agent, nil
}

// RotationDue reports whether the agent's current key is older than the
// rotation age and should carry a KEY_ROTATION_DUE warning.
func (m *Manager) RotationDue(a *contracts.Agent) bool {
	return m.clock().Sub(a.LastRotationAt) >= m.rotationMaxAge
}

// Invalidate zeroes and drops the agent's cached private key. Called on
// rotation and when an agent enters quarantine.
func (m *Manager) Invalidate(agentID string) {
	m.mu.Lock()
	entry, ok := m.cache[agentID]
	delete(m.cache, agentID)
	m.mu.Unlock()
	if ok {
		entry.mu.Lock()
		entry.clear()
		entry.mu.Unlock()
	}
}

// Close zeroes every cached key.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.cache {
		entry.mu.Lock()
		entry.clear()
		entry.mu.Unlock()
		delete(m.cache, id)
	}
}

func (m *Manager) entry(agentID string) *unwrapped {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[agentID]
	if !ok {
		entry = &unwrapped{}
		m.cache[agentID] = entry
	}
	return entry
}

func (u *unwrapped) clear() {
	if u.priv != nil {
		Zero(u.priv)
		u.priv = nil
	}
	u.keyID = ""
	u.expires = time.Time{}
}

func newKeyID() (string, error) {
	suffix, err := randomHex(6)
	if err != nil {
		return "", err
	}
	return "key-" + suffix, nil
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("identity: randomness unavailable: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
