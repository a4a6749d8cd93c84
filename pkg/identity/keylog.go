package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// KeyRecord is one retired keypair in an agent's rotation history. The live
// key stays in the registry columns; the log holds only retired keys.
type KeyRecord struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at"`
}

// KeyHistory parses the agent's JSON key log.
func KeyHistory(a *contracts.Agent) ([]KeyRecord, error) {
	if a.KeyLog == "" || a.KeyLog == "[]" {
		return nil, nil
	}
	var log []KeyRecord
	if err := json.Unmarshal([]byte(a.KeyLog), &log); err != nil {
		return nil, fmt.Errorf("identity: agent %s: parse key log: %w", a.ID, err)
	}
	return log, nil
}

// PublicKeyFor resolves a key id to its public key, consulting the current
// key first and then the rotation history. An empty keyID selects the
// current key.
func PublicKeyFor(a *contracts.Agent, keyID string) (ed25519.PublicKey, error) {
	hexKey := ""
	switch {
	case keyID == "" || keyID == a.KeyID:
		hexKey = a.PublicKey
	default:
		log, err := KeyHistory(a)
		if err != nil {
			return nil, err
		}
		for _, rec := range log {
			if rec.KeyID == keyID {
				hexKey = rec.PublicKey
				break
			}
		}
	}
	if hexKey == "" {
		return nil, fmt.Errorf("identity: agent %s: unknown key id %q", a.ID, keyID)
	}
	return decodePublicKey(hexKey)
}

// Verify checks a hex signature over data against the agent's key named by
// keyID. With an empty keyID every key the agent has ever held is tried, so
// rotation never invalidates previously signed material. Malformed input
// counts as a failed verification, not an error.
func Verify(a *contracts.Agent, keyID string, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	if keyID != "" {
		pub, err := PublicKeyFor(a, keyID)
		if err != nil {
			return false, err
		}
		return ed25519.Verify(pub, data, sig), nil
	}

	pub, err := decodePublicKey(a.PublicKey)
	if err != nil {
		return false, err
	}
	if ed25519.Verify(pub, data, sig) {
		return true, nil
	}
	log, err := KeyHistory(a)
	if err != nil {
		return false, err
	}
	for _, rec := range log {
		old, err := decodePublicKey(rec.PublicKey)
		if err != nil {
			return false, err
		}
		if ed25519.Verify(old, data, sig) {
			return true, nil
		}
	}
	return false, nil
}

func decodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key has wrong size")
	}
	return ed25519.PublicKey(raw), nil
}
