// Package canonical produces deterministic byte representations of payloads
// so that hashes and signatures are reproducible across processes and
// platforms. JSON values are canonicalized per RFC 8785 (JCS): lexicographic
// member ordering, shortest-round-trip numbers, UTF-8, no insignificant
// whitespace.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix namespaces every content hash the engine emits.
const HashPrefix = "sha256:"

// Marshal renders v as RFC 8785 canonical JSON.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// MarshalRaw canonicalizes an already-encoded JSON document.
func MarshalRaw(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the prefixed hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Hash canonicalizes v and hashes the result.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ZeroHash is the sentinel previous-hash of the genesis entry.
var ZeroHash = HashPrefix + "0000000000000000000000000000000000000000000000000000000000000000"
