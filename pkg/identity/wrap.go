package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Wrap format: argon2id$v1$<salt>$<nonce>$<ciphertext>, fields base64.
const (
	wrapScheme  = "argon2id"
	wrapVersion = "v1"

	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	kekLen       = 32

	saltLen = 16

	// MinDistinctChars is the entropy floor below which a passphrase is
	// rejected regardless of length.
	MinDistinctChars = 4
)

var wrapEncoding = base64.StdEncoding

// CheckPassphrase rejects passphrases below the length or entropy floor.
func CheckPassphrase(pass []byte, minLen int) error {
	if len(pass) < minLen {
		return contracts.NewError(contracts.KindWeakPassphrase,
			"passphrase shorter than %d bytes", minLen)
	}
	distinct := make(map[byte]struct{}, len(pass))
	for _, b := range pass {
		distinct[b] = struct{}{}
	}
	if len(distinct) < MinDistinctChars {
		return contracts.NewError(contracts.KindWeakPassphrase,
			"passphrase has fewer than %d distinct characters", MinDistinctChars)
	}
	return nil
}

// WrapKey seals a private key under a passphrase-derived AES-256-GCM key.
// The salt is generated per call, so the same passphrase wrapping several
// keys never yields related ciphertexts.
func WrapKey(priv ed25519.PrivateKey, passphrase []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("identity: generate salt: %w", err)
	}
	kek := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekLen)
	defer Zero(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("identity: generate nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, priv, nil)

	return strings.Join([]string{
		wrapScheme,
		wrapVersion,
		wrapEncoding.EncodeToString(salt),
		wrapEncoding.EncodeToString(nonce),
		wrapEncoding.EncodeToString(ct),
	}, "$"), nil
}

// UnwrapKey opens a wrapped private key. The caller owns the returned buffer
// and must Zero it when done. A wrong passphrase surfaces as a GCM open
// failure; there is exactly one attempt per resolved passphrase.
func UnwrapKey(wrapped string, passphrase []byte) (ed25519.PrivateKey, error) {
	parts := strings.Split(wrapped, "$")
	if len(parts) != 5 || parts[0] != wrapScheme || parts[1] != wrapVersion {
		return nil, fmt.Errorf("identity: unrecognized wrap format")
	}
	salt, err := wrapEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("identity: decode salt: %w", err)
	}
	nonce, err := wrapEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("identity: decode nonce: %w", err)
	}
	ct, err := wrapEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("identity: decode ciphertext: %w", err)
	}

	kek := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekLen)
	defer Zero(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: unwrap: %w", err)
	}
	if len(plain) != ed25519.PrivateKeySize {
		Zero(plain)
		return nil, fmt.Errorf("identity: unwrapped key has wrong size")
	}
	return ed25519.PrivateKey(plain), nil
}

func newGCM(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("identity: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	return gcm, nil
}

// Zero overwrites a secret buffer in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
