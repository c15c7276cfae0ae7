package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// secretBytes is the entropy of an opaque refresh secret. 32 bytes keeps
// digest collisions out of reach and makes the secret unguessable.
const secretBytes = 32

// GenerateOpaqueSecret returns a fresh refresh secret: 256 bits from the
// system CSPRNG, URL-safe base64 without padding. The secret is handed to
// the client once and only its digest is ever persisted.
func GenerateOpaqueSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DigestSecret maps a refresh secret to its stored form: lowercase hex
// SHA-256. Deterministic, so the digest doubles as the lookup key and a
// presented secret is located without decrypting anything.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
