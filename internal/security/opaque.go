package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewOpaqueValue returns a fresh 32-byte random token value, base64url-encoded.
// Used for refresh, email verification, and password reset tokens.
func NewOpaqueValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashOpaqueValue returns a SHA-256 hash of the opaque token value, hex-encoded.
// Used for storing and looking up tokens without persisting the raw value.
func HashOpaqueValue(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// OpaqueValueHashEqual performs constant-time comparison of the provided value's
// hash with the stored hash. Returns true only if they match.
func OpaqueValueHashEqual(providedValue, storedHash string) bool {
	providedHash := HashOpaqueValue(providedValue)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
