package manager

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashToken returns the hex SHA-256 of a token. Only hashes are ever
// persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompareToken compares a presented token against a stored hash
// in constant time. An empty stored hash never matches.
func SecureCompareToken(token, tokenHash string) bool {
	if tokenHash == "" {
		return false
	}
	return hmac.Equal([]byte(HashToken(token)), []byte(tokenHash))
}

// NewSessionToken generates a fresh 256-bit session token.
func NewSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
