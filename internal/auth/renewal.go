package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const renewalTokenBytes = 32

func newRenewalToken() (string, error) {
	buf := make([]byte, renewalTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate renewal token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRenewalToken returns the hex SHA-256 digest under which a renewal token is stored.
func HashRenewalToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// shortHash is safe to log.
func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
