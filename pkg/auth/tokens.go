package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// oneTimeTokenBytes is the entropy of invite and reset tokens (256 bits).
	oneTimeTokenBytes = 32

	DefaultInviteTTL = 7 * 24 * time.Hour
	DefaultResetTTL  = time.Hour
)

// GenerateOneTimeToken returns a random URL-safe token and the SHA-256 hash
// that is stored in its place.
func GenerateOneTimeToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, oneTimeTokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// HashToken computes the lookup hash of a one-time token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
