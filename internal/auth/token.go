package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Static API tokens have the form fleet_<uuid>_<secret>. Only the
// SHA-256 digest of the full token is stored in configuration.
const apiTokenPrefix = "fleet_"

// apiTokenMinLen is prefix + uuid + separator + 64 hex chars of secret.
const apiTokenMinLen = len(apiTokenPrefix) + 36 + 1 + 64

// GenerateAPIToken mints a machine credential and its storable digest.
// The token value is shown once; configuration keeps the digest only.
func GenerateAPIToken() (token, digest string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", apiTokenPrefix, uuid.New(), hex.EncodeToString(secret))
	return token, HashToken(token), nil
}

// HashToken returns the hex SHA-256 digest of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidAPITokenFormat is a cheap shape check performed before hashing.
func ValidAPITokenFormat(token string) bool {
	return len(token) >= apiTokenMinLen && strings.HasPrefix(token, apiTokenPrefix)
}
