package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id defaults.
const (
	argonMemoryKiB  = 64 * 1024
	argonIterations = 3
	argonLanes      = 2
	argonSaltLen    = 16
	argonKeyLen     = 32
)

// PasswordHasher derives and verifies argon2id password hashes in the
// standard $argon2id$v=19$m=...,t=...,p=...$salt$hash encoding. Verify
// reads the parameters from the encoded hash, so stored credentials
// survive parameter changes.
type PasswordHasher struct {
	memory     uint32
	iterations uint32
	lanes      uint8
	saltLen    uint32
	keyLen     uint32
}

func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		memory:     argonMemoryKiB,
		iterations: argonIterations,
		lanes:      argonLanes,
		saltLen:    argonSaltLen,
		keyLen:     argonKeyLen,
	}
}

// Hash derives a fresh salted hash for the password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.iterations, h.memory, h.lanes, h.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory,
		h.iterations,
		h.lanes,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks a password against an encoded hash in constant time.
func (h *PasswordHasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("invalid hash format")
	}

	var memory, iterations uint32
	var lanes uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &lanes); err != nil {
		return false, fmt.Errorf("failed to parse hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, lanes, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
