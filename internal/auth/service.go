package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/config"
)

var (
	// ErrInvalidCredentials hides whether the username or the password
	// was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers malformed, unknown and expired tokens alike.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Service authenticates operators and machine clients against the
// accounts declared in configuration. There is no user database; the
// config file is the source of truth.
type Service struct {
	logger *zap.Logger
	jwt    *JWTHandler
	hasher *PasswordHasher

	users  map[string]userEntry
	tokens map[string]tokenEntry
}

type userEntry struct {
	passwordHash string
	role         Role
}

type tokenEntry struct {
	name string
	role Role
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) (*Service, error) {
	secret := cfg.JWTSecretValue()
	if secret == "" {
		return nil, errors.New("jwt secret is not configured")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s := &Service{
		logger: logger,
		jwt:    NewJWTHandler(secret, ttl),
		hasher: NewPasswordHasher(),
		users:  make(map[string]userEntry, len(cfg.Users)),
		tokens: make(map[string]tokenEntry, len(cfg.APITokens)),
	}

	for _, u := range cfg.Users {
		role, err := ParseRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("user %q declared twice", u.Username)
		}
		s.users[u.Username] = userEntry{passwordHash: u.PasswordHash, role: role}
	}

	for _, t := range cfg.APITokens {
		role, err := ParseRole(t.Role)
		if err != nil {
			return nil, fmt.Errorf("api token %q: %w", t.Name, err)
		}
		s.tokens[strings.ToLower(t.TokenSHA256)] = tokenEntry{name: t.Name, role: role}
	}

	return s, nil
}

// TokenTTL reports how long issued session tokens stay valid.
func (s *Service) TokenTTL() time.Duration { return s.jwt.ttl }

// Login verifies the credentials and issues a session token.
func (s *Service) Login(username, password string) (string, Identity, error) {
	entry, ok := s.users[username]
	if !ok {
		s.logger.Warn("login failed",
			zap.String("username", username),
			zap.String("reason", "unknown user"))
		return "", Identity{}, ErrInvalidCredentials
	}

	valid, err := s.hasher.Verify(password, entry.passwordHash)
	if err != nil || !valid {
		s.logger.Warn("login failed",
			zap.String("username", username),
			zap.String("reason", "password mismatch"))
		return "", Identity{}, ErrInvalidCredentials
	}

	token, err := s.jwt.Generate(username, entry.role)
	if err != nil {
		return "", Identity{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.logger.Info("login succeeded",
		zap.String("username", username),
		zap.String("role", string(entry.role)))
	return token, s.identity(username, entry.role, KindUser), nil
}

// ValidateToken accepts either a session JWT or a static API token and
// resolves it to an identity.
func (s *Service) ValidateToken(token string) (Identity, error) {
	if claims, err := s.jwt.Validate(token); err == nil {
		role, rerr := ParseRole(claims.Role)
		if rerr != nil {
			return Identity{}, ErrInvalidToken
		}
		return s.identity(claims.Username, role, KindUser), nil
	}
	return s.validateAPIToken(token)
}

func (s *Service) validateAPIToken(token string) (Identity, error) {
	if !ValidAPITokenFormat(token) {
		return Identity{}, ErrInvalidToken
	}

	entry, ok := s.tokens[HashToken(token)]
	if !ok {
		s.logger.Warn("api token rejected", zap.String("reason", "unknown digest"))
		return Identity{}, ErrInvalidToken
	}
	return s.identity(entry.name, entry.role, KindAPIToken), nil
}

func (s *Service) identity(subject string, role Role, kind IdentityKind) Identity {
	return Identity{
		Subject:     subject,
		Role:        role,
		Kind:        kind,
		Permissions: role.Permissions(),
	}
}
