package auth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/config"
)

const testSecret = "unit-test-secret-key-0123456789ab"

// Argon2id is deliberately slow, so fixture hashes are computed once.
var (
	hashMu    sync.Mutex
	hashCache = map[string]string{}
)

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hashMu.Lock()
	defer hashMu.Unlock()
	if h, ok := hashCache[password]; ok {
		return h
	}
	h, err := NewPasswordHasher().Hash(password)
	require.NoError(t, err)
	hashCache[password] = h
	return h
}

func newTestService(t *testing.T, mutate func(*config.AuthConfig)) *Service {
	t.Helper()
	cfg := config.AuthConfig{
		JWTSecret: testSecret,
		TokenTTL:  time.Hour,
		Users: []config.UserConfig{
			{Username: "alice", PasswordHash: hashPassword(t, "correct horse"), Role: "admin"},
			{Username: "bob", PasswordHash: hashPassword(t, "battery staple"), Role: "operator"},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestLogin(t *testing.T) {
	svc := newTestService(t, nil)

	t.Run("success", func(t *testing.T) {
		token, id, err := svc.Login("alice", "correct horse")
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, "alice", id.Subject)
		assert.Equal(t, RoleAdmin, id.Role)
		assert.Equal(t, KindUser, id.Kind)
		assert.True(t, id.Can(PermSystemAdmin))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, _, err := svc.Login("mallory", "anything")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, _, err := svc.Login("alice", "wrong horse")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestValidateToken(t *testing.T) {
	svc := newTestService(t, nil)

	t.Run("round trip", func(t *testing.T) {
		token, _, err := svc.Login("bob", "battery staple")
		require.NoError(t, err)

		id, err := svc.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "bob", id.Subject)
		assert.Equal(t, RoleOperator, id.Role)
		assert.True(t, id.Can(PermDeviceControl))
		assert.False(t, id.Can(PermSafetyControl))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := NewJWTHandler(testSecret, -time.Hour).Generate("alice", RoleAdmin)
		require.NoError(t, err)

		_, err = svc.ValidateToken(expired)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		forged, err := NewJWTHandler("some-other-secret-entirely-000000", time.Hour).Generate("alice", RoleAdmin)
		require.NoError(t, err)

		_, err = svc.ValidateToken(forged)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAPITokens(t *testing.T) {
	token, digest, err := GenerateAPIToken()
	require.NoError(t, err)
	assert.True(t, ValidAPITokenFormat(token))

	svc := newTestService(t, func(cfg *config.AuthConfig) {
		cfg.APITokens = []config.APITokenConfig{
			{Name: "line-controller", TokenSHA256: digest, Role: "technician"},
		}
	})

	t.Run("known token", func(t *testing.T) {
		id, err := svc.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "line-controller", id.Subject)
		assert.Equal(t, RoleTechnician, id.Role)
		assert.Equal(t, KindAPIToken, id.Kind)
		assert.True(t, id.Can(PermPluginManage))
		assert.False(t, id.Can(PermSystemAdmin))
	})

	t.Run("unknown token of valid shape", func(t *testing.T) {
		other, _, err := GenerateAPIToken()
		require.NoError(t, err)
		_, err = svc.ValidateToken(other)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong shape short-circuits", func(t *testing.T) {
		_, err := svc.ValidateToken("fleet_tooshort")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRoleLadder(t *testing.T) {
	cases := []struct {
		role Role
		has  []Permission
		not  []Permission
	}{
		{RoleOperator,
			[]Permission{PermDeviceRead, PermDeviceControl},
			[]Permission{PermSafetyControl, PermPluginManage, PermSystemAdmin}},
		{RoleTechnician,
			[]Permission{PermDeviceRead, PermDeviceControl, PermSafetyControl, PermPluginManage},
			[]Permission{PermSystemAdmin}},
		{RoleAdmin,
			[]Permission{PermDeviceRead, PermDeviceControl, PermSafetyControl, PermPluginManage, PermSystemAdmin},
			nil},
	}

	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			id := Identity{Role: tc.role, Permissions: tc.role.Permissions()}
			for _, p := range tc.has {
				assert.True(t, id.Can(p), "%s should have %s", tc.role, p)
			}
			for _, p := range tc.not {
				assert.False(t, id.Can(p), "%s should not have %s", tc.role, p)
			}
		})
	}
}

func TestNewServiceValidation(t *testing.T) {
	base := func() config.AuthConfig {
		return config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour}
	}

	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("FLEET_AUTH_JWT_SECRET", "")
		cfg := base()
		cfg.JWTSecret = ""
		_, err := NewService(cfg, zap.NewNop())
		require.Error(t, err)
	})

	t.Run("unknown user role", func(t *testing.T) {
		cfg := base()
		cfg.Users = []config.UserConfig{{Username: "eve", PasswordHash: "x", Role: "root"}}
		_, err := NewService(cfg, zap.NewNop())
		require.ErrorContains(t, err, "unknown role")
	})

	t.Run("unknown token role", func(t *testing.T) {
		cfg := base()
		cfg.APITokens = []config.APITokenConfig{{Name: "ci", TokenSHA256: "aa", Role: "superuser"}}
		_, err := NewService(cfg, zap.NewNop())
		require.ErrorContains(t, err, "unknown role")
	})

	t.Run("duplicate user", func(t *testing.T) {
		cfg := base()
		cfg.Users = []config.UserConfig{
			{Username: "alice", PasswordHash: "x", Role: "admin"},
			{Username: "alice", PasswordHash: "y", Role: "operator"},
		}
		_, err := NewService(cfg, zap.NewNop())
		require.ErrorContains(t, err, "declared twice")
	})
}

func TestPasswordHasher(t *testing.T) {
	hasher := NewPasswordHasher()

	encoded := hashPassword(t, "correct horse")

	ok, err := hasher.Verify("correct horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify("wrong horse", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = hasher.Verify("anything", "$argon2id$broken")
	require.Error(t, err)

	_, err = hasher.Verify("anything", "$bcrypt$v=19$m=1,t=1,p=1$a$b")
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, nil)

	router := gin.New()
	router.GET("/guarded", svc.RequireAuth(), RequirePermission(PermSafetyControl), func(c *gin.Context) {
		id, ok := IdentityFromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"subject": id.Subject})
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("missing header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("").Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("Basic abc").Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("Bearer bogus").Code)
	})

	t.Run("insufficient role", func(t *testing.T) {
		token, _, err := svc.Login("bob", "battery staple")
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, do("Bearer "+token).Code)
	})

	t.Run("authorized", func(t *testing.T) {
		token, _, err := svc.Login("alice", "correct horse")
		require.NoError(t, err)
		w := do("Bearer " + token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "alice")
	})
}
