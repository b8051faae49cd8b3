package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy"

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewValidator(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		v, err := NewValidator(Config{})
		assert.Error(t, err)
		assert.Nil(t, v)
	})

	t.Run("valid config", func(t *testing.T) {
		v, err := NewValidator(Config{Secret: testSecret})
		require.NoError(t, err)
		assert.NotNil(t, v)
	})
}

func TestValidateToken(t *testing.T) {
	v, err := NewValidator(Config{Secret: testSecret, Issuer: "crewledger"})
	require.NoError(t, err)

	now := time.Now()
	baseClaims := func() *Claims {
		return &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-42",
				Issuer:    "crewledger",
				IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Name:  "Dana",
			Email: "dana@example.com",
			Role:  "owner",
		}
	}

	t.Run("valid token", func(t *testing.T) {
		token := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), baseClaims())

		parsed, err := v.ValidateToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "user-42", parsed.Subject)
		assert.Equal(t, "Dana", parsed.Name)
		assert.Equal(t, "dana@example.com", parsed.Email)
		assert.Equal(t, "owner", parsed.Role)
		assert.False(t, parsed.ExpiresAt.IsZero())
	})

	t.Run("expired token", func(t *testing.T) {
		claims := baseClaims()
		claims.IssuedAt = jwt.NewNumericDate(now.Add(-2 * time.Hour))
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
		token := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signClaims(t, jwt.SigningMethodHS256, []byte("another-secret"), baseClaims())

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims()
		claims.Issuer = "someone-else"
		token := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("unexpected signing method", func(t *testing.T) {
		token := signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), baseClaims())

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := baseClaims()
		claims.ExpiresAt = nil
		token := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := baseClaims()
		claims.Subject = ""
		token := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateToken(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestSign(t *testing.T) {
	v, err := NewValidator(Config{Secret: testSecret, Issuer: "crewledger"})
	require.NoError(t, err)

	token, err := v.Sign("user-7", "Sam", "sam@example.com", time.Hour)
	require.NoError(t, err)

	parsed, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", parsed.Subject)
	assert.Equal(t, "Sam", parsed.Name)
	assert.NotEmpty(t, parsed.TokenID)
}
