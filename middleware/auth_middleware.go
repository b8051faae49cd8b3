package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/crewledger/ai-gateway/auth"
	"github.com/crewledger/ai-gateway/utils"
	"go.uber.org/zap"
)

// TokenValidator turns a bearer token into the caller's claims
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// authTokenCookieName is the cookie the web app sets after login (Authorization header takes precedence)
const authTokenCookieName = "auth_token"

// bearerRealm names the protection space in WWW-Authenticate challenges
const bearerRealm = "chat"

var errMissingToken = errors.New("no bearer token or auth cookie")

// AuthMiddleware admits chat callers holding a valid bearer token
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
	anonymous bool
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// NewAnonymousAuthMiddleware admits every request as the anonymous principal.
// Development only; config validation refuses it in production.
func NewAnonymousAuthMiddleware(logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		logger:    logger,
		anonymous: true,
	}
}

// RequireAuth puts the caller's claims on the request context or answers 401
// with a bearer challenge.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if m.anonymous {
			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, AnonymousClaims())))
			return
		}

		claims, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		m.logger.Debug("caller authenticated",
			zap.String("request_id", GetRequestIDFromContext(ctx)),
			zap.String("sub", claims.Sub))

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (*Claims, error) {
	token := extractToken(r)
	if token == "" {
		return nil, errMissingToken
	}
	return m.validator.ValidateToken(r.Context(), token)
}

// reject writes the 401. A missing token gets a bare challenge; a bad one
// carries error="invalid_token" so clients know to refresh.
func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	challenge := `Bearer realm="` + bearerRealm + `"`
	message := "Missing or invalid authorization"

	switch {
	case errors.Is(err, errMissingToken):
	case errors.Is(err, auth.ErrTokenExpired):
		challenge += `, error="invalid_token", error_description="token expired"`
		message = "Token expired"
	default:
		challenge += `, error="invalid_token"`
		message = "Invalid or expired token"
	}

	m.logger.Warn("authentication rejected",
		zap.String("request_id", GetRequestIDFromContext(r.Context())),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Error(err))

	w.Header().Set("WWW-Authenticate", challenge)
	if werr := utils.WriteUnauthorized(w, message); werr != nil {
		m.logger.Error("failed to write unauthorized response", zap.Error(werr))
	}
}

// extractToken extracts JWT from the Authorization header ("Bearer TOKEN") or the auth_token cookie.
// Authorization header takes precedence when both are present.
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
