package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for the authenticated principal
	ClaimsKey contextKey = "claims"
)

// AnonymousSubject is the subject given to callers when auth is disabled
const AnonymousSubject = "anonymous"

// Claims represents the principal extracted from a validated token
type Claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Exp   int64  `json:"exp"`
	Iat   int64  `json:"iat"`

	anonymous bool
}

// AnonymousClaims returns the development principal. Only the anonymous auth
// middleware puts it on a request; a token cannot produce it.
func AnonymousClaims() *Claims {
	return &Claims{Sub: AnonymousSubject, anonymous: true}
}

// Anonymous reports whether the claims belong to the development principal
func (c *Claims) Anonymous() bool {
	return c != nil && c.anonymous
}

// DisplayName returns the best human-readable name for the principal
func (c *Claims) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, chimw.RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves the principal from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds the principal to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}
