// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so key
// usage stays discoverable and typo-free.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithClaims(ctx, claims)
//	claims, ok := contextkeys.GetClaims(ctx).(*auth.Claims)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains *auth.Claims
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go) via auth.WithClaims
	// Required by: role gates, permission gates, audited handlers
	ClaimsKey Key = "session_claims"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: audit entries, logs
	RequestIDKey Key = "request_id"
)

// WithClaims adds verified session claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetClaims returns the raw claims value; callers assert the concrete type
func GetClaims(ctx context.Context) interface{} {
	return ctx.Value(ClaimsKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
