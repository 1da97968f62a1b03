// Package middleware provides HTTP middleware for session authentication,
// role gates and request throttling.
//
// AuthMiddleware reads the session token from the Authorization header
// ("Bearer <token>") or the session cookie, verifies it with the token
// service and stores the claims in the request context:
//
//	authn := middleware.NewAuthMiddleware(tokens, userStore)
//	admin := httputil.Chain(authn.Handler, middleware.RequireRole(auth.RoleAdmin))
//
// Guards bundles both gates for the packages' RegisterRoutes functions.
//
// RateLimiter throttles unauthenticated credential endpoints per client IP.
package middleware
