// Package httputil provides the JSON request/response helpers and the common
// middleware chain used by every tenantgate HTTP handler.
//
// # Responses
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, tenant)
//	httputil.WriteAppError(w, r, err)
//
// WriteAppError is the single place where errors become HTTP responses. Errors
// built with pkg/apperr keep their kind and message; anything else is logged
// and reported as a generic internal error.
//
// # Requests
//
//	var req LoginRequest
//	if err := httputil.ParseJSON(r, &req); err != nil {
//		httputil.WriteAppError(w, r, err)
//		return
//	}
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
