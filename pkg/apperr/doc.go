// Package apperr defines the error taxonomy shared by every tenantgate package.
//
// Domain code returns *Error values built with the constructors in this
// package (Validation, Auth, NotFound, ...). The HTTP layer maps them to a
// status code and a stable JSON body through httputil.WriteAppError, so
// handlers never choose status codes themselves.
//
//	if user == nil {
//		return apperr.NotFound("user not found")
//	}
//
// Callers test for a kind with Is:
//
//	if apperr.Is(err, apperr.KindConflict) { ... }
package apperr
