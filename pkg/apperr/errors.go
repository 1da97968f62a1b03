package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindAuth               Kind = "auth_error"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindCsrf               Kind = "csrf_error"
	KindExternalService    Kind = "external_service_error"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindAlreadyProvisioned Kind = "already_provisioned"
	KindProvisioning       Kind = "provisioning_error"
	KindConfiguration      Kind = "configuration_error"
	KindInternal           Kind = "internal_error"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindCsrf, KindQuotaExceeded, KindAlreadyProvisioned, KindConfiguration:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	// Missing lists the permission keys a caller lacked (KindPermissionDenied only).
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key set in its details map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

func Auth(format string, args ...interface{}) *Error {
	return newError(KindAuth, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

func Csrf(format string, args ...interface{}) *Error {
	return newError(KindCsrf, format, args...)
}

func Configuration(format string, args ...interface{}) *Error {
	return newError(KindConfiguration, format, args...)
}

func AlreadyProvisioned(tenantID string) *Error {
	return newError(KindAlreadyProvisioned, "tenant %s is already provisioned", tenantID)
}

// Forbidden is a permission denial that is not tied to permission keys.
func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindPermissionDenied, format, args...)
}

// PermissionDenied reports the exact permission keys the caller is missing.
func PermissionDenied(missing []string) *Error {
	e := newError(KindPermissionDenied, "missing required permissions")
	e.Missing = append([]string(nil), missing...)
	return e
}

// QuotaExceeded reports a subscription limit hit for resource.
func QuotaExceeded(resource string, current, limit int64) *Error {
	e := newError(KindQuotaExceeded, "quota exceeded for %s", resource)
	e.Details = map[string]interface{}{
		"resource": resource,
		"current":  current,
		"limit":    limit,
	}
	return e
}

// ExternalService wraps a failure from an upstream provider. The provider
// message is surfaced to the client.
func ExternalService(service string, err error) *Error {
	return &Error{
		Kind:    KindExternalService,
		Message: service + " request failed",
		Err:     err,
	}
}

// Provisioning wraps a tenant provisioning failure. The tenant stays retryable.
func Provisioning(tenantID string, err error) *Error {
	return &Error{
		Kind:    KindProvisioning,
		Message: "provisioning failed for tenant " + tenantID,
		Err:     err,
	}
}

// Internal wraps an unexpected error. Its message is never sent to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
