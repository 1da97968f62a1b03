// Package auth implements local credentials and sessions.
//
// # Credentials
//
// Users are stored in the control-plane users table. Local users are keyed by
// email and carry a bcrypt hash; federated users are keyed by external id and
// never have a password. Users are deactivated, never deleted.
//
// Passwords need at least 12 characters with an upper-case letter, a
// lower-case letter and a digit. Invite and reset tokens are 32 random bytes;
// only their SHA-256 hash is stored and both are single-use.
//
// # Sessions
//
// TokenService issues HS256 JWTs carrying the user id, email, role and
// provider. The token is returned in the response body and set as the
// HttpOnly "session" cookie:
//
//	tokens, _ := auth.NewTokenService(secret, "tenantgate")
//	token, _ := tokens.Issue(auth.ClaimsForUser(user))
//	claims, err := tokens.Verify(token) // apperr auth_error on any failure
//
// # Roles
//
// Roles are ordered admin > manager > editor > viewer. HighestRole picks the
// most privileged of several candidates and is shared with federated group
// mapping.
package auth
