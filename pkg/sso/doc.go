// Package sso implements federated sign-in over OpenID Connect and the
// directory reconciler that keeps local federated users aligned with the
// identity provider's directory.
//
// # Login
//
// The Gateway drives the authorization code flow. Authorize binds the attempt
// to a random state stored in the sso_state cookie; Complete rejects any
// callback whose state does not match before the code is exchanged, verifies
// the ID token against the provider's JWKS, fetches the directory profile and
// groups, and upserts the user keyed by external id.
//
//	gateway := sso.NewGateway(storage, providers, users, tokens, sso.GatewayConfig{}, metrics, logger)
//	redirect, state, err := gateway.Authorize(ctx)
//
// # Reconciliation
//
// The Reconciler pages through every directory user with an application
// token, creates, updates or deactivates local records, then deactivates
// local federated users the directory no longer lists. Runs are serialized
// by a RunLock (Redis when configured, in-process otherwise).
//
//	result, err := reconciler.Run(ctx)
//
// # Configuration
//
// One Config is stored per provider. The client secret is write-only: every
// read path returns it masked.
package sso
