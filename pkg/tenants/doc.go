// Package tenants owns the tenant registry and provisions one PostgreSQL
// database per tenant.
//
// Tenants are addressed by a public id ("TNT-" followed by eight upper-case
// alphanumerics) or by their numeric record id; ClassifyIdentifier decides
// which lookup to use. Each tenant gets a database named "tenant_" plus the
// lower-cased suffix of its id.
//
// Provisioning is a checklist (database, five tables, five indexes, one
// bootstrap row). Every step is idempotent and the completed steps are
// persisted after each one, so a failed run can be retried and resumes where
// it stopped.
package tenants
