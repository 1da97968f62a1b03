// Package orgs manages the platform's single organization record.
//
// The organization carries the subscription limits enforced elsewhere:
// MaxTenants bounds live tenants and MaxUsers bounds active users. Both are
// strict upper bounds, so zero admits no new tenants or users. The row is
// created by the first write (PUT /organization, or /setup with an
// organization name) and every later write updates the same row.
package orgs
