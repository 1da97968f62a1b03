// Package config loads tenantgate configuration from TENANTGATE_* environment
// variables with defaults, then validates it.
//
// Required:
//
//	TENANTGATE_DATABASE_URL="postgres://tenantgate@localhost/tenantgate?sslmode=disable"
//	TENANTGATE_JWT_SECRET="<at least 32 bytes>"
//
// Common settings:
//
//	TENANTGATE_PORT="8080"
//	TENANTGATE_BASE_URL="https://gate.example.com"
//	TENANTGATE_REDIS_URL="redis://localhost:6379/0"
//	TENANTGATE_TENANT_DB_ADMIN_URL="postgres://admin@tenants/postgres"
//	TENANTGATE_SSO_SYNC_SCHEDULE="@every 1h"
//	TENANTGATE_PERMISSIONS_DIR="/etc/tenantgate/applets"
//	TENANTGATE_AUDIT_RETENTION_DAYS="90"
//	TENANTGATE_AUDIT_ARCHIVE_BUCKET="tenantgate-audit"
//
// TENANTGATE_SSO_SYNC_SCHEDULE requires TENANTGATE_REDIS_URL: the directory
// sync run lock must be shared between the worker and the API.
//
// Both binaries call godotenv before LoadConfig, so a .env file in the
// working directory is honored.
package config
