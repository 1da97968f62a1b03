// Package storage holds the shared backend configuration for tenantgate and
// a local object store.
//
// The control-plane PostgreSQL pool, the Redis client, the S3 client and the
// schema migrations live in the postgres subpackage. Domain packages (auth,
// tenants, sso, rbac, audit) own their SQL and take a *sql.DB.
//
// # Object storage
//
// Expired audit entries can be archived before deletion. With a bucket
// configured the worker writes to S3 through postgres.S3Client, otherwise
// FileSystemObjects writes the same keys under a local directory:
//
//	objects, err := storage.NewFileSystemObjects("/var/lib/tenantgate/audit")
//	archiver := audit.NewObjectArchiver(objects, "audit")
package storage
