package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Migration is one versioned control-plane schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrationLockID serializes Migrate across instances starting together.
const migrationLockID = 7_342_119

// Migrations returns the control-plane schema in version order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email TEXT NOT NULL,
					password_hash TEXT,
					display_name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL DEFAULT 'viewer',
					auth_provider TEXT NOT NULL DEFAULT 'local',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					external_id TEXT UNIQUE,
					groups TEXT[] NOT NULL DEFAULT '{}',
					job_title TEXT,
					department TEXT,
					invite_token_hash TEXT,
					invite_expires_at TIMESTAMPTZ,
					reset_token_hash TEXT,
					reset_expires_at TIMESTAMPTZ,
					last_login_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (role IN ('admin', 'manager', 'editor', 'viewer')),
					CHECK (auth_provider IN ('local', 'federated'))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email));
				CREATE INDEX IF NOT EXISTS idx_users_invite_token ON users (invite_token_hash) WHERE invite_token_hash IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_users_reset_token ON users (reset_token_hash) WHERE reset_token_hash IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					singleton BOOLEAN NOT NULL DEFAULT TRUE UNIQUE CHECK (singleton),
					name TEXT NOT NULL,
					max_tenants BIGINT NOT NULL DEFAULT 10,
					max_users BIGINT NOT NULL DEFAULT 100,
					settings JSONB NOT NULL DEFAULT '{}'::jsonb,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					tenant_id TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					slug TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					organization_id BIGINT NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					database JSONB NOT NULL DEFAULT '{}'::jsonb,
					settings JSONB NOT NULL DEFAULT '{}'::jsonb,
					metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
					provisioning JSONB NOT NULL DEFAULT '{}'::jsonb,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (status IN ('provisioning', 'active', 'suspended', 'decommissioned'))
				);

				CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants (status);
			`,
		},
		{
			Version:     4,
			Description: "Create sso_configs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_configs (
					id BIGSERIAL PRIMARY KEY,
					provider TEXT NOT NULL UNIQUE,
					enabled BOOLEAN NOT NULL DEFAULT FALSE,
					client_id TEXT NOT NULL,
					client_secret TEXT NOT NULL DEFAULT '',
					issuer_url TEXT NOT NULL,
					redirect_url TEXT NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{openid,profile,email}',
					group_role_mapping JSONB NOT NULL DEFAULT '{}'::jsonb,
					default_role TEXT NOT NULL DEFAULT 'viewer',
					auto_provision BOOLEAN NOT NULL DEFAULT TRUE,
					directory_url TEXT,
					directory_scopes TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     5,
			Description: "Create permission_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_overrides (
					id BIGSERIAL PRIMARY KEY,
					applet_id TEXT NOT NULL,
					role TEXT NOT NULL,
					permissions TEXT NOT NULL DEFAULT '[]',
					updated_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (applet_id, role)
				);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id UUID PRIMARY KEY,
					actor_id BIGINT,
					actor_email TEXT,
					action TEXT NOT NULL,
					target_type TEXT,
					target_id TEXT,
					details JSONB,
					ip_address TEXT,
					user_agent TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs (actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs (target_type, target_id);
			`,
		},
	}
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the versions it applied. A Postgres advisory lock keeps concurrent
// starts from racing.
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) ([]int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			logger.WithError(err).Warn("Failed to release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	var ran []int
	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return ran, err
		}
		logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applied migration")
		ran = append(ran, m.Version)
	}

	return ran, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, conn *sql.Conn, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	return tx.Commit()
}
