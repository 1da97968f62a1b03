package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Connector provides database handles for provisioning.
type Connector interface {
	WithAdminDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error
	WithTenantDB(ctx context.Context, database string, fn func(context.Context, *sql.DB) error) error
}

// StateSaver persists the checklist after each completed step.
type StateSaver func(ctx context.Context, state ProvisioningState) error

const (
	StepDatabase  = "database"
	StepBootstrap = "bootstrap"
)

type tableDef struct {
	name string
	ddl  string
}

type indexDef struct {
	name string
	ddl  string
}

var tenantTables = []tableDef{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'viewer',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
	{"dashboards", `CREATE TABLE IF NOT EXISTS dashboards (
		id BIGSERIAL PRIMARY KEY,
		owner_id BIGINT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		layout JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
	{"widgets", `CREATE TABLE IF NOT EXISTS widgets (
		id BIGSERIAL PRIMARY KEY,
		dashboard_id BIGINT NOT NULL REFERENCES dashboards(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}'::jsonb,
		position INT NOT NULL DEFAULT 0
	)`},
	{"audit_logs", `CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		actor_id BIGINT,
		action TEXT NOT NULL,
		details JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
	{"settings", `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
}

var tenantIndexes = []indexDef{
	{"idx_users_email", `CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email))`},
	{"idx_dashboards_owner", `CREATE INDEX IF NOT EXISTS idx_dashboards_owner ON dashboards (owner_id)`},
	{"idx_widgets_dashboard", `CREATE INDEX IF NOT EXISTS idx_widgets_dashboard ON widgets (dashboard_id)`},
	{"idx_audit_logs_actor", `CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs (actor_id)`},
	{"idx_audit_logs_created_at", `CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at)`},
}

// Steps lists the checklist in execution order.
func Steps() []string {
	steps := []string{StepDatabase}
	for _, t := range tenantTables {
		steps = append(steps, "table:"+t.name)
	}
	for _, idx := range tenantIndexes {
		steps = append(steps, "index:"+idx.name)
	}
	return append(steps, StepBootstrap)
}

// Provisioner creates a tenant database and its core schema.
type Provisioner struct {
	conn   Connector
	logger *observability.Logger
	now    func() time.Time
}

// NewProvisioner creates a provisioner.
func NewProvisioner(conn Connector, logger *observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Provisioner{conn: conn, logger: logger, now: time.Now}
}

// Provision runs the steps t has not completed yet and returns the updated
// checklist. On failure the checklist records the error and the completed
// steps so the next attempt resumes.
func (p *Provisioner) Provision(ctx context.Context, t *Tenant, save StateSaver) (ProvisioningState, error) {
	state := t.Provisioning
	state.CompletedSteps = append([]string(nil), state.CompletedSteps...)
	state.Attempts++
	state.LastError = ""

	logger := p.logger.WithFields(map[string]interface{}{
		"tenant_id": t.TenantID,
		"database":  t.Database.Name,
		"attempt":   state.Attempts,
	})

	complete := func(ctx context.Context, step string) error {
		state.CompletedSteps = append(state.CompletedSteps, step)
		now := p.now().UTC()
		state.UpdatedAt = &now
		logger.WithField("step", step).Debug("provisioning step completed")
		return save(ctx, state)
	}

	ctx, span := observability.StartSpan(ctx, "tenant.provision",
		attribute.String("tenant_id", t.TenantID),
		attribute.Int("attempt", state.Attempts),
	)
	err := p.run(ctx, t.Database.Name, &state, complete)
	observability.EndSpan(span, err)
	if err != nil {
		state.LastError = err.Error()
		now := p.now().UTC()
		state.UpdatedAt = &now
		if saveErr := save(ctx, state); saveErr != nil {
			logger.WithError(saveErr).Error("failed to record provisioning failure")
		}
		logger.WithError(err).Warn("tenant provisioning failed")
		return state, err
	}

	logger.Info("tenant provisioned")
	return state, nil
}

func (p *Provisioner) run(ctx context.Context, database string, state *ProvisioningState, complete func(context.Context, string) error) error {
	if !state.Completed(StepDatabase) {
		if err := p.conn.WithAdminDB(ctx, func(ctx context.Context, db *sql.DB) error {
			return ensureDatabase(ctx, db, database)
		}); err != nil {
			return fmt.Errorf("step %s: %w", StepDatabase, err)
		}
		if err := complete(ctx, StepDatabase); err != nil {
			return err
		}
	}

	return p.conn.WithTenantDB(ctx, database, func(ctx context.Context, db *sql.DB) error {
		for _, table := range tenantTables {
			step := "table:" + table.name
			if state.Completed(step) {
				continue
			}
			if err := ensureTable(ctx, db, table); err != nil {
				return fmt.Errorf("step %s: %w", step, err)
			}
			if err := complete(ctx, step); err != nil {
				return err
			}
		}

		for _, idx := range tenantIndexes {
			step := "index:" + idx.name
			if state.Completed(step) {
				continue
			}
			if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
				return fmt.Errorf("step %s: %w", step, err)
			}
			if err := complete(ctx, step); err != nil {
				return err
			}
		}

		if !state.Completed(StepBootstrap) {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO settings (key, value) VALUES ('bootstrap', $1) ON CONFLICT (key) DO NOTHING`,
				[]byte(`{"schemaVersion":1}`)); err != nil {
				return fmt.Errorf("step %s: %w", StepBootstrap, err)
			}
			if err := complete(ctx, StepBootstrap); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureDatabase(ctx context.Context, db *sql.DB, name string) error {
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check database: %w", err)
	}
	if exists {
		return nil
	}
	// CREATE DATABASE does not accept bind parameters.
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

func ensureTable(ctx context.Context, db *sql.DB, table tableDef) error {
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT to_regclass($1) IS NOT NULL`, "public."+table.name).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check table %s: %w", table.name, err)
	}
	if exists {
		return nil
	}
	if _, err := db.ExecContext(ctx, table.ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table.name, err)
	}
	return nil
}
