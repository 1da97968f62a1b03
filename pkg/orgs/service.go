package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

// PostgresService stores the organization in PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

const orgColumns = `id, name, max_tenants, max_users, settings, created_at, updated_at`

func scanOrganization(row *sql.Row) (*Organization, error) {
	org := &Organization{}
	var settingsJSON []byte
	err := row.Scan(&org.ID, &org.Name, &org.MaxTenants, &org.MaxUsers, &settingsJSON, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return org, nil
}

// Get returns the organization, or a not-found error before the first write.
func (s *PostgresService) Get(ctx context.Context) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE singleton = true`)
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization has not been configured")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

func validate(in UpdateInput) error {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return apperr.Validation("name cannot be empty")
	}
	if in.MaxTenants != nil && *in.MaxTenants < 0 {
		return apperr.Validation("maxTenants cannot be negative")
	}
	if in.MaxUsers != nil && *in.MaxUsers < 0 {
		return apperr.Validation("maxUsers cannot be negative")
	}
	return nil
}

// Upsert creates the organization on first write and updates it afterwards.
// The singleton column makes concurrent first writes converge on one row.
func (s *PostgresService) Upsert(ctx context.Context, in UpdateInput) (*Organization, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	var name interface{}
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	var settings interface{}
	if in.Settings != nil {
		raw, err := json.Marshal(in.Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal settings: %w", err)
		}
		settings = raw
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (singleton, name, max_tenants, max_users, settings)
		VALUES (true, COALESCE($1::text, 'Organization'), COALESCE($2::bigint, $5::bigint),
			COALESCE($3::bigint, $6::bigint), COALESCE($4::jsonb, '{}'::jsonb))
		ON CONFLICT (singleton) DO UPDATE SET
			name = COALESCE($1::text, organizations.name),
			max_tenants = COALESCE($2::bigint, organizations.max_tenants),
			max_users = COALESCE($3::bigint, organizations.max_users),
			settings = COALESCE($4::jsonb, organizations.settings),
			updated_at = NOW()
		RETURNING `+orgColumns,
		name, in.MaxTenants, in.MaxUsers, settings, int64(DefaultMaxTenants), int64(DefaultMaxUsers),
	)
	org, err := scanOrganization(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert organization: %w", err)
	}
	return org, nil
}

// EnsureOrganization creates the organization with default limits if none
// exists. An existing organization is left untouched.
func (s *PostgresService) EnsureOrganization(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("organization name is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (singleton, name, max_tenants, max_users, settings)
		VALUES (true, $1, $2, $3, '{}'::jsonb)
		ON CONFLICT (singleton) DO NOTHING`,
		name, int64(DefaultMaxTenants), int64(DefaultMaxUsers))
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// MaxUsers reports the user limit. ok is false when no organization exists.
func (s *PostgresService) MaxUsers(ctx context.Context) (int64, bool, error) {
	org, err := s.Get(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return org.MaxUsers, true, nil
}
