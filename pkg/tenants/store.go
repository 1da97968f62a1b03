package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

const uniqueViolation = "23505"

// errTenantIDTaken signals a public id collision; the caller retries with a
// fresh id.
var errTenantIDTaken = errors.New("tenant id already taken")

// Store persists the tenant registry in the control-plane database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a tenant registry store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const tenantColumns = `id, tenant_id, name, slug, description, organization_id, status,
	database, settings, metadata, provisioning, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row scanner) (*Tenant, error) {
	var t Tenant
	var databaseJSON, settingsJSON, metaJSON, provJSON []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Slug, &t.Description, &t.OrganizationID, &t.Status,
		&databaseJSON, &settingsJSON, &metaJSON, &provJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		name string
		raw  []byte
		dest interface{}
	}{
		{"database", databaseJSON, &t.Database},
		{"settings", settingsJSON, &t.Settings},
		{"metadata", metaJSON, &t.Metadata},
		{"provisioning", provJSON, &t.Provisioning},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field.name, err)
		}
	}
	return &t, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tenant field: %w", err)
	}
	return raw, nil
}

// Create inserts t and fills in its record id and timestamps. A public id
// collision returns errTenantIDTaken; a slug collision is a conflict.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	dbJSON, err := marshalJSON(t.Database)
	if err != nil {
		return err
	}
	settingsJSON, err := marshalJSON(t.Settings)
	if err != nil {
		return err
	}
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	provJSON, err := marshalJSON(t.Provisioning)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (tenant_id, name, slug, description, organization_id, status,
			database, settings, metadata, provisioning, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING id`,
		t.TenantID, t.Name, t.Slug, t.Description, t.OrganizationID, string(t.Status),
		dbJSON, settingsJSON, metaJSON, provJSON, now,
	).Scan(&t.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if strings.Contains(pqErr.Constraint, "slug") {
				return apperr.Conflict("a tenant with slug %q already exists", t.Slug)
			}
			return errTenantIDTaken
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *Store) getOne(ctx context.Context, where string, arg interface{}) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE "+where, arg)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return t, nil
}

// GetByTenantID loads a tenant by its public id.
func (s *Store) GetByTenantID(ctx context.Context, tenantID string) (*Tenant, error) {
	return s.getOne(ctx, "tenant_id = $1", tenantID)
}

// GetByID loads a tenant by record id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Tenant, error) {
	return s.getOne(ctx, "id = $1", id)
}

// List returns tenants ordered by creation, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]*Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants"
	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// CountLive counts tenants that have not been decommissioned.
func (s *Store) CountLive(ctx context.Context) (int64, error) {
	statuses := make([]string, len(LiveStatuses))
	for i, st := range LiveStatuses {
		statuses[i] = string(st)
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenants WHERE status = ANY($1)`, pq.Array(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return n, nil
}

// Update applies in to the tenant with record id.
func (s *Store) Update(ctx context.Context, id int64, in UpdateInput) (*Tenant, error) {
	var name, description, settings, metadata interface{}
	if in.Name != nil {
		name = *in.Name
	}
	if in.Description != nil {
		description = *in.Description
	}
	if in.Settings != nil {
		raw, err := marshalJSON(in.Settings)
		if err != nil {
			return nil, err
		}
		settings = raw
	}
	if in.Metadata != nil {
		raw, err := marshalJSON(in.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = raw
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			name = COALESCE($2::text, name),
			description = COALESCE($3::text, description),
			settings = COALESCE($4::jsonb, settings),
			metadata = COALESCE($5::jsonb, metadata),
			updated_at = $6
		WHERE id = $1
		RETURNING `+tenantColumns,
		id, name, description, settings, metadata, s.now().UTC())
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}

// SetStatus changes the lifecycle status of a tenant.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set tenant status: %w", err)
	}
	return expectOneRow(res)
}

// SaveProvisioning persists the provisioning checklist.
func (s *Store) SaveProvisioning(ctx context.Context, id int64, state ProvisioningState) error {
	raw, err := marshalJSON(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET provisioning = $2, updated_at = $3 WHERE id = $1`,
		id, raw, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save provisioning state: %w", err)
	}
	return expectOneRow(res)
}

// MarkProvisioned records a completed provisioning run and activates the
// tenant. Only a tenant still in provisioning is updated, so a tenant
// decommissioned while its database was being built stays decommissioned.
func (s *Store) MarkProvisioned(ctx context.Context, id int64, db DatabaseInfo, state ProvisioningState) error {
	dbJSON, err := marshalJSON(db)
	if err != nil {
		return err
	}
	provJSON, err := marshalJSON(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = $2, database = $3, provisioning = $4, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, string(StatusActive), dbJSON, provJSON, s.now().UTC(), string(StatusProvisioning))
	if err != nil {
		return fmt.Errorf("failed to mark tenant provisioned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("tenant %d is no longer provisioning", id)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("tenant not found")
	}
	return nil
}
