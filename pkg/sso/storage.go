package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
)

// Storage persists provider configs in sso_configs.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// NewStorage creates SSO config storage
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db, now: time.Now}
}

const configColumns = `id, provider, enabled, client_id, client_secret, issuer_url, redirect_url,
	scopes, group_role_mapping, default_role, auto_provision, directory_url, directory_scopes,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row scanner) (*Config, error) {
	var (
		c            Config
		mappingJSON  []byte
		defaultRole  string
		directoryURL sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.Provider, &c.Enabled, &c.ClientID, &c.ClientSecret, &c.IssuerURL, &c.RedirectURL,
		pq.Array(&c.Scopes), &mappingJSON, &defaultRole, &c.AutoProvision, &directoryURL,
		pq.Array(&c.DirectoryScopes), &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.DefaultRole = auth.Role(defaultRole)
	c.DirectoryURL = directoryURL.String
	c.GroupRoleMapping = map[string]auth.Role{}
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &c.GroupRoleMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group mapping: %w", err)
		}
	}
	return &c, nil
}

func (s *Storage) getOne(ctx context.Context, query string, args ...interface{}) (*Config, error) {
	c, err := scanConfig(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("sso config not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sso config: %w", err)
	}
	return c, nil
}

// Get returns the config of provider, secret included. Callers that answer
// clients must use Masked.
func (s *Storage) Get(ctx context.Context, provider string) (*Config, error) {
	return s.getOne(ctx, `SELECT `+configColumns+` FROM sso_configs WHERE provider = $1`, provider)
}

// GetEnabled returns the enabled config, oldest first when several exist.
func (s *Storage) GetEnabled(ctx context.Context) (*Config, error) {
	return s.getOne(ctx, `SELECT `+configColumns+` FROM sso_configs
		WHERE enabled = true ORDER BY id LIMIT 1`)
}

// List returns every config with secrets masked.
func (s *Storage) List(ctx context.Context) ([]*Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+configColumns+` FROM sso_configs ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sso configs: %w", err)
	}
	defer rows.Close()

	configs := []*Config{}
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sso config: %w", err)
		}
		configs = append(configs, c.Masked())
	}
	return configs, rows.Err()
}

// Save creates or replaces the config for c.Provider. An empty or masked
// secret keeps the stored one.
func (s *Storage) Save(ctx context.Context, c *Config) error {
	mappingJSON, err := json.Marshal(c.GroupRoleMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal group mapping: %w", err)
	}
	secret := c.ClientSecret
	if secret == MaskedSecret {
		secret = ""
	}
	var directoryURL interface{}
	if c.DirectoryURL != "" {
		directoryURL = c.DirectoryURL
	}

	now := s.now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sso_configs (
			provider, enabled, client_id, client_secret, issuer_url, redirect_url,
			scopes, group_role_mapping, default_role, auto_provision, directory_url, directory_scopes,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (provider) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			client_id = EXCLUDED.client_id,
			client_secret = COALESCE(NULLIF(EXCLUDED.client_secret, ''), sso_configs.client_secret),
			issuer_url = EXCLUDED.issuer_url,
			redirect_url = EXCLUDED.redirect_url,
			scopes = EXCLUDED.scopes,
			group_role_mapping = EXCLUDED.group_role_mapping,
			default_role = EXCLUDED.default_role,
			auto_provision = EXCLUDED.auto_provision,
			directory_url = EXCLUDED.directory_url,
			directory_scopes = EXCLUDED.directory_scopes,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		c.Provider, c.Enabled, c.ClientID, secret, c.IssuerURL, c.RedirectURL,
		pq.Array(c.Scopes), mappingJSON, string(c.DefaultRole), c.AutoProvision, directoryURL,
		pq.Array(c.DirectoryScopes), now,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sso config: %w", err)
	}
	c.UpdatedAt = now
	return nil
}

// Delete removes the config of provider. It reports whether one existed.
func (s *Storage) Delete(ctx context.Context, provider string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_configs WHERE provider = $1`, provider)
	if err != nil {
		return false, fmt.Errorf("failed to delete sso config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
