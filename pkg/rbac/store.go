package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/auth"
)

// Override replaces the default permission set of one role in one applet.
type Override struct {
	AppletID    string    `json:"appletId"`
	Role        auth.Role `json:"role"`
	Permissions []string  `json:"permissions"`
	UpdatedBy   *int64    `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OverrideStore persists overrides. The SQL is portable between PostgreSQL
// and SQLite.
type OverrideStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOverrideStore creates an override store.
func NewOverrideStore(db *sql.DB) *OverrideStore {
	return &OverrideStore{db: db, now: time.Now}
}

// ListForApplet returns the overrides of one applet.
func (s *OverrideStore) ListForApplet(ctx context.Context, appletID string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT applet_id, role, permissions, updated_by, updated_at
		FROM permission_overrides
		WHERE applet_id = $1
		ORDER BY role`, appletID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var (
			o         Override
			role      string
			raw       string
			updatedBy sql.NullInt64
		)
		if err := rows.Scan(&o.AppletID, &role, &raw, &updatedBy, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Role = auth.Role(role)
		if err := json.Unmarshal([]byte(raw), &o.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode override %s/%s: %w", o.AppletID, role, err)
		}
		if updatedBy.Valid {
			id := updatedBy.Int64
			o.UpdatedBy = &id
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// Upsert creates or replaces the override for (applet, role).
func (s *OverrideStore) Upsert(ctx context.Context, o *Override) error {
	if o.Permissions == nil {
		o.Permissions = []string{}
	}
	raw, err := json.Marshal(o.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	var updatedBy sql.NullInt64
	if o.UpdatedBy != nil {
		updatedBy = sql.NullInt64{Int64: *o.UpdatedBy, Valid: true}
	}
	o.UpdatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_overrides (applet_id, role, permissions, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (applet_id, role) DO UPDATE SET
			permissions = excluded.permissions,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		o.AppletID, string(o.Role), string(raw), updatedBy, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save override: %w", err)
	}
	return nil
}

// Delete removes the override for (applet, role). It reports whether a row
// existed.
func (s *OverrideStore) Delete(ctx context.Context, appletID string, role auth.Role) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_overrides WHERE applet_id = $1 AND role = $2`, appletID, string(role))
	if err != nil {
		return false, fmt.Errorf("failed to delete override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
