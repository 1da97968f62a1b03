package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
)

var configRowColumns = []string{
	"id", "provider", "enabled", "client_id", "client_secret", "issuer_url", "redirect_url",
	"scopes", "group_role_mapping", "default_role", "auto_provision", "directory_url", "directory_scopes",
	"created_at", "updated_at",
}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewStorage(db)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return s, mock
}

func configRow(created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(configRowColumns).AddRow(
		int64(1), "entra", true, "client", "s3cret", "https://login.example.com", "https://app.example.com/sso/callback",
		"{openid,profile,email}", []byte(`{"Editors":"editor"}`), "viewer", true, "https://graph.example.com/v1.0", "{https://graph.example.com/.default}",
		created, created,
	)
}

func TestStorage_Get(t *testing.T) {
	s, mock := newMockStorage(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM sso_configs WHERE provider = \$1`).
		WithArgs("entra").
		WillReturnRows(configRow(created))

	cfg, err := s.Get(context.Background(), "entra")
	require.NoError(t, err)
	assert.Equal(t, "entra", cfg.Provider)
	assert.Equal(t, "s3cret", cfg.ClientSecret)
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.Scopes)
	assert.Equal(t, map[string]auth.Role{"Editors": auth.RoleEditor}, cfg.GroupRoleMapping)
	assert.Equal(t, auth.RoleViewer, cfg.DefaultRole)
	assert.Equal(t, []string{"https://graph.example.com/.default"}, cfg.DirectoryScopes)
	assert.Equal(t, created, cfg.UpdatedAt)
	assert.Equal(t, MaskedSecret, cfg.Masked().ClientSecret)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetMissing(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery(`SELECT .* FROM sso_configs WHERE enabled = true`).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetEnabled(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListMasksSecrets(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery(`SELECT .* FROM sso_configs ORDER BY provider`).
		WillReturnRows(configRow(time.Now()))

	configs, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, MaskedSecret, configs[0].ClientSecret)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_SaveDropsMaskedSecret(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := &Config{
		Provider:         "entra",
		Enabled:          true,
		ClientID:         "client",
		ClientSecret:     MaskedSecret,
		IssuerURL:        "https://login.example.com",
		RedirectURL:      "https://app.example.com/sso/callback",
		Scopes:           []string{"openid"},
		GroupRoleMapping: map[string]auth.Role{"Editors": auth.RoleEditor},
		DefaultRole:      auth.RoleViewer,
	}

	mock.ExpectQuery(`INSERT INTO sso_configs .* ON CONFLICT \(provider\) DO UPDATE SET .* client_secret = COALESCE\(NULLIF\(EXCLUDED.client_secret, ''\), sso_configs.client_secret\)`).
		WithArgs("entra", true, "client", "", "https://login.example.com", "https://app.example.com/sso/callback",
			sqlmock.AnyArg(), []byte(`{"Editors":"editor"}`), "viewer", false, nil, sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(4), created))

	require.NoError(t, s.Save(context.Background(), cfg))
	assert.Equal(t, int64(4), cfg.ID)
	assert.Equal(t, created, cfg.CreatedAt)
	assert.Equal(t, now, cfg.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Delete(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(`DELETE FROM sso_configs WHERE provider = \$1`).
		WithArgs("entra").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sso_configs WHERE provider = \$1`).
		WithArgs("okta").
		WillReturnResult(sqlmock.NewResult(0, 0))

	existed, err := s.Delete(context.Background(), "entra")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(context.Background(), "okta")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
