package orgs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

var orgColumnNames = []string{"id", "name", "max_tenants", "max_users", "settings", "created_at", "updated_at"}

func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db), mock
}

func TestGet(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		svc, mock := newMockService(t)
		now := time.Now()
		mock.ExpectQuery("SELECT .* FROM organizations WHERE singleton = true").
			WillReturnRows(sqlmock.NewRows(orgColumnNames).
				AddRow(int64(1), "Acme", int64(3), int64(25), []byte(`{"region":"eu"}`), now, now))

		org, err := svc.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Acme", org.Name)
		assert.Equal(t, int64(3), org.MaxTenants)
		assert.Equal(t, "eu", org.Settings["region"])
	})

	t.Run("not configured", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectQuery("SELECT .* FROM organizations").WillReturnError(sql.ErrNoRows)

		_, err := svc.Get(context.Background())
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestUpsert(t *testing.T) {
	t.Run("partial update", func(t *testing.T) {
		svc, mock := newMockService(t)
		now := time.Now()
		maxTenants := int64(2)

		mock.ExpectQuery(`INSERT INTO organizations .* ON CONFLICT \(singleton\) DO UPDATE`).
			WithArgs(nil, &maxTenants, nil, nil, int64(DefaultMaxTenants), int64(DefaultMaxUsers)).
			WillReturnRows(sqlmock.NewRows(orgColumnNames).
				AddRow(int64(1), "Acme", int64(2), int64(25), []byte(`{}`), now, now))

		org, err := svc.Upsert(context.Background(), UpdateInput{MaxTenants: &maxTenants})
		require.NoError(t, err)
		assert.Equal(t, int64(2), org.MaxTenants)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects negative limits", func(t *testing.T) {
		svc, _ := newMockService(t)
		n := int64(-1)
		_, err := svc.Upsert(context.Background(), UpdateInput{MaxUsers: &n})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("rejects blank name", func(t *testing.T) {
		svc, _ := newMockService(t)
		name := "  "
		_, err := svc.Upsert(context.Background(), UpdateInput{Name: &name})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestEnsureOrganization(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectExec(`INSERT INTO organizations .* ON CONFLICT \(singleton\) DO NOTHING`).
		WithArgs("Acme", int64(DefaultMaxTenants), int64(DefaultMaxUsers)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.EnsureOrganization(context.Background(), " Acme "))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, svc.EnsureOrganization(context.Background(), ""))
}

func TestMaxUsers(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM organizations").WillReturnError(sql.ErrNoRows)
	_, ok, err := svc.MaxUsers(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery("SELECT .* FROM organizations").
		WillReturnRows(sqlmock.NewRows(orgColumnNames).AddRow(int64(1), "Acme", int64(3), int64(25), nil, now, now))
	limit, ok, err := svc.MaxUsers(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(25), limit)
}
