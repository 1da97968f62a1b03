package tenants

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sharedConnector struct {
	db       *sql.DB
	adminErr error
}

func (c *sharedConnector) WithAdminDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	if c.adminErr != nil {
		return c.adminErr
	}
	return fn(ctx, c.db)
}

func (c *sharedConnector) WithTenantDB(ctx context.Context, database string, fn func(context.Context, *sql.DB) error) error {
	return fn(ctx, c.db)
}

func newProvisionerFixture(t *testing.T) (*Provisioner, *sharedConnector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn := &sharedConnector{db: db}
	p := NewProvisioner(conn, nil)
	p.now = func() time.Time { return fixedNow }
	return p, conn, mock
}

func collectStates(states *[]ProvisioningState) StateSaver {
	return func(ctx context.Context, state ProvisioningState) error {
		*states = append(*states, state)
		return nil
	}
}

func TestSteps(t *testing.T) {
	steps := Steps()
	require.Len(t, steps, 12)
	assert.Equal(t, StepDatabase, steps[0])
	assert.Equal(t, "table:users", steps[1])
	assert.Equal(t, "index:idx_users_email", steps[6])
	assert.Equal(t, StepBootstrap, steps[11])
}

func TestProvisioner_FullRun(t *testing.T) {
	p, _, mock := newProvisionerFixture(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM pg_database WHERE datname = \$1\)`).
		WithArgs("tenant_ab12cd34").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE DATABASE "tenant_ab12cd34"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range tenantTables {
		mock.ExpectQuery(`SELECT to_regclass\(\$1\) IS NOT NULL`).
			WithArgs("public." + table.name).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table.name).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for _, idx := range tenantIndexes {
		mock.ExpectExec("INDEX IF NOT EXISTS " + idx.name).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`INSERT INTO settings .* ON CONFLICT \(key\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var saved []ProvisioningState
	tenant := &Tenant{TenantID: "TNT-AB12CD34", Database: DatabaseInfo{Name: "tenant_ab12cd34"}}
	state, err := p.Provision(context.Background(), tenant, collectStates(&saved))
	require.NoError(t, err)

	assert.Equal(t, Steps(), state.CompletedSteps)
	assert.Equal(t, 1, state.Attempts)
	assert.Empty(t, state.LastError)
	require.Len(t, saved, 12)
	assert.Len(t, saved[0].CompletedSteps, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_ResumesAndRecordsFailure(t *testing.T) {
	p, _, mock := newProvisionerFixture(t)

	mock.ExpectQuery(`SELECT to_regclass`).WithArgs("public.widgets").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	for _, name := range []string{"audit_logs", "settings"} {
		mock.ExpectQuery(`SELECT to_regclass`).WithArgs("public." + name).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + name).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("INDEX IF NOT EXISTS idx_users_email").
		WillReturnError(errors.New("could not create unique index"))

	var saved []ProvisioningState
	tenant := &Tenant{
		TenantID: "TNT-AB12CD34",
		Database: DatabaseInfo{Name: "tenant_ab12cd34"},
		Provisioning: ProvisioningState{
			CompletedSteps: []string{StepDatabase, "table:users", "table:dashboards"},
			Attempts:       1,
		},
	}
	state, err := p.Provision(context.Background(), tenant, collectStates(&saved))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index:idx_users_email")

	assert.Equal(t, []string{StepDatabase, "table:users", "table:dashboards",
		"table:widgets", "table:audit_logs", "table:settings"}, state.CompletedSteps)
	assert.Equal(t, 2, state.Attempts)
	assert.Contains(t, state.LastError, "could not create unique index")

	require.Len(t, saved, 4)
	assert.Equal(t, state.LastError, saved[3].LastError)
	assert.Len(t, tenant.Provisioning.CompletedSteps, 3, "input checklist must not be mutated")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_ExistingDatabaseIsKept(t *testing.T) {
	p, _, mock := newProvisionerFixture(t)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT to_regclass`).WillReturnError(errors.New("connection reset"))

	var saved []ProvisioningState
	tenant := &Tenant{TenantID: "TNT-AB12CD34", Database: DatabaseInfo{Name: "tenant_ab12cd34"}}
	state, err := p.Provision(context.Background(), tenant, collectStates(&saved))
	require.Error(t, err)
	assert.Equal(t, []string{StepDatabase}, state.CompletedSteps)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_AdminConnectionFailure(t *testing.T) {
	p, conn, _ := newProvisionerFixture(t)
	conn.adminErr = errors.New("no route to host")

	var saved []ProvisioningState
	state, err := p.Provision(context.Background(), &Tenant{TenantID: "TNT-AB12CD34"}, collectStates(&saved))
	require.Error(t, err)
	assert.Empty(t, state.CompletedSteps)
	require.Len(t, saved, 1)
	assert.Contains(t, saved[0].LastError, "no route to host")
}
