package tenants

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration test")
	}
	provider.Close()

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("tenantgate"),
		postgres.WithPassword("tenantgate_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestProvisionerIntegration(t *testing.T) {
	adminURL := startPostgres(t)

	factory, err := NewConnectionFactory(ConnectionConfig{AdminURL: adminURL, MaxConnections: 2}, nil)
	require.NoError(t, err)
	p := NewProvisioner(factory, nil)

	tenant := &Tenant{TenantID: "TNT-INTEG001", Database: DatabaseInfo{Name: DatabaseName("TNT-INTEG001")}}
	var saved []ProvisioningState
	ctx := context.Background()

	state, err := p.Provision(ctx, tenant, collectStates(&saved))
	require.NoError(t, err)
	assert.Equal(t, Steps(), state.CompletedSteps)

	// Every step is idempotent, so a run from scratch over an existing
	// database succeeds too.
	state, err = p.Provision(ctx, tenant, collectStates(&saved))
	require.NoError(t, err)
	assert.Equal(t, 1, state.Attempts)

	err = factory.WithTenantDB(ctx, tenant.Database.Name, func(ctx context.Context, db *sql.DB) error {
		for _, table := range tenantTables {
			var exists bool
			require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table.name).Scan(&exists))
			assert.True(t, exists, "table %s", table.name)
		}
		var indexes int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pg_indexes WHERE schemaname = 'public' AND indexname LIKE 'idx_%'`).Scan(&indexes))
		assert.Equal(t, len(tenantIndexes), indexes)

		var bootstrapRows int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings WHERE key = 'bootstrap'`).Scan(&bootstrapRows))
		assert.Equal(t, 1, bootstrapRows)
		return nil
	})
	require.NoError(t, err)
}
