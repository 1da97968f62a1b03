package sso

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/async"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// DefaultSyncConcurrency bounds concurrent group fetches.
const DefaultSyncConcurrency = 8

// Directory is the read side of the directory API used by a sync.
type Directory interface {
	Users(ctx context.Context) ([]DirectoryUser, error)
	MemberOf(ctx context.Context, userID string) ([]string, error)
}

// UserStore is the user store surface the reconciler writes through.
type UserStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*auth.User, error)
	UpsertFederated(ctx context.Context, p auth.FederatedProfile) (*auth.User, error)
	ActiveFederatedExternalIDs(ctx context.Context) ([]string, error)
	DeactivateByExternalID(ctx context.Context, externalID string) (bool, error)
}

// ReconcilerConfig holds sync settings.
type ReconcilerConfig struct {
	Concurrency  int
	DirectoryRPS float64
}

// Reconciler aligns local federated users with the directory.
type Reconciler struct {
	configs     ConfigSource
	providers   *ProviderCache
	users       UserStore
	lock        RunLock
	status      StatusStore
	concurrency int
	limiter     *rate.Limiter
	metrics     *observability.Metrics
	logger      *observability.Logger
	now         func() time.Time

	// directory opens an app-authenticated directory client for cfg.
	directory func(ctx context.Context, cfg *Config) (Directory, error)
}

// NewReconciler wires the reconciler. lock and status default to their
// in-process versions when nil.
func NewReconciler(configs ConfigSource, providers *ProviderCache, users UserStore, lock RunLock, status StatusStore, cfg ReconcilerConfig, metrics *observability.Metrics, logger *observability.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSyncConcurrency
	}
	if lock == nil {
		lock = NewLocalRunLock()
	}
	if status == nil {
		status = NewMemoryStatusStore()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Reconciler{
		configs:     configs,
		providers:   providers,
		users:       users,
		lock:        lock,
		status:      status,
		concurrency: cfg.Concurrency,
		limiter:     NewLimiter(cfg.DirectoryRPS),
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
	r.directory = r.appDirectory
	return r
}

func (r *Reconciler) appDirectory(ctx context.Context, cfg *Config) (Directory, error) {
	provider, err := r.providers.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// The token source outlives this call, so it gets its own context
	// carrying only the outbound client.
	ts := provider.AppTokenSource(r.providers.Context(context.Background()))
	return NewDirectoryClient(cfg.DirectoryURL, r.providers.Client(), ts, r.limiter), nil
}

// Status returns whether a run is in progress and the last result.
func (r *Reconciler) Status(ctx context.Context) (*SyncStatus, error) {
	running, err := r.lock.Held(ctx)
	if err != nil {
		return nil, err
	}
	last, err := r.status.Last(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Running: running, LastResult: last}, nil
}

// Run performs one full reconciliation. A run already in progress makes it
// fail with ErrSyncRunning. Per-user failures are reported in the result and
// never abort the run.
func (r *Reconciler) Run(ctx context.Context) (*SyncResult, error) {
	release, err := r.lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{StartedAt: r.now().UTC(), ErrorDetails: []SyncError{}}
	ctx, span := observability.StartSpan(ctx, "directory.sync")
	err = r.run(ctx, result)
	span.SetAttributes(attribute.Int("sync.total", result.Total), attribute.Int("sync.errors", result.Errors))
	observability.EndSpan(span, err)
	result.FinishedAt = r.now().UTC()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.metrics.ObserveSync(outcome, result.FinishedAt.Sub(result.StartedAt), result.outcomes())
	if err != nil {
		r.logger.WithError(err).Error("directory sync failed")
		return nil, err
	}

	if serr := r.status.Save(ctx, result); serr != nil {
		r.logger.WithError(serr).Warn("failed to store sync result")
	}
	r.logger.WithFields(map[string]interface{}{
		"created":     result.Created,
		"updated":     result.Updated,
		"deactivated": result.Deactivated,
		"skipped":     result.Skipped,
		"errors":      result.Errors,
		"total":       result.Total,
	}).Info("directory sync finished")
	return result, nil
}

func (r *Reconciler) run(ctx context.Context, result *SyncResult) error {
	cfg, err := r.configs.GetEnabled(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.Configuration("single sign-on is not configured")
	}
	if err != nil {
		return err
	}
	if cfg.DirectoryURL == "" {
		return apperr.Configuration("sso config %s has no directory URL", cfg.Provider)
	}

	dir, err := r.directory(ctx, cfg)
	if err != nil {
		return err
	}
	dirUsers, err := dir.Users(ctx)
	if err != nil {
		return err
	}
	result.Total = len(dirUsers)

	seen := make(map[string]bool, len(dirUsers))
	eligible := make([]DirectoryUser, 0, len(dirUsers))
	for _, u := range dirUsers {
		seen[u.ID] = true
		if u.Email() == "" || u.Placeholder() {
			result.Skipped++
			continue
		}
		eligible = append(eligible, u)
	}

	groups, errs := async.Map(ctx, eligible, r.concurrency, func(ctx context.Context, u DirectoryUser) ([]string, error) {
		return dir.MemberOf(ctx, u.ID)
	})
	for i, u := range eligible {
		g := groups[i]
		if errs[i] != nil {
			r.logger.WithError(errs[i]).WithField("external_id", u.ID).Warn("failed to fetch group memberships")
			g = []string{}
		}
		r.reconcileUser(ctx, cfg, u, g, result)
	}

	return r.deactivateOrphans(ctx, seen, result)
}

func (r *Reconciler) reconcileUser(ctx context.Context, cfg *Config, u DirectoryUser, groups []string, result *SyncResult) {
	existing, err := r.users.GetByExternalID(ctx, u.ID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		result.fail(u, err)
		return
	}
	if existing == nil && !cfg.AutoProvision {
		result.Skipped++
		return
	}

	displayName := u.DisplayName
	if displayName == "" {
		displayName = u.Email()
	}
	profile := auth.FederatedProfile{
		ExternalID:  u.ID,
		Email:       u.Email(),
		DisplayName: displayName,
		JobTitle:    u.JobTitle,
		Department:  u.Department,
		Groups:      groups,
		Role:        MapRole(cfg, groups),
		IsActive:    u.Enabled(),
	}
	if _, err := r.users.UpsertFederated(ctx, profile); err != nil {
		result.fail(u, err)
		return
	}

	switch {
	case existing == nil:
		result.Created++
	case existing.IsActive && !profile.IsActive:
		result.Deactivated++
	default:
		result.Updated++
	}
}

// deactivateOrphans deactivates active federated users the directory no
// longer lists.
func (r *Reconciler) deactivateOrphans(ctx context.Context, seen map[string]bool, result *SyncResult) error {
	active, err := r.users.ActiveFederatedExternalIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range active {
		if seen[id] {
			continue
		}
		changed, err := r.users.DeactivateByExternalID(ctx, id)
		if err != nil {
			result.fail(DirectoryUser{ID: id}, err)
			continue
		}
		if changed {
			result.Deactivated++
		}
	}
	return nil
}

// HTTPClient builds the outbound client used for provider and directory
// calls.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
