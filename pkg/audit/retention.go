package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// DefaultRetentionDays is how long entries are kept when unconfigured.
const DefaultRetentionDays = 90

const cleanupBatchSize = 5000

// Archiver stores expired entries before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, day time.Time, entries []Entry) (string, error)
}

// Retention deletes entries older than the retention window.
type Retention struct {
	store    Store
	archiver Archiver
	days     int
	logger   *observability.Logger
}

// NewRetention creates a retention job. archiver may be nil.
func NewRetention(store Store, days int, archiver Archiver, logger *observability.Logger) *Retention {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Retention{store: store, archiver: archiver, days: days, logger: logger}
}

// Cutoff returns the oldest creation time kept at now.
func (r *Retention) Cutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -r.days)
}

// Cleanup removes expired entries in batches and returns how many were
// deleted. A batch is deleted only after it was archived.
func (r *Retention) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := r.Cutoff(now)
	var total int64

	for {
		batch, err := r.store.ExpiredBatch(ctx, cutoff, cleanupBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		if r.archiver != nil {
			key, err := r.archiver.Archive(ctx, now, batch)
			if err != nil {
				return total, fmt.Errorf("failed to archive audit logs: %w", err)
			}
			r.logger.WithFields(map[string]interface{}{
				"key":     key,
				"entries": len(batch),
			}).Info("archived expired audit logs")
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		n, err := r.store.DeleteIDs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n

		if len(batch) < cleanupBatchSize {
			break
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"deleted": total,
		"cutoff":  cutoff,
	}).Info("audit retention complete")
	return total, nil
}
