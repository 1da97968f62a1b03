package async

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged through the logger carried by parentCtx;
// they never reach the caller.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx).WithField("task", taskName)

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// Map applies fn to every item using at most workers goroutines.
// results[i] and errs[i] correspond to items[i]. A failing item does not
// cancel the others; a panic in fn is reported as that item's error.
func Map[T, R any](ctx context.Context, items []T, workers int, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for i := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = observability.PanicError(r)
				}
			}()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = fn(ctx, items[i])
			return nil
		})
	}

	_ = g.Wait()
	return results, errs
}

// FirstError returns the first non-nil error in errs
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
