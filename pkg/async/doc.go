// Package async provides safe concurrent execution primitives.
//
// SafeGo runs a background task with panic recovery and a timeout:
//
//	async.SafeGo(ctx, 5*time.Second, "audit write", func(ctx context.Context) error {
//		return store.Insert(ctx, entry)
//	})
//
// Map fans a slice out over a bounded number of workers and returns results
// and errors aligned with the input:
//
//	groups, errs := async.Map(ctx, users, 8, func(ctx context.Context, u User) ([]string, error) {
//		return directory.UserGroups(ctx, token, u.ID)
//	})
package async
