package blockqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers sharing one rate limiter so the backend they query
// sees at most limit calls per second. processFunc must be thread safe.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte, info ItemInfo) error {
			if err := rateLimiter.Wait(ctx); err != nil {
				return err
			}
			return processFunc(ctx, data, info)
		}
	}
	return process
}
