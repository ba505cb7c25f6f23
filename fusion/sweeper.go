package fusion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StartSweeper expires timed out secrets every interval until ctx is done,
// a non-positive interval leaves expiry to reads and new releases
func (c *Coordinator) StartSweeper(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	if interval <= 0 {
		c.log.Warn("Secret sweeper disabled", zap.Duration("interval", interval))
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := c.SweepExpiredSecrets(ctx)
				if err != nil {
					if ctx.Err() == nil {
						c.log.Error("Failed to sweep expired secrets", zap.Error(err))
					}
					continue
				}
				if swept > 0 {
					c.log.Info("Swept expired secrets", zap.Int("count", swept))
				}
			}
		}
	}()
}
