// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthCount is one (type, status) bucket of the on-demand depth aggregation.
type DepthCount struct {
	TypeName string
	Status   string
	Count    int64
}

// DepthSource is satisfied by the storage adapter's aggregate query. Kept as
// a narrow interface here so obs never imports storage.
type DepthSource interface {
	QueueDepths(ctx context.Context) ([]DepthCount, error)
}

// StartQueueDepthSampler periodically queries on-demand aggregate counts and
// publishes them as the QueueDepth gauge vector. This replaces any cached
// back-pointer: every sample re-derives counts from the tasks table.
func StartQueueDepthSampler(ctx context.Context, src DepthSource, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := src.QueueDepths(ctx)
				if err != nil {
					log.Debug("queue depth sample error", Err(err))
					continue
				}
				for _, c := range counts {
					QueueDepth.WithLabelValues(c.TypeName, c.Status).Set(float64(c.Count))
				}
			}
		}
	}()
}
