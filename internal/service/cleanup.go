package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCleanupInterval  = 24 * time.Hour
	defaultRetentionDays    = 30
	minimumCleanupRetention = 1
)

// CleanupTask purges terminal records older than the retention window on
// a fixed schedule. Pending and processing rows are never touched.
type CleanupTask struct {
	coordinator   *BatchCoordinator
	logger        *zap.Logger
	interval      time.Duration
	retentionDays int
}

func NewCleanupTask(coordinator *BatchCoordinator, interval time.Duration, retentionDays int, logger *zap.Logger) (*CleanupTask, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("batch coordinator is required")
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if retentionDays < minimumCleanupRetention {
		retentionDays = defaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CleanupTask{
		coordinator:   coordinator,
		logger:        logger,
		interval:      interval,
		retentionDays: retentionDays,
	}, nil
}

func (t *CleanupTask) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deleted, err := t.coordinator.Cleanup(ctx, t.retentionDays)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Error("cleanup pass failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				t.logger.Info("purged old records",
					zap.Int64("deleted", deleted),
					zap.Int("retentionDays", t.retentionDays))
			}
		}
	}
}
