package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultRetryScanInterval = 30 * time.Second

// RetryScanner periodically re-queues failed records whose retry window
// has elapsed. The eligibility predicate lives in the repository; the
// scanner only supplies the cadence.
type RetryScanner struct {
	coordinator *BatchCoordinator
	logger      *zap.Logger
	interval    time.Duration
}

func NewRetryScanner(coordinator *BatchCoordinator, interval time.Duration, logger *zap.Logger) (*RetryScanner, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("batch coordinator is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		coordinator: coordinator,
		logger:      logger,
		interval:    interval,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first
	// ticker edge.
	if err := s.scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scan(ctx context.Context) error {
	retried, err := s.coordinator.RetryFailed(ctx)
	if err != nil {
		return err
	}
	if retried > 0 {
		s.logger.Info("re-queued failed records", zap.Int("retried", retried))
	}
	return nil
}
