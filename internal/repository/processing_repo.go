package repository

import (
	"context"
	"time"

	"github.com/matforge/material-engine/internal/domain"
)

// StatusUpdate carries the optional fields of a record status update.
// A nil field is left untouched; a non-nil field is written, including
// pointers to zero values.
type StatusUpdate struct {
	SKU             *string
	SimilarityScore *float64
	NormalizedColor *string
	NormalizedUnit  *string
	UnitCoefficient *float64
	ErrorMessage    *string
}

// ProcessingRepository is the persistence port for per-material records
// and aggregate counters.
type ProcessingRepository interface {
	// CreateRecords bulk-inserts one Pending record per item and returns
	// the new record ids in item order.
	CreateRecords(ctx context.Context, requestID string, items []domain.MaterialInput) ([]string, error)
	// GetPending returns up to limit Pending records of a request.
	GetPending(ctx context.Context, requestID string, limit int) ([]domain.ProcessingRecord, error)
	// UpdateStatus transitions one record and applies the given fields.
	UpdateStatus(ctx context.Context, recordID string, status domain.Status, update StatusUpdate) error
	// GetProgress counts records per status; Total == 0 means the request
	// is unknown.
	GetProgress(ctx context.Context, requestID string) (domain.BatchStats, error)
	// GetResults returns records of a request ordered by creation time.
	GetResults(ctx context.Context, requestID string, limit, offset int) ([]domain.ProcessingRecord, error)
	// GetRetryEligible returns Failed records with retry budget left whose
	// retry window has elapsed.
	GetRetryEligible(ctx context.Context, maxRetries int) ([]domain.ProcessingRecord, error)
	// IncrementRetry re-queues one Failed record: status Pending,
	// retryCount+1, retryAfter pushed out by retryDelay.
	IncrementRetry(ctx context.Context, recordID string, retryDelay time.Duration) error
	// GetStatistics aggregates over a rolling window of windowDays.
	GetStatistics(ctx context.Context, windowDays int) (domain.GlobalStatistics, error)
	// CleanupOlderThan deletes Completed/Failed records older than days.
	// Pending/Processing rows are never deleted regardless of age.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}
