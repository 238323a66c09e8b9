package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matforge/material-engine/internal/domain"
)

// MemoryProcessingRepo is the in-memory reference implementation of
// ProcessingRepository. It backs tests and single-process deployments that
// do not need durability.
type MemoryProcessingRepo struct {
	mu      sync.Mutex
	records map[string]*domain.ProcessingRecord
	seq     int
	now     func() time.Time
}

func NewMemoryProcessingRepo() *MemoryProcessingRepo {
	return &MemoryProcessingRepo{
		records: make(map[string]*domain.ProcessingRecord),
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (r *MemoryProcessingRepo) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryProcessingRepo) CreateRecords(ctx context.Context, requestID string, items []domain.MaterialInput) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	ids := make([]string, 0, len(items))
	for i := range items {
		// seq preserves insertion order when the clock does not move
		// between inserts.
		r.seq++
		record := &domain.ProcessingRecord{
			ID:           uuid.NewString(),
			RequestID:    requestID,
			ItemID:       items[i].ItemID,
			OriginalName: items[i].Name,
			OriginalUnit: items[i].Unit,
			Status:       domain.StatusPending,
			CreatedAt:    now.Add(time.Duration(r.seq) * time.Nanosecond),
			UpdatedAt:    now,
		}
		r.records[record.ID] = record
		ids = append(ids, record.ID)
	}

	return ids, nil
}

func (r *MemoryProcessingRepo) GetPending(ctx context.Context, requestID string, limit int) ([]domain.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	matched := r.sortedByCreation(func(rec *domain.ProcessingRecord) bool {
		return rec.RequestID == requestID && rec.Status == domain.StatusPending
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (r *MemoryProcessingRepo) UpdateStatus(ctx context.Context, recordID string, status domain.Status, update StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[recordID]
	if !ok {
		return domain.ErrNotFound
	}

	record.Status = status
	if update.SKU != nil {
		record.SKU = update.SKU
	}
	if update.SimilarityScore != nil {
		record.SimilarityScore = update.SimilarityScore
	}
	if update.NormalizedColor != nil {
		record.NormalizedColor = *update.NormalizedColor
	}
	if update.NormalizedUnit != nil {
		record.NormalizedUnit = *update.NormalizedUnit
	}
	if update.UnitCoefficient != nil {
		record.UnitCoefficient = *update.UnitCoefficient
	}
	if update.ErrorMessage != nil {
		record.ErrorMessage = update.ErrorMessage
	}

	now := r.now().UTC()
	record.UpdatedAt = now
	if status.IsTerminal() {
		processedAt := now
		record.ProcessedAt = &processedAt
	}

	return nil
}

func (r *MemoryProcessingRepo) GetProgress(ctx context.Context, requestID string) (domain.BatchStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.BatchStats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.BatchStats{RequestID: requestID}
	for _, rec := range r.records {
		if rec.RequestID != requestID {
			continue
		}
		stats.Total++
		switch rec.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusProcessing:
			stats.Processing++
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

func (r *MemoryProcessingRepo) GetResults(ctx context.Context, requestID string, limit, offset int) ([]domain.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	matched := r.sortedByCreation(func(rec *domain.ProcessingRecord) bool {
		return rec.RequestID == requestID
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (r *MemoryProcessingRepo) GetRetryEligible(ctx context.Context, maxRetries int) ([]domain.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	return r.sortedByCreation(func(rec *domain.ProcessingRecord) bool {
		return rec.RetryEligible(maxRetries, now)
	}), nil
}

func (r *MemoryProcessingRepo) IncrementRetry(ctx context.Context, recordID string, retryDelay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	if record.Status != domain.StatusFailed {
		return domain.ErrConflict
	}

	retryAfter := r.now().UTC().Add(retryDelay)
	record.Status = domain.StatusPending
	record.RetryCount++
	record.RetryAfter = &retryAfter
	record.UpdatedAt = r.now().UTC()

	return nil
}

func (r *MemoryProcessingRepo) GetStatistics(ctx context.Context, windowDays int) (domain.GlobalStatistics, error) {
	if err := ctx.Err(); err != nil {
		return domain.GlobalStatistics{}, err
	}
	if windowDays <= 0 {
		windowDays = 30
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	since := r.now().UTC().AddDate(0, 0, -windowDays)
	stats := domain.GlobalStatistics{WindowDays: windowDays}

	var processedCount int
	var processedTotal time.Duration
	for _, rec := range r.records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRecords++
		switch rec.Status {
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
		if rec.ProcessedAt != nil {
			processedCount++
			processedTotal += rec.ProcessedAt.Sub(rec.CreatedAt)
		}
	}

	if stats.TotalRecords > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalRecords)
	}
	if processedCount > 0 {
		stats.AvgProcessingTime = processedTotal / time.Duration(processedCount)
	}

	return stats, nil
}

func (r *MemoryProcessingRepo) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if days <= 0 {
		return 0, domain.ErrValidation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().AddDate(0, 0, -days)
	var deleted int64
	for id, rec := range r.records {
		if !rec.Status.IsTerminal() {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, id)
			deleted++
		}
	}

	return deleted, nil
}

// sortedByCreation snapshots matching records ordered by creation time.
// Callers must hold the mutex.
func (r *MemoryProcessingRepo) sortedByCreation(match func(*domain.ProcessingRecord) bool) []domain.ProcessingRecord {
	matched := make([]domain.ProcessingRecord, 0)
	for _, rec := range r.records {
		if match(rec) {
			matched = append(matched, *rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}
