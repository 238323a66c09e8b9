package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matforge/material-engine/internal/domain"
	"gorm.io/gorm"
)

type statusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int           `gorm:"column:count"`
}

// GormProcessingRepo is the postgres-backed ProcessingRepository.
type GormProcessingRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormProcessingRepo(db *gorm.DB) *GormProcessingRepo {
	return &GormProcessingRepo{db: db, now: time.Now}
}

func (r *GormProcessingRepo) CreateRecords(ctx context.Context, requestID string, items []domain.MaterialInput) ([]string, error) {
	models := make([]ProcessingRecordModel, 0, len(items))
	for i := range items {
		models = append(models, ProcessingRecordModel{
			ID:           uuid.NewString(),
			RequestID:    requestID,
			ItemID:       items[i].ItemID,
			OriginalName: items[i].Name,
			OriginalUnit: items[i].Unit,
			Status:       domain.StatusPending,
		})
	}

	if len(models) == 0 {
		return nil, nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(models))
	for i := range models {
		ids = append(ids, models[i].ID)
	}

	return ids, nil
}

func (r *GormProcessingRepo) GetPending(ctx context.Context, requestID string, limit int) ([]domain.ProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []ProcessingRecordModel
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND status = ?", requestID, domain.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.ProcessingRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormProcessingRepo) UpdateStatus(ctx context.Context, recordID string, status domain.Status, update StatusUpdate) error {
	fields := map[string]any{"status": status}
	if update.SKU != nil {
		fields["sku"] = *update.SKU
	}
	if update.SimilarityScore != nil {
		fields["similarity_score"] = *update.SimilarityScore
	}
	if update.NormalizedColor != nil {
		fields["normalized_color"] = *update.NormalizedColor
	}
	if update.NormalizedUnit != nil {
		fields["normalized_unit"] = *update.NormalizedUnit
	}
	if update.UnitCoefficient != nil {
		fields["unit_coefficient"] = *update.UnitCoefficient
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}
	if status.IsTerminal() {
		fields["processed_at"] = r.now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&ProcessingRecordModel{}).
		Where("id = ?", recordID).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormProcessingRepo) GetProgress(ctx context.Context, requestID string) (domain.BatchStats, error) {
	var counts []statusCount
	err := r.db.WithContext(ctx).
		Model(&ProcessingRecordModel{}).
		Select("status, COUNT(*) as count").
		Where("request_id = ?", requestID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return domain.BatchStats{}, err
	}

	stats := domain.BatchStats{RequestID: requestID}
	for _, c := range counts {
		stats.Total += c.Count
		switch c.Status {
		case domain.StatusPending:
			stats.Pending = c.Count
		case domain.StatusProcessing:
			stats.Processing = c.Count
		case domain.StatusCompleted:
			stats.Completed = c.Count
		case domain.StatusFailed:
			stats.Failed = c.Count
		}
	}

	return stats, nil
}

func (r *GormProcessingRepo) GetResults(ctx context.Context, requestID string, limit, offset int) ([]domain.ProcessingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var models []ProcessingRecordModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.ProcessingRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormProcessingRepo) GetRetryEligible(ctx context.Context, maxRetries int) ([]domain.ProcessingRecord, error) {
	var models []ProcessingRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ? AND (retry_after IS NULL OR retry_after <= ?)",
			domain.StatusFailed, maxRetries, r.now().UTC()).
		Order("retry_after ASC NULLS FIRST").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.ProcessingRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormProcessingRepo) IncrementRetry(ctx context.Context, recordID string, retryDelay time.Duration) error {
	result := r.db.WithContext(ctx).
		Model(&ProcessingRecordModel{}).
		Where("id = ? AND status = ?", recordID, domain.StatusFailed).
		Updates(map[string]any{
			"status":      domain.StatusPending,
			"retry_after": r.now().UTC().Add(retryDelay),
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormProcessingRepo) GetStatistics(ctx context.Context, windowDays int) (domain.GlobalStatistics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := r.now().UTC().AddDate(0, 0, -windowDays)

	var counts []statusCount
	err := r.db.WithContext(ctx).
		Model(&ProcessingRecordModel{}).
		Select("status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return domain.GlobalStatistics{}, err
	}

	stats := domain.GlobalStatistics{WindowDays: windowDays}
	for _, c := range counts {
		stats.TotalRecords += c.Count
		switch c.Status {
		case domain.StatusCompleted:
			stats.Completed = c.Count
		case domain.StatusFailed:
			stats.Failed = c.Count
		case domain.StatusPending, domain.StatusProcessing:
			stats.Pending += c.Count
		}
	}
	if stats.TotalRecords > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalRecords)
	}

	var avgSeconds *float64
	err = r.db.WithContext(ctx).
		Model(&ProcessingRecordModel{}).
		Select("AVG(EXTRACT(EPOCH FROM (processed_at - created_at)))").
		Where("created_at >= ? AND processed_at IS NOT NULL", since).
		Scan(&avgSeconds).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.GlobalStatistics{}, err
	}
	if avgSeconds != nil {
		stats.AvgProcessingTime = time.Duration(*avgSeconds * float64(time.Second))
	}

	return stats, nil
}

func (r *GormProcessingRepo) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, domain.ErrValidation
	}
	cutoff := r.now().UTC().AddDate(0, 0, -days)

	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]domain.Status{domain.StatusCompleted, domain.StatusFailed}, cutoff).
		Delete(&ProcessingRecordModel{})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
