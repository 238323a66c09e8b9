package repository

import (
	"time"

	"github.com/matforge/material-engine/internal/domain"
)

// ProcessingRecordModel is the persistence model for processing_records.
type ProcessingRecordModel struct {
	ID              string        `gorm:"type:uuid;primaryKey"`
	RequestID       string        `gorm:"type:varchar(64);not null;index:idx_records_request_status"`
	ItemID          string        `gorm:"type:varchar(64);not null"`
	OriginalName    string        `gorm:"type:text;not null"`
	OriginalUnit    string        `gorm:"type:varchar(32)"`
	Status          domain.Status `gorm:"type:varchar(20);not null;index:idx_records_request_status;index:idx_records_status_retry"`
	RetryCount      int           `gorm:"not null;default:0"`
	RetryAfter      *time.Time    `gorm:"index:idx_records_status_retry"`
	SKU             *string       `gorm:"type:varchar(64)"`
	SimilarityScore *float64
	NormalizedColor string  `gorm:"type:varchar(64)"`
	NormalizedUnit  string  `gorm:"type:varchar(32)"`
	UnitCoefficient float64
	ErrorMessage    *string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}

func (ProcessingRecordModel) TableName() string {
	return "processing_records"
}

func recordModelFromDomain(r *domain.ProcessingRecord) *ProcessingRecordModel {
	if r == nil {
		return nil
	}

	return &ProcessingRecordModel{
		ID:              r.ID,
		RequestID:       r.RequestID,
		ItemID:          r.ItemID,
		OriginalName:    r.OriginalName,
		OriginalUnit:    r.OriginalUnit,
		Status:          r.Status,
		RetryCount:      r.RetryCount,
		RetryAfter:      r.RetryAfter,
		SKU:             r.SKU,
		SimilarityScore: r.SimilarityScore,
		NormalizedColor: r.NormalizedColor,
		NormalizedUnit:  r.NormalizedUnit,
		UnitCoefficient: r.UnitCoefficient,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ProcessedAt:     r.ProcessedAt,
	}
}

func recordModelToDomain(m *ProcessingRecordModel) *domain.ProcessingRecord {
	if m == nil {
		return nil
	}

	return &domain.ProcessingRecord{
		ID:              m.ID,
		RequestID:       m.RequestID,
		ItemID:          m.ItemID,
		OriginalName:    m.OriginalName,
		OriginalUnit:    m.OriginalUnit,
		Status:          m.Status,
		RetryCount:      m.RetryCount,
		RetryAfter:      m.RetryAfter,
		SKU:             m.SKU,
		SimilarityScore: m.SimilarityScore,
		NormalizedColor: m.NormalizedColor,
		NormalizedUnit:  m.NormalizedUnit,
		UnitCoefficient: m.UnitCoefficient,
		ErrorMessage:    m.ErrorMessage,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		ProcessedAt:     m.ProcessedAt,
	}
}
