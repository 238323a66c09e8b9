package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a processing record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status can still move forward. A Failed
// record is terminal only once its retry budget is exhausted, which is the
// coordinator's call, not the status's.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// EmbeddingDim is the dimensionality of all embedding vectors exchanged
// with the parser, embedding service and SKU search.
const EmbeddingDim = 1536

// MaterialInput is one material as submitted by the client.
type MaterialInput struct {
	ItemID string
	Name   string
	Unit   string
}

func (m MaterialInput) Validate() error {
	if strings.TrimSpace(m.ItemID) == "" {
		return fmt.Errorf("%w: item id is required", ErrValidation)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: material name is required", ErrValidation)
	}
	return nil
}

// BatchRequest is a client-submitted set of materials processed as a unit.
// It exists only at submission time; per-item progress lives in
// ProcessingRecord rows.
type BatchRequest struct {
	RequestID   string
	Items       []MaterialInput
	SubmittedAt time.Time
}

func (r BatchRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: request id is required", ErrValidation)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: request must include at least one material", ErrValidation)
	}

	seen := make(map[string]struct{}, len(r.Items))
	for i := range r.Items {
		if err := r.Items[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Items[i].ItemID]; dup {
			return fmt.Errorf("%w: duplicate item id %q", ErrValidation, r.Items[i].ItemID)
		}
		seen[r.Items[i].ItemID] = struct{}{}
	}

	return nil
}

// ProcessingRecord is the persisted per-material unit of work. A record is
// mutated only by the single worker currently processing it.
type ProcessingRecord struct {
	ID              string   `gorm:"type:uuid;primaryKey"`
	RequestID       string   `gorm:"type:varchar(64);not null"`
	ItemID          string   `gorm:"type:varchar(64);not null"`
	OriginalName    string   `gorm:"type:text;not null"`
	OriginalUnit    string   `gorm:"type:varchar(32)"`
	Status          Status   `gorm:"type:varchar(20);not null"`
	RetryCount      int      `gorm:"not null;default:0"`
	RetryAfter      *time.Time
	SKU             *string  `gorm:"type:varchar(64)"`
	SimilarityScore *float64
	NormalizedColor string  `gorm:"type:varchar(64)"`
	NormalizedUnit  string  `gorm:"type:varchar(32)"`
	UnitCoefficient float64
	ErrorMessage    *string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}

// RetryEligible reports whether the record may be re-queued given the retry
// budget. The retryAfter window must also have elapsed.
func (r *ProcessingRecord) RetryEligible(maxRetries int, now time.Time) bool {
	if r.Status != StatusFailed {
		return false
	}
	if r.RetryCount >= maxRetries {
		return false
	}
	if r.RetryAfter != nil && r.RetryAfter.After(now) {
		return false
	}
	return true
}
