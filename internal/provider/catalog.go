package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultCandidateLimit = 50
	defaultMinSimilarity  = 0.75
)

// MaterialSKUModel is the persistence model for the material_skus table.
type MaterialSKUModel struct {
	SKU       string `gorm:"type:varchar(64);primaryKey"`
	Name      string `gorm:"type:text;not null"`
	Unit      string `gorm:"type:varchar(32);not null"`
	Color     string `gorm:"type:varchar(64)"`
	Embedding []byte `gorm:"type:bytea;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MaterialSKUModel) TableName() string {
	return "material_skus"
}

// ReferenceValueModel is the persistence model for reference_values.
type ReferenceValueModel struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	Kind          string `gorm:"type:varchar(16);not null"`
	Value         string `gorm:"type:varchar(64);not null"`
	CanonicalName string `gorm:"type:varchar(64);not null"`
	Embedding     []byte `gorm:"type:bytea"`
	CreatedAt     time.Time
}

func (ReferenceValueModel) TableName() string {
	return "reference_values"
}

// CatalogSearch implements SKUSearch over the relational catalog. Candidate
// vectors are ranked in process; the store only needs to return rows.
type CatalogSearch struct {
	db             *gorm.DB
	candidateLimit int
	logger         *zap.Logger
}

func NewCatalogSearch(db *gorm.DB, candidateLimit int, logger *zap.Logger) (*CatalogSearch, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CatalogSearch{db: db, candidateLimit: candidateLimit, logger: logger}, nil
}

type scoredCandidate struct {
	model      MaterialSKUModel
	similarity float64
}

func (s *CatalogSearch) Find(
	ctx context.Context,
	embedding []float32,
	normalizedUnit string,
	normalizedColor string,
	threshold float64,
) (*SKUMatch, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("combined embedding is required")
	}

	var models []MaterialSKUModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, &CollaboratorError{Collaborator: "sku-search", Transient: true, Cause: err}
	}

	// Phase 1: nearest candidates by cosine similarity.
	scored := make([]scoredCandidate, 0, len(models))
	for i := range models {
		vec, err := DecodeEmbedding(models[i].Embedding)
		if err != nil {
			s.logger.Warn("skipping sku with undecodable embedding",
				zap.String("sku", models[i].SKU),
				zap.Error(err),
			)
			continue
		}
		scored = append(scored, scoredCandidate{
			model:      models[i],
			similarity: CosineSimilarity(embedding, vec),
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].similarity > scored[j].similarity })
	if len(scored) > s.candidateLimit {
		scored = scored[:s.candidateLimit]
	}

	// Phase 2: exact unit, compatible color, above threshold. An empty
	// normalized color matches any candidate color.
	var best *scoredCandidate
	for i := range scored {
		c := &scored[i]
		if !strings.EqualFold(c.model.Unit, normalizedUnit) {
			continue
		}
		if normalizedColor != "" && c.model.Color != "" && !strings.EqualFold(c.model.Color, normalizedColor) {
			continue
		}
		if c.similarity < threshold {
			continue
		}
		if best == nil || c.similarity > best.similarity {
			best = c
		}
	}

	if best == nil {
		return &SKUMatch{CandidatesEvaluated: len(scored)}, nil
	}

	return &SKUMatch{
		SKU:                 best.model.SKU,
		Similarity:          best.similarity,
		CandidatesEvaluated: len(scored),
		BestMatch:           best.model.Name,
	}, nil
}

// CatalogReference implements MaterialsReference over the relational catalog.
type CatalogReference struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewCatalogReference(db *gorm.DB, logger *zap.Logger) (*CatalogReference, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogReference{db: db, logger: logger}, nil
}

func (r *CatalogReference) Save(ctx context.Context, sku, name, unit, color string, embedding []float32) (bool, error) {
	if strings.TrimSpace(sku) == "" {
		return false, fmt.Errorf("sku is required")
	}
	if len(embedding) == 0 {
		return false, fmt.Errorf("embedding is required")
	}

	model := MaterialSKUModel{
		SKU:       strings.TrimSpace(sku),
		Name:      name,
		Unit:      strings.ToLower(strings.TrimSpace(unit)),
		Color:     strings.ToLower(strings.TrimSpace(color)),
		Embedding: EncodeEmbedding(embedding),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sku"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "unit", "color", "embedding", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return false, &CollaboratorError{Collaborator: "materials-reference", Transient: true, Cause: err}
	}

	return true, nil
}

func (r *CatalogReference) Exists(ctx context.Context, kind, value string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return false, nil
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&ReferenceValueModel{}).
		Where("kind = ? AND (LOWER(value) = ? OR LOWER(canonical_name) = ?)", kind, normalized, normalized).
		Count(&count).Error
	if err != nil {
		return false, &CollaboratorError{Collaborator: "materials-reference", Transient: true, Cause: err}
	}

	return count > 0, nil
}

// SeedReferenceValue inserts one reference value, used by catalog seeding.
func (r *CatalogReference) SeedReferenceValue(ctx context.Context, kind, value, canonical string, embedding []float32) error {
	model := ReferenceValueModel{
		ID:            uuid.NewString(),
		Kind:          kind,
		Value:         strings.ToLower(strings.TrimSpace(value)),
		CanonicalName: strings.ToLower(strings.TrimSpace(canonical)),
		Embedding:     EncodeEmbedding(embedding),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

// CatalogNormalizer implements Normalizer by comparing the attribute
// embedding against stored reference-value embeddings.
type CatalogNormalizer struct {
	db            *gorm.DB
	minSimilarity float64
	logger        *zap.Logger
}

func NewCatalogNormalizer(db *gorm.DB, minSimilarity float64, logger *zap.Logger) (*CatalogNormalizer, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if minSimilarity <= 0 || minSimilarity > 1 {
		minSimilarity = defaultMinSimilarity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogNormalizer{db: db, minSimilarity: minSimilarity, logger: logger}, nil
}

func (n *CatalogNormalizer) NormalizeColor(ctx context.Context, text string, embedding []float32) (*NormalizeResponse, error) {
	return n.normalize(ctx, "color", text, embedding)
}

func (n *CatalogNormalizer) NormalizeUnit(ctx context.Context, text string, embedding []float32) (*NormalizeResponse, error) {
	return n.normalize(ctx, "unit", text, embedding)
}

func (n *CatalogNormalizer) normalize(ctx context.Context, kind, text string, embedding []float32) (*NormalizeResponse, error) {
	var models []ReferenceValueModel
	err := n.db.WithContext(ctx).
		Where("kind = ?", kind).
		Find(&models).Error
	if err != nil {
		return nil, &CollaboratorError{Collaborator: "normalizer", Transient: true, Cause: err}
	}

	normalized := strings.ToLower(strings.TrimSpace(text))

	type match struct {
		model      ReferenceValueModel
		similarity float64
	}
	matches := make([]match, 0, len(models))
	for i := range models {
		// Exact text hit wins regardless of vector distance.
		if models[i].Value == normalized || models[i].CanonicalName == normalized {
			matches = append(matches, match{model: models[i], similarity: 1})
			continue
		}
		if len(embedding) == 0 || len(models[i].Embedding) == 0 {
			continue
		}
		vec, decodeErr := DecodeEmbedding(models[i].Embedding)
		if decodeErr != nil {
			continue
		}
		matches = append(matches, match{model: models[i], similarity: CosineSimilarity(embedding, vec)})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].similarity > matches[j].similarity })

	suggestions := make([]string, 0, 3)
	for i := 0; i < len(matches) && i < 3; i++ {
		suggestions = append(suggestions, matches[i].model.Value)
	}

	if len(matches) == 0 || matches[0].similarity < n.minSimilarity {
		return &NormalizeResponse{Suggestions: suggestions}, nil
	}

	return &NormalizeResponse{
		NormalizedValue: matches[0].model.Value,
		ReferenceID:     matches[0].model.ID,
		CanonicalName:   matches[0].model.CanonicalName,
		Similarity:      matches[0].similarity,
		Suggestions:     suggestions,
	}, nil
}

// EncodeEmbedding serializes a vector for storage.
func EncodeEmbedding(vec []float32) []byte {
	data, err := json.Marshal(vec)
	if err != nil {
		return nil
	}
	return data
}

// DecodeEmbedding deserializes a stored vector.
func DecodeEmbedding(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	return vec, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// 0 when either vector is zero or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
