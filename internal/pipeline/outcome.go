package pipeline

import (
	"time"

	"github.com/matforge/material-engine/internal/domain"
)

// StageResult is the shared shape of every stage outcome. Success defaults
// to false, so stages that never ran report false without bookkeeping.
type StageResult struct {
	Success  bool
	Error    string
	Duration time.Duration
}

// ParseResult holds the AI_PARSING stage output.
type ParseResult struct {
	StageResult
	Color             string
	ParsedUnit        string
	UnitCoefficient   float64
	Confidence        float64
	MaterialEmbedding []float32
	ColorEmbedding    []float32
	UnitEmbedding     []float32
}

// NormalizeResult holds the RAG_NORMALIZATION stage output.
type NormalizeResult struct {
	StageResult
	NormalizedColor string
	NormalizedUnit  string
	ColorSimilarity float64
	UnitSimilarity  float64
	Suggestions     []string
}

// SearchResult holds the SKU_SEARCH stage output. A successful stage with a
// nil SKU means no candidate survived filtering.
type SearchResult struct {
	StageResult
	SKU                 *string
	Similarity          *float64
	CandidatesEvaluated int
	BestMatch           string
	CombinedEmbedding   []float32
}

// PersistResult holds the DATABASE_SAVE stage output.
type PersistResult struct {
	StageResult
	Saved bool
}

// Outcome bundles the four stage results of one record run.
type Outcome struct {
	Parse         ParseResult
	Normalize     NormalizeResult
	Search        SearchResult
	Persist       PersistResult
	CurrentStage  domain.Stage
	OverallStatus domain.OverallStatus
	TotalTime     time.Duration
}

// ErrorMessage collects the first stage error, walking stages in order.
func (o *Outcome) ErrorMessage() string {
	for _, msg := range []string{o.Parse.Error, o.Normalize.Error, o.Search.Error, o.Persist.Error} {
		if msg != "" {
			return msg
		}
	}
	return ""
}
