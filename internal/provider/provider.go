package provider

import "context"

// Parser is the outbound port for AI extraction of material attributes.
// A failed parse is reported through Success/ErrorMessage, not an error;
// errors are reserved for transport-level failures.
type Parser interface {
	Parse(ctx context.Context, name, unit string) (*ParseResponse, error)
}

// ParseResponse carries the extracted attributes and their embeddings.
type ParseResponse struct {
	Success           bool
	Color             string
	UnitCoefficient   float64
	ParsedUnit        string
	MaterialEmbedding []float32
	ColorEmbedding    []float32
	UnitEmbedding     []float32
	Confidence        float64
	ErrorMessage      string
}

// Normalizer resolves a free-form color or unit against the reference
// catalog using embedding comparison.
type Normalizer interface {
	NormalizeColor(ctx context.Context, text string, embedding []float32) (*NormalizeResponse, error)
	NormalizeUnit(ctx context.Context, text string, embedding []float32) (*NormalizeResponse, error)
}

// NormalizeResponse is one normalization result. An empty NormalizedValue
// means no confident match was found.
type NormalizeResponse struct {
	NormalizedValue string
	ReferenceID     string
	CanonicalName   string
	Similarity      float64
	Suggestions     []string
}

// EmbeddingService produces the combined vector used for SKU search.
type EmbeddingService interface {
	GenerateCombined(ctx context.Context, name, unit, color string) ([]float32, error)
}

// SKUSearch finds the closest catalog SKU for a combined embedding using a
// two-phase policy: nearest candidates by similarity, then exact-unit and
// color-compatible filtering above a threshold. A nil result with nil error
// means no candidate survived, which is not a stage failure.
type SKUSearch interface {
	Find(ctx context.Context, embedding []float32, normalizedUnit string, normalizedColor string, threshold float64) (*SKUMatch, error)
}

// SKUMatch is the winning candidate of a SKU search.
type SKUMatch struct {
	SKU                 string
	Similarity          float64
	CandidatesEvaluated int
	BestMatch           string
}

// MaterialsReference is the reference-catalog persistence port.
type MaterialsReference interface {
	// Save persists a processed material under its matched SKU.
	Save(ctx context.Context, sku, name, unit, color string, embedding []float32) (bool, error)
	// Exists reports whether a normalized value is present in the catalog
	// for the given reference kind ("color" or "unit").
	Exists(ctx context.Context, kind, value string) (bool, error)
}
