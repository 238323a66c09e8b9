package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matforge/material-engine/internal/domain"
	"github.com/matforge/material-engine/internal/observability"
	"github.com/matforge/material-engine/internal/provider"
	"go.uber.org/zap"
)

type fakeParser struct {
	parseFn func(ctx context.Context, name, unit string) (*provider.ParseResponse, error)
}

func (f *fakeParser) Parse(ctx context.Context, name, unit string) (*provider.ParseResponse, error) {
	return f.parseFn(ctx, name, unit)
}

type fakeNormalizer struct {
	colorFn func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error)
	unitFn  func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error)
}

func (f *fakeNormalizer) NormalizeColor(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
	return f.colorFn(ctx, text, embedding)
}

func (f *fakeNormalizer) NormalizeUnit(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
	return f.unitFn(ctx, text, embedding)
}

type fakeEmbedding struct {
	combinedFn func(ctx context.Context, name, unit, color string) ([]float32, error)
}

func (f *fakeEmbedding) GenerateCombined(ctx context.Context, name, unit, color string) ([]float32, error) {
	if f.combinedFn == nil {
		return []float32{0.1, 0.2}, nil
	}
	return f.combinedFn(ctx, name, unit, color)
}

type fakeSKUSearch struct {
	findFn func(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error)
	calls  int
}

func (f *fakeSKUSearch) Find(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error) {
	f.calls++
	if f.findFn == nil {
		return &provider.SKUMatch{}, nil
	}
	return f.findFn(ctx, embedding, unit, color, threshold)
}

type fakeReference struct {
	saveFn   func(ctx context.Context, sku, name, unit, color string, embedding []float32) (bool, error)
	existsFn func(ctx context.Context, kind, value string) (bool, error)
	saves    int
}

func (f *fakeReference) Save(ctx context.Context, sku, name, unit, color string, embedding []float32) (bool, error) {
	f.saves++
	if f.saveFn == nil {
		return true, nil
	}
	return f.saveFn(ctx, sku, name, unit, color, embedding)
}

func (f *fakeReference) Exists(ctx context.Context, kind, value string) (bool, error) {
	if f.existsFn == nil {
		return true, nil
	}
	return f.existsFn(ctx, kind, value)
}

func successParser() *fakeParser {
	return &fakeParser{
		parseFn: func(ctx context.Context, name, unit string) (*provider.ParseResponse, error) {
			return &provider.ParseResponse{
				Success:           true,
				Color:             "white",
				ParsedUnit:        "m3",
				UnitCoefficient:   0.00195,
				Confidence:        0.93,
				MaterialEmbedding: []float32{1, 0},
				ColorEmbedding:    []float32{0, 1},
				UnitEmbedding:     []float32{1, 1},
			}, nil
		},
	}
}

func matchNormalizer() *fakeNormalizer {
	return &fakeNormalizer{
		colorFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			return &provider.NormalizeResponse{NormalizedValue: "white", Similarity: 0.95}, nil
		},
		unitFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			return &provider.NormalizeResponse{NormalizedValue: "m3", Similarity: 0.95}, nil
		},
	}
}

func newTestPipeline(t *testing.T, parser provider.Parser, normalizer provider.Normalizer, search *fakeSKUSearch, reference *fakeReference) *Pipeline {
	t.Helper()

	p, err := New(parser, normalizer, &fakeEmbedding{}, search, reference, nil, Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestRunFullSuccess(t *testing.T) {
	t.Parallel()

	search := &fakeSKUSearch{
		findFn: func(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error) {
			if unit != "m3" {
				t.Fatalf("search unit = %q, want m3", unit)
			}
			if color != "white" {
				t.Fatalf("search color = %q, want white", color)
			}
			return &provider.SKUMatch{SKU: "SKU_1", Similarity: 0.9, CandidatesEvaluated: 5, BestMatch: "white brick"}, nil
		},
	}
	reference := &fakeReference{}
	p := newTestPipeline(t, successParser(), matchNormalizer(), search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if outcome.OverallStatus != domain.OverallSuccess {
		t.Fatalf("overall = %s, want SUCCESS", outcome.OverallStatus)
	}
	if outcome.Search.SKU == nil || *outcome.Search.SKU != "SKU_1" {
		t.Fatalf("sku = %v, want SKU_1", outcome.Search.SKU)
	}
	if outcome.Search.Similarity == nil || *outcome.Search.Similarity != 0.9 {
		t.Fatalf("similarity = %v, want 0.9", outcome.Search.Similarity)
	}
	if !outcome.Persist.Saved {
		t.Fatal("material should be persisted to the reference catalog")
	}
	if outcome.CurrentStage != domain.StagePersist {
		t.Fatalf("current stage = %s, want DATABASE_SAVE", outcome.CurrentStage)
	}
	if reference.saves != 1 {
		t.Fatalf("saves = %d, want 1", reference.saves)
	}
}

func TestRunParseFailureShortCircuits(t *testing.T) {
	t.Parallel()

	parser := &fakeParser{
		parseFn: func(ctx context.Context, name, unit string) (*provider.ParseResponse, error) {
			return &provider.ParseResponse{Success: false, ErrorMessage: "not a material"}, nil
		},
	}
	search := &fakeSKUSearch{}
	reference := &fakeReference{}
	normalizer := &fakeNormalizer{
		colorFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			t.Fatal("normalizer must not run after parse failure")
			return nil, nil
		},
		unitFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			t.Fatal("normalizer must not run after parse failure")
			return nil, nil
		},
	}
	p := newTestPipeline(t, parser, normalizer, search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if outcome.OverallStatus != domain.OverallFailed {
		t.Fatalf("overall = %s, want FAILED", outcome.OverallStatus)
	}
	if outcome.Normalize.Success || outcome.Search.Success || outcome.Persist.Success {
		t.Fatal("later stages must keep their default false success")
	}
	if search.calls != 0 {
		t.Fatalf("search calls = %d, want 0", search.calls)
	}
	if reference.saves != 0 {
		t.Fatalf("saves = %d, want 0", reference.saves)
	}
	if outcome.ErrorMessage() != "not a material" {
		t.Fatalf("error message = %q", outcome.ErrorMessage())
	}
}

func TestRunNormalizationFailurePartialSuccess(t *testing.T) {
	t.Parallel()

	normalizer := &fakeNormalizer{
		colorFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			return &provider.NormalizeResponse{Suggestions: []string{"white", "ivory"}}, nil
		},
		unitFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			return &provider.NormalizeResponse{NormalizedValue: "m3", Similarity: 0.95}, nil
		},
	}
	search := &fakeSKUSearch{}
	reference := &fakeReference{}
	p := newTestPipeline(t, successParser(), normalizer, search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if outcome.OverallStatus != domain.OverallPartialSuccess {
		t.Fatalf("overall = %s, want PARTIAL_SUCCESS", outcome.OverallStatus)
	}
	if search.calls != 0 {
		t.Fatalf("search must not run after normalization failure, got %d calls", search.calls)
	}
	if reference.saves != 0 {
		t.Fatalf("persist must not run after normalization failure, got %d saves", reference.saves)
	}
	if len(outcome.Normalize.Suggestions) != 2 {
		t.Fatalf("suggestions = %v, want two", outcome.Normalize.Suggestions)
	}
}

func TestRunCatalogValidationMiss(t *testing.T) {
	t.Parallel()

	reference := &fakeReference{
		existsFn: func(ctx context.Context, kind, value string) (bool, error) {
			return kind != "unit", nil
		},
	}
	search := &fakeSKUSearch{}
	p := newTestPipeline(t, successParser(), matchNormalizer(), search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if outcome.OverallStatus != domain.OverallPartialSuccess {
		t.Fatalf("overall = %s, want PARTIAL_SUCCESS on validation miss", outcome.OverallStatus)
	}
	if search.calls != 0 {
		t.Fatalf("search calls = %d, want 0", search.calls)
	}
}

func TestRunNoSKUMatchDowngradesPersist(t *testing.T) {
	t.Parallel()

	search := &fakeSKUSearch{
		findFn: func(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error) {
			return &provider.SKUMatch{CandidatesEvaluated: 7}, nil
		},
	}
	reference := &fakeReference{}
	p := newTestPipeline(t, successParser(), matchNormalizer(), search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !outcome.Search.Success {
		t.Fatal("absence of a match is not a search failure")
	}
	if outcome.Search.SKU != nil {
		t.Fatalf("sku = %v, want nil", outcome.Search.SKU)
	}
	if outcome.OverallStatus != domain.OverallPartialSuccess {
		t.Fatalf("overall = %s, want PARTIAL_SUCCESS when nothing was persisted", outcome.OverallStatus)
	}
	if reference.saves != 0 {
		t.Fatalf("saves = %d, want 0 without a sku", reference.saves)
	}
	if outcome.Persist.Error == "" {
		t.Fatal("persist stage should carry an explicit error")
	}
}

func TestRunPersistFailureDowngrades(t *testing.T) {
	t.Parallel()

	search := &fakeSKUSearch{
		findFn: func(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error) {
			return &provider.SKUMatch{SKU: "SKU_9", Similarity: 0.85}, nil
		},
	}
	reference := &fakeReference{
		saveFn: func(ctx context.Context, sku, name, unit, color string, embedding []float32) (bool, error) {
			return false, errors.New("catalog unavailable")
		},
	}
	p := newTestPipeline(t, successParser(), matchNormalizer(), search, reference)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if outcome.OverallStatus != domain.OverallPartialSuccess {
		t.Fatalf("overall = %s, want PARTIAL_SUCCESS on persist failure", outcome.OverallStatus)
	}
	if outcome.Persist.Saved {
		t.Fatal("persist should not report saved")
	}
}

func TestRunColorlessMaterialSkipsColorNormalization(t *testing.T) {
	t.Parallel()

	parser := &fakeParser{
		parseFn: func(ctx context.Context, name, unit string) (*provider.ParseResponse, error) {
			return &provider.ParseResponse{
				Success:       true,
				ParsedUnit:    "kg",
				UnitEmbedding: []float32{1},
			}, nil
		},
	}
	normalizer := &fakeNormalizer{
		colorFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			t.Fatal("color normalization must be skipped without an extracted color")
			return nil, nil
		},
		unitFn: func(ctx context.Context, text string, embedding []float32) (*provider.NormalizeResponse, error) {
			return &provider.NormalizeResponse{NormalizedValue: "kg", Similarity: 0.9}, nil
		},
	}
	search := &fakeSKUSearch{
		findFn: func(ctx context.Context, embedding []float32, unit, color string, threshold float64) (*provider.SKUMatch, error) {
			if color != "" {
				t.Fatalf("search color = %q, want empty", color)
			}
			return &provider.SKUMatch{SKU: "SKU_2", Similarity: 0.88}, nil
		},
	}
	p := newTestPipeline(t, parser, normalizer, search, &fakeReference{})

	outcome, err := p.Run(context.Background(), "cement", "bag")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.OverallStatus != domain.OverallSuccess {
		t.Fatalf("overall = %s, want SUCCESS", outcome.OverallStatus)
	}
}

func TestFailureReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"stage deadline", context.DeadlineExceeded, "transient"},
		{"canceled", context.Canceled, "permanent"},
		{"transient collaborator", &provider.CollaboratorError{Collaborator: "openai", StatusCode: 503, Transient: true}, "transient"},
		{"rejected collaborator", &provider.CollaboratorError{Collaborator: "openai", StatusCode: 422}, "permanent"},
		{"plain failure", errors.New("not a material"), "permanent"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := failureReason(tc.err); got != tc.want {
				t.Fatalf("failureReason(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRunStageTimeoutCountsAsTransient(t *testing.T) {
	t.Parallel()

	// The parent context stays alive; only the per-stage deadline expires.
	parser := &fakeParser{
		parseFn: func(ctx context.Context, name, unit string) (*provider.ParseResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p, err := New(parser, matchNormalizer(), &fakeEmbedding{}, &fakeSKUSearch{}, &fakeReference{}, nil, Config{StageTimeout: 10 * time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	metrics := observability.NewMetrics()
	p.SetMetrics(metrics)

	outcome, err := p.Run(context.Background(), "white brick", "pc")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.OverallStatus != domain.OverallFailed {
		t.Fatalf("overall = %s, want FAILED", outcome.OverallStatus)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	want := `material_engine_stage_failures_total{reason="transient",stage="AI_PARSING"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics output missing %q", want)
	}
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, successParser(), matchNormalizer(), &fakeSKUSearch{}, &fakeReference{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := p.Run(ctx, "white brick", "pc")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if outcome.OverallStatus != domain.OverallFailed {
		t.Fatalf("overall = %s, want FAILED", outcome.OverallStatus)
	}
}
