package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matforge/material-engine/internal/domain"
	"github.com/matforge/material-engine/internal/observability"
	"github.com/matforge/material-engine/internal/provider"
	"github.com/matforge/material-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultStageTimeout        = 30 * time.Second
	defaultSimilarityThreshold = 0.8

	limiterKeyParser    = "parser"
	limiterKeyEmbedding = "embedding"
)

// transition maps a stage to its successor and to the overall status a
// failure in that stage terminates the run with. Which stage runs next is
// data, independent of the stage bodies.
type transition struct {
	next      domain.Stage
	onFailure domain.OverallStatus
}

var transitions = map[domain.Stage]transition{
	domain.StageParsing:       {next: domain.StageNormalization, onFailure: domain.OverallFailed},
	domain.StageNormalization: {next: domain.StageSKUSearch, onFailure: domain.OverallPartialSuccess},
	domain.StageSKUSearch:     {next: domain.StagePersist, onFailure: domain.OverallPartialSuccess},
	domain.StagePersist:       {next: "", onFailure: domain.OverallPartialSuccess},
}

// Config tunes per-stage behavior.
type Config struct {
	StageTimeout        time.Duration
	SimilarityThreshold float64
}

// Pipeline runs one material through the ordered stages
// AI_PARSING → RAG_NORMALIZATION → SKU_SEARCH → DATABASE_SAVE.
type Pipeline struct {
	parser     provider.Parser
	normalizer provider.Normalizer
	embeddings provider.EmbeddingService
	skuSearch  provider.SKUSearch
	reference  provider.MaterialsReference
	limiter    ratelimit.RateLimiter
	logger     *zap.Logger
	metrics    *observability.Metrics

	stageTimeout        time.Duration
	similarityThreshold float64
	now                 func() time.Time
}

func New(
	parser provider.Parser,
	normalizer provider.Normalizer,
	embeddings provider.EmbeddingService,
	skuSearch provider.SKUSearch,
	reference provider.MaterialsReference,
	limiter ratelimit.RateLimiter,
	cfg Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if embeddings == nil {
		return nil, fmt.Errorf("embedding service is required")
	}
	if skuSearch == nil {
		return nil, fmt.Errorf("sku search is required")
	}
	if reference == nil {
		return nil, fmt.Errorf("materials reference is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		parser:              parser,
		normalizer:          normalizer,
		embeddings:          embeddings,
		skuSearch:           skuSearch,
		reference:           reference,
		limiter:             limiter,
		logger:              logger,
		stageTimeout:        cfg.StageTimeout,
		similarityThreshold: cfg.SimilarityThreshold,
		now:                 time.Now,
	}, nil
}

func (p *Pipeline) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Run executes the pipeline for one material. Stage failures end the run
// with the terminal status the transition table assigns; they are never
// returned as errors. The error return is reserved for context
// cancellation, so callers can distinguish "record failed" from "give up".
func (p *Pipeline) Run(ctx context.Context, name, unit string) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	outcome := &Outcome{
		CurrentStage:  domain.StageParsing,
		OverallStatus: domain.OverallInProgress,
	}
	start := p.now()

	stage := domain.StageParsing
	for {
		if err := ctx.Err(); err != nil {
			outcome.OverallStatus = domain.OverallFailed
			outcome.TotalTime = p.now().Sub(start)
			return outcome, err
		}

		outcome.CurrentStage = stage
		ok := p.runStage(ctx, stage, name, unit, outcome)

		tr := transitions[stage]
		if !ok {
			outcome.OverallStatus = tr.onFailure
			break
		}
		if tr.next == "" {
			outcome.OverallStatus = domain.OverallSuccess
			break
		}
		stage = tr.next
	}

	outcome.TotalTime = p.now().Sub(start)
	return outcome, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage domain.Stage, name, unit string, outcome *Outcome) bool {
	stageStart := p.now()
	var stageErr error

	switch stage {
	case domain.StageParsing:
		stageErr = p.runParse(ctx, name, unit, outcome)
	case domain.StageNormalization:
		stageErr = p.runNormalize(ctx, outcome)
	case domain.StageSKUSearch:
		stageErr = p.runSearch(ctx, name, outcome)
	case domain.StagePersist:
		stageErr = p.runPersist(ctx, name, outcome)
	}

	elapsed := p.now().Sub(stageStart)
	switch stage {
	case domain.StageParsing:
		outcome.Parse.Duration = elapsed
	case domain.StageNormalization:
		outcome.Normalize.Duration = elapsed
	case domain.StageSKUSearch:
		outcome.Search.Duration = elapsed
	case domain.StagePersist:
		outcome.Persist.Duration = elapsed
	}

	p.metrics.ObserveStageDuration(stage.String(), elapsed)
	if stageErr != nil {
		p.metrics.IncStageFailure(stage.String(), failureReason(stageErr))
	}

	return stageErr == nil
}

// failureReason labels a stage failure for metrics. A per-stage timeout
// surfaces as context.DeadlineExceeded on the stage error itself, so the
// error value, not the parent context, decides the label.
func failureReason(err error) string {
	if provider.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

func (p *Pipeline) runParse(ctx context.Context, name, unit string, outcome *Outcome) error {
	if err := p.waitQuota(ctx, limiterKeyParser); err != nil {
		outcome.Parse.Error = err.Error()
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	resp, err := p.parser.Parse(stageCtx, name, unit)
	if err != nil {
		outcome.Parse.Error = err.Error()
		return err
	}
	if !resp.Success {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "parser could not extract material attributes"
		}
		outcome.Parse.Error = msg
		return errors.New(msg)
	}

	outcome.Parse.Success = true
	outcome.Parse.Color = resp.Color
	outcome.Parse.ParsedUnit = resp.ParsedUnit
	outcome.Parse.UnitCoefficient = resp.UnitCoefficient
	outcome.Parse.Confidence = resp.Confidence
	outcome.Parse.MaterialEmbedding = resp.MaterialEmbedding
	outcome.Parse.ColorEmbedding = resp.ColorEmbedding
	outcome.Parse.UnitEmbedding = resp.UnitEmbedding
	return nil
}

func (p *Pipeline) runNormalize(ctx context.Context, outcome *Outcome) error {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	// Color is normalized only when parsing extracted one; a material
	// without color is valid and matches any candidate color downstream.
	if outcome.Parse.Color != "" {
		resp, err := p.normalizer.NormalizeColor(stageCtx, outcome.Parse.Color, outcome.Parse.ColorEmbedding)
		if err != nil {
			outcome.Normalize.Error = err.Error()
			return err
		}
		if resp.NormalizedValue == "" {
			err := fmt.Errorf("no confident color match for %q", outcome.Parse.Color)
			outcome.Normalize.Error = err.Error()
			outcome.Normalize.Suggestions = resp.Suggestions
			return err
		}
		exists, err := p.reference.Exists(stageCtx, "color", resp.NormalizedValue)
		if err != nil {
			outcome.Normalize.Error = err.Error()
			return err
		}
		if !exists {
			err := fmt.Errorf("normalized color %q is not in the reference catalog", resp.NormalizedValue)
			outcome.Normalize.Error = err.Error()
			return err
		}
		outcome.Normalize.NormalizedColor = resp.NormalizedValue
		outcome.Normalize.ColorSimilarity = resp.Similarity
	}

	resp, err := p.normalizer.NormalizeUnit(stageCtx, outcome.Parse.ParsedUnit, outcome.Parse.UnitEmbedding)
	if err != nil {
		outcome.Normalize.Error = err.Error()
		return err
	}
	if resp.NormalizedValue == "" {
		err := fmt.Errorf("no confident unit match for %q", outcome.Parse.ParsedUnit)
		outcome.Normalize.Error = err.Error()
		outcome.Normalize.Suggestions = resp.Suggestions
		return err
	}
	exists, err := p.reference.Exists(stageCtx, "unit", resp.NormalizedValue)
	if err != nil {
		outcome.Normalize.Error = err.Error()
		return err
	}
	if !exists {
		err := fmt.Errorf("normalized unit %q is not in the reference catalog", resp.NormalizedValue)
		outcome.Normalize.Error = err.Error()
		return err
	}

	outcome.Normalize.NormalizedUnit = resp.NormalizedValue
	outcome.Normalize.UnitSimilarity = resp.Similarity
	outcome.Normalize.Success = true
	return nil
}

func (p *Pipeline) runSearch(ctx context.Context, name string, outcome *Outcome) error {
	if err := p.waitQuota(ctx, limiterKeyEmbedding); err != nil {
		outcome.Search.Error = err.Error()
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	combined, err := p.embeddings.GenerateCombined(stageCtx, name, outcome.Normalize.NormalizedUnit, outcome.Normalize.NormalizedColor)
	if err != nil {
		outcome.Search.Error = err.Error()
		return err
	}
	outcome.Search.CombinedEmbedding = combined

	match, err := p.skuSearch.Find(stageCtx, combined, outcome.Normalize.NormalizedUnit, outcome.Normalize.NormalizedColor, p.similarityThreshold)
	if err != nil {
		outcome.Search.Error = err.Error()
		return err
	}

	// No surviving candidate is a valid search result, not a failure.
	outcome.Search.Success = true
	if match != nil {
		outcome.Search.CandidatesEvaluated = match.CandidatesEvaluated
		outcome.Search.BestMatch = match.BestMatch
		if match.SKU != "" {
			sku := match.SKU
			similarity := match.Similarity
			outcome.Search.SKU = &sku
			outcome.Search.Similarity = &similarity
		}
	}
	return nil
}

func (p *Pipeline) runPersist(ctx context.Context, name string, outcome *Outcome) error {
	if outcome.Search.SKU == nil || len(outcome.Search.CombinedEmbedding) == 0 {
		outcome.Persist.Error = "no sku match to persist"
		return errors.New(outcome.Persist.Error)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	saved, err := p.reference.Save(
		stageCtx,
		*outcome.Search.SKU,
		name,
		outcome.Normalize.NormalizedUnit,
		outcome.Normalize.NormalizedColor,
		outcome.Search.CombinedEmbedding,
	)
	if err != nil {
		outcome.Persist.Error = err.Error()
		return err
	}
	if !saved {
		outcome.Persist.Error = "reference catalog rejected the material"
		return errors.New(outcome.Persist.Error)
	}

	outcome.Persist.Success = true
	outcome.Persist.Saved = true
	return nil
}

func (p *Pipeline) waitQuota(ctx context.Context, key string) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx, key); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return nil
}
