package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const parserSystemPrompt = `You extract structured attributes from construction material descriptions.
Given a material name and unit, respond with a single JSON object:
{"success": true, "color": "<color or empty>", "parsed_unit": "<canonical unit>", "unit_coefficient": <factor to convert one original unit into the parsed unit>, "confidence": <0..1>}
Set "success" to false when the description is not a recognizable material. Respond with JSON only.`

// OpenAIConfig configures the OpenAI-compatible parser and embedder clients.
type OpenAIConfig struct {
	BaseURL        string
	Token          string
	Model          string
	EmbeddingModel string
}

func (c OpenAIConfig) token() string {
	// Local OpenAI-compatible services accept any token.
	if strings.TrimSpace(c.Token) == "" {
		return "none"
	}
	return c.Token
}

// OpenAIParser implements Parser on an OpenAI-compatible chat API plus an
// embedding endpoint for the per-attribute vectors.
type OpenAIParser struct {
	llm      llms.Model
	embedder embeddings.Embedder
	logger   *zap.Logger
}

func NewOpenAIParser(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIParser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.token()),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	embedClient, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.token()),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(embedClient, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &OpenAIParser{
		llm:      client,
		embedder: embedder,
		logger:   logger,
	}, nil
}

type parsedMaterial struct {
	Success         bool    `json:"success"`
	Color           string  `json:"color"`
	ParsedUnit      string  `json:"parsed_unit"`
	UnitCoefficient float64 `json:"unit_coefficient"`
	Confidence      float64 `json:"confidence"`
}

func (p *OpenAIParser) Parse(ctx context.Context, name, unit string) (*ParseResponse, error) {
	if p == nil || p.llm == nil {
		return nil, fmt.Errorf("parser is not initialized")
	}

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(parserSystemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(fmt.Sprintf("name: %s\nunit: %s", name, unit))},
		},
	}

	resp, err := p.llm.GenerateContent(ctx, content, llms.WithTemperature(0), llms.WithJSONMode())
	if err != nil {
		return nil, &CollaboratorError{Collaborator: "parser", Transient: true, Cause: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &CollaboratorError{Collaborator: "parser", Message: "empty completion"}
	}

	var parsed parsedMaterial
	raw := extractJSONObject(resp.Choices[0].Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		p.logger.Warn("parser returned malformed json",
			zap.String("name", name),
			zap.Error(err),
		)
		return &ParseResponse{Success: false, ErrorMessage: "malformed parser response"}, nil
	}

	if !parsed.Success {
		return &ParseResponse{Success: false, ErrorMessage: "material not recognized"}, nil
	}

	texts := []string{name, parsed.Color, parsed.ParsedUnit}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &CollaboratorError{Collaborator: "parser", Transient: true, Cause: err}
	}
	if len(vectors) != len(texts) {
		return nil, &CollaboratorError{
			Collaborator: "parser",
			Message:      fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(vectors)),
		}
	}

	return &ParseResponse{
		Success:           true,
		Color:             strings.ToLower(strings.TrimSpace(parsed.Color)),
		UnitCoefficient:   parsed.UnitCoefficient,
		ParsedUnit:        strings.ToLower(strings.TrimSpace(parsed.ParsedUnit)),
		MaterialEmbedding: vectors[0],
		ColorEmbedding:    vectors[1],
		UnitEmbedding:     vectors[2],
		Confidence:        parsed.Confidence,
	}, nil
}

// OpenAIEmbedding implements EmbeddingService on a langchaingo embedder.
type OpenAIEmbedding struct {
	embedder embeddings.Embedder
	logger   *zap.Logger
}

func NewOpenAIEmbedding(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIEmbedding, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.token()),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &OpenAIEmbedding{embedder: embedder, logger: logger}, nil
}

func (e *OpenAIEmbedding) GenerateCombined(ctx context.Context, name, unit, color string) ([]float32, error) {
	if e == nil || e.embedder == nil {
		return nil, fmt.Errorf("embedding service is not initialized")
	}

	parts := []string{strings.TrimSpace(name), strings.TrimSpace(unit)}
	if strings.TrimSpace(color) != "" {
		parts = append(parts, strings.TrimSpace(color))
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, []string{strings.Join(parts, " ")})
	if err != nil {
		return nil, &CollaboratorError{Collaborator: "embedding", Transient: true, Cause: err}
	}
	if len(vectors) == 0 {
		return nil, &CollaboratorError{Collaborator: "embedding", Message: "empty embedding result"}
	}

	return vectors[0], nil
}

// extractJSONObject trims completion noise around the outermost JSON object.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
