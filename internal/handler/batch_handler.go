package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/matforge/material-engine/internal/domain"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	defaultStatisticsWindowDays = 30
)

type BatchService interface {
	Submit(ctx context.Context, requestID string, items []domain.MaterialInput) (bool, error)
	Progress(ctx context.Context, requestID string) (domain.BatchStats, error)
	Results(ctx context.Context, requestID string, limit, offset int) ([]domain.ProcessingRecord, error)
	RetryFailed(ctx context.Context) (int, error)
	Statistics(ctx context.Context, windowDays int) (domain.GlobalStatistics, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.SubmitBatch)
	v1.Get("/batches/:requestId/progress", h.GetProgress)
	v1.Get("/batches/:requestId/results", h.GetResults)
	v1.Post("/maintenance/retry", h.TriggerRetry)
	v1.Get("/statistics", h.GetStatistics)

	return nil
}

type materialRequest struct {
	ItemID string `json:"itemId"`
	Name   string `json:"name"`
	Unit   string `json:"unit"`
}

type submitBatchRequest struct {
	RequestID string            `json:"requestId"`
	Materials []materialRequest `json:"materials"`
}

type submitBatchResponse struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
	Total     int    `json:"total"`
}

type progressResponse struct {
	RequestID   string  `json:"requestId"`
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Done        bool    `json:"done"`
	SuccessRate float64 `json:"successRate"`
}

type recordResponse struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"itemId"`
	Name            string     `json:"name"`
	Unit            string     `json:"unit"`
	Status          string     `json:"status"`
	SKU             *string    `json:"sku,omitempty"`
	SimilarityScore *float64   `json:"similarityScore,omitempty"`
	NormalizedColor string     `json:"normalizedColor,omitempty"`
	NormalizedUnit  string     `json:"normalizedUnit,omitempty"`
	RetryCount      int        `json:"retryCount"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

type resultsResponse struct {
	Data []recordResponse `json:"data"`
	Meta listMeta         `json:"meta"`
}

type listMeta struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

type retryResponse struct {
	Retried int `json:"retried"`
}

type statisticsResponse struct {
	WindowDays           int     `json:"windowDays"`
	TotalRecords         int     `json:"totalRecords"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Pending              int     `json:"pending"`
	SuccessRate          float64 `json:"successRate"`
	AvgProcessingTimeSec float64 `json:"avgProcessingTimeSec"`
}

func (h *BatchHandler) SubmitBatch(c *fiber.Ctx) error {
	var req submitBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	items := make([]domain.MaterialInput, 0, len(req.Materials))
	for _, material := range req.Materials {
		items = append(items, domain.MaterialInput{
			ItemID: material.ItemID,
			Name:   material.Name,
			Unit:   material.Unit,
		})
	}

	accepted, err := h.service.Submit(c.Context(), req.RequestID, items)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(submitBatchResponse{
		RequestID: strings.TrimSpace(req.RequestID),
		Accepted:  accepted,
		Total:     len(items),
	})
}

func (h *BatchHandler) GetProgress(c *fiber.Ctx) error {
	requestID := strings.TrimSpace(c.Params("requestId"))

	progress, err := h.service.Progress(c.Context(), requestID)
	if err != nil {
		return toHTTPError(err)
	}
	if progress.Total == 0 {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("no records for request %q", requestID))
	}

	return c.Status(fiber.StatusOK).JSON(progressResponse{
		RequestID:   progress.RequestID,
		Total:       progress.Total,
		Pending:     progress.Pending,
		Processing:  progress.Processing,
		Completed:   progress.Completed,
		Failed:      progress.Failed,
		Done:        progress.Done(),
		SuccessRate: progress.SuccessRate(),
	})
}

func (h *BatchHandler) GetResults(c *fiber.Ctx) error {
	requestID := strings.TrimSpace(c.Params("requestId"))

	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)
	if page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	records, err := h.service.Results(c.Context(), requestID, pageSize, (page-1)*pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(resultsResponse{
		Data: toRecordResponses(records),
		Meta: listMeta{Page: page, PageSize: pageSize},
	})
}

func (h *BatchHandler) TriggerRetry(c *fiber.Ctx) error {
	retried, err := h.service.RetryFailed(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(retryResponse{Retried: retried})
}

func (h *BatchHandler) GetStatistics(c *fiber.Ctx) error {
	windowDays := c.QueryInt("windowDays", defaultStatisticsWindowDays)
	if windowDays < 1 {
		return toHTTPError(fmt.Errorf("%w: windowDays must be >= 1", domain.ErrValidation))
	}

	stats, err := h.service.Statistics(c.Context(), windowDays)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(statisticsResponse{
		WindowDays:           stats.WindowDays,
		TotalRecords:         stats.TotalRecords,
		Completed:            stats.Completed,
		Failed:               stats.Failed,
		Pending:              stats.Pending,
		SuccessRate:          stats.SuccessRate,
		AvgProcessingTimeSec: stats.AvgProcessingTime.Seconds(),
	})
}

func toRecordResponses(records []domain.ProcessingRecord) []recordResponse {
	responses := make([]recordResponse, 0, len(records))
	for i := range records {
		responses = append(responses, toRecordResponse(&records[i]))
	}
	return responses
}

func toRecordResponse(r *domain.ProcessingRecord) recordResponse {
	if r == nil {
		return recordResponse{}
	}

	return recordResponse{
		ID:              r.ID,
		ItemID:          r.ItemID,
		Name:            r.OriginalName,
		Unit:            r.OriginalUnit,
		Status:          r.Status.String(),
		SKU:             r.SKU,
		SimilarityScore: r.SimilarityScore,
		NormalizedColor: r.NormalizedColor,
		NormalizedUnit:  r.NormalizedUnit,
		RetryCount:      r.RetryCount,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		ProcessedAt:     r.ProcessedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAdmission):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
