package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matforge/material-engine/internal/batcher"
	"github.com/matforge/material-engine/internal/domain"
	"github.com/matforge/material-engine/internal/observability"
	"github.com/matforge/material-engine/internal/pipeline"
	"github.com/matforge/material-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxMaterialsPerRequest = 1000
	defaultMaxConcurrentBatches   = 5
	defaultMaxRetries             = 3
	defaultRetryDelay             = 5 * time.Minute
	defaultPendingFetchLimit      = 500
)

// CoordinatorConfig tunes admission control and retry policy.
type CoordinatorConfig struct {
	MaxMaterialsPerRequest int
	MaxConcurrentBatches   int
	MaxRetries             int
	RetryDelay             time.Duration
	PendingFetchLimit      int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxMaterialsPerRequest <= 0 {
		c.MaxMaterialsPerRequest = defaultMaxMaterialsPerRequest
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = defaultMaxConcurrentBatches
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.PendingFetchLimit <= 0 {
		c.PendingFetchLimit = defaultPendingFetchLimit
	}
	return c
}

// JobStats counts background jobs over the coordinator's lifetime.
type JobStats struct {
	Active    int
	Total     int
	Completed int
	Failed    int
}

// BatchCoordinator is the top-level job manager: it admits batch requests,
// persists per-item records, drains them through the adaptive batcher with
// the stage pipeline as the unit of work, and exposes progress, results,
// retry and cleanup operations.
//
// The at-most-one-job-per-request guarantee is process-local. Running more
// than one engine instance against the same database needs an external
// advisory lock.
type BatchCoordinator struct {
	records repository.ProcessingRepository
	runner  *pipeline.Pipeline
	batches *batcher.Processor[domain.ProcessingRecord]
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     CoordinatorConfig

	mu         sync.Mutex
	activeJobs map[string]struct{}
	stats      JobStats
	jobs       sync.WaitGroup
}

func NewBatchCoordinator(
	records repository.ProcessingRepository,
	runner *pipeline.Pipeline,
	batches *batcher.Processor[domain.ProcessingRecord],
	cfg CoordinatorConfig,
	logger *zap.Logger,
) (*BatchCoordinator, error) {
	if records == nil {
		return nil, fmt.Errorf("processing repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("stage pipeline is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchCoordinator{
		records:    records,
		runner:     runner,
		batches:    batches,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		activeJobs: make(map[string]struct{}),
	}, nil
}

func (c *BatchCoordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
	c.runner.SetMetrics(metrics)
}

// Submit admits a batch request, bulk-creates its Pending records and
// starts the background job. It returns false with an admission error when
// the request is oversized, the engine is at its concurrent-job limit, or a
// job for the same request is still active. No records exist after a
// rejection.
func (c *BatchCoordinator) Submit(ctx context.Context, requestID string, items []domain.MaterialInput) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)

	request := domain.BatchRequest{RequestID: requestID, Items: items, SubmittedAt: time.Now().UTC()}
	if err := request.Validate(); err != nil {
		return false, err
	}
	if len(items) > c.cfg.MaxMaterialsPerRequest {
		return false, fmt.Errorf("%w: %d materials exceed the per-request limit of %d",
			domain.ErrAdmission, len(items), c.cfg.MaxMaterialsPerRequest)
	}

	if err := c.acquireJobSlot(requestID); err != nil {
		return false, err
	}

	// Initialize phase runs synchronously so the caller sees a truthful
	// admission result and Progress works right after Submit returns.
	if _, err := c.records.CreateRecords(ctx, requestID, items); err != nil {
		c.releaseJobSlot(requestID, false)
		return false, fmt.Errorf("failed to create processing records: %w", err)
	}

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		jobCtx := observability.WithRequestID(context.Background(), requestID)
		c.runJob(jobCtx, requestID)
	}()

	return true, nil
}

func (c *BatchCoordinator) acquireJobSlot(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.activeJobs[requestID]; active {
		return fmt.Errorf("%w: a job for request %q is already active", domain.ErrAdmission, requestID)
	}
	if len(c.activeJobs) >= c.cfg.MaxConcurrentBatches {
		return fmt.Errorf("%w: %d active jobs reached the concurrency limit", domain.ErrAdmission, len(c.activeJobs))
	}

	c.activeJobs[requestID] = struct{}{}
	c.stats.Total++
	c.metrics.SetActiveJobs(len(c.activeJobs))
	return nil
}

func (c *BatchCoordinator) releaseJobSlot(requestID string, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.activeJobs, requestID)
	if succeeded {
		c.stats.Completed++
	} else {
		c.stats.Failed++
	}
	c.metrics.SetActiveJobs(len(c.activeJobs))
}

// runJob drains all Pending records of a request and finalizes the job.
// The job slot is released however the job ends, including on panic.
func (c *BatchCoordinator) runJob(ctx context.Context, requestID string) {
	logger := observability.WithContextLogger(c.logger, ctx)
	succeeded := false

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch job panicked", zap.Any("panic", r))
			succeeded = false
		}
		c.releaseJobSlot(requestID, succeeded)
		result := "failed"
		if succeeded {
			result = "completed"
		}
		c.metrics.IncJobFinished(result)
	}()

	if err := c.drain(ctx, requestID, logger); err != nil {
		logger.Error("batch job aborted", zap.Error(err))
		return
	}

	// Finalize: aggregate stats for the job log; failures here abort the
	// job like any other job-level error.
	progress, err := c.records.GetProgress(ctx, requestID)
	if err != nil {
		logger.Error("failed to finalize batch job", zap.Error(err))
		return
	}

	logger.Info("batch job finished",
		zap.Int("total", progress.Total),
		zap.Int("completed", progress.Completed),
		zap.Int("failed", progress.Failed),
		zap.Float64("successRate", progress.SuccessRate()),
	)
	succeeded = true
}

// drain repeatedly fetches Pending records and runs them through the
// batcher until none remain. Requests larger than PendingFetchLimit take
// several full pages, so a stall is detected by content, not count: only
// when a pass fetches the exact same records as the previous one did
// nothing leave Pending and the job aborts instead of spinning.
func (c *BatchCoordinator) drain(ctx context.Context, requestID string, logger *zap.Logger) error {
	var lastPage map[string]struct{}
	for {
		pending, err := c.records.GetPending(ctx, requestID, c.cfg.PendingFetchLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch pending records: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		page := make(map[string]struct{}, len(pending))
		for i := range pending {
			page[pending[i].ID] = struct{}{}
		}
		if samePage(lastPage, page) {
			return fmt.Errorf("drain stalled with %d pending records", len(pending))
		}
		lastPage = page

		result, err := c.batches.Process(ctx, pending, c.processRecord, nil)
		if err != nil {
			return fmt.Errorf("batch processing failed: %w", err)
		}

		c.metrics.SetAvgBatchSize(result.AvgBatchSize)
		logger.Debug("drain pass finished",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int("batches", result.BatchesProcessed),
			zap.Float64("throughput", result.Throughput),
		)
	}
}

func samePage(prev, next map[string]struct{}) bool {
	if len(prev) == 0 || len(prev) != len(next) {
		return false
	}
	for id := range next {
		if _, ok := prev[id]; !ok {
			return false
		}
	}
	return true
}

// processRecord is the per-item unit of work handed to the batcher. A
// pipeline failure is persisted into the record and reported as an item
// error; it never aborts the batch.
func (c *BatchCoordinator) processRecord(ctx context.Context, record domain.ProcessingRecord) error {
	if err := c.records.UpdateStatus(ctx, record.ID, domain.StatusProcessing, repository.StatusUpdate{}); err != nil {
		return fmt.Errorf("failed to mark record %s processing: %w", record.ID, err)
	}

	outcome, runErr := c.runner.Run(ctx, record.OriginalName, record.OriginalUnit)

	status := outcome.OverallStatus.RecordStatus()
	update := statusUpdateFromOutcome(outcome)
	if runErr != nil {
		status = domain.StatusFailed
		msg := runErr.Error()
		update.ErrorMessage = &msg
	}

	if err := c.records.UpdateStatus(ctx, record.ID, status, update); err != nil {
		return fmt.Errorf("failed to persist outcome for record %s: %w", record.ID, err)
	}

	c.metrics.IncRecordProcessed(outcome.OverallStatus.String())

	if runErr != nil {
		return runErr
	}
	if status == domain.StatusFailed {
		return fmt.Errorf("record %s failed: %s", record.ID, outcome.ErrorMessage())
	}
	return nil
}

func statusUpdateFromOutcome(outcome *pipeline.Outcome) repository.StatusUpdate {
	update := repository.StatusUpdate{}
	if outcome == nil {
		return update
	}

	if outcome.Parse.Success {
		coefficient := outcome.Parse.UnitCoefficient
		update.UnitCoefficient = &coefficient
	}
	if outcome.Normalize.Success {
		color := outcome.Normalize.NormalizedColor
		unit := outcome.Normalize.NormalizedUnit
		update.NormalizedColor = &color
		update.NormalizedUnit = &unit
	}
	if outcome.Search.SKU != nil {
		update.SKU = outcome.Search.SKU
		update.SimilarityScore = outcome.Search.Similarity
	}
	if msg := outcome.ErrorMessage(); msg != "" {
		update.ErrorMessage = &msg
	}

	return update
}

// Progress aggregates record counts for a request. A Total of zero means
// the request is unknown; repository failures bubble as hard errors.
func (c *BatchCoordinator) Progress(ctx context.Context, requestID string) (domain.BatchStats, error) {
	if strings.TrimSpace(requestID) == "" {
		return domain.BatchStats{}, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}
	return c.records.GetProgress(ctx, strings.TrimSpace(requestID))
}

// Results returns a page of records for a request ordered by creation time.
func (c *BatchCoordinator) Results(ctx context.Context, requestID string, limit, offset int) ([]domain.ProcessingRecord, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}
	return c.records.GetResults(ctx, strings.TrimSpace(requestID), limit, offset)
}

// RetryFailed re-queues every retry-eligible Failed record and reprocesses
// it, grouped by request. Each retry drain holds the request's job slot so
// a concurrent Submit for the same request is rejected instead of running a
// second writer over the same records; requests whose slot is already taken
// are left to that job's drain loop. Returns the number of records
// re-queued.
func (c *BatchCoordinator) RetryFailed(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	eligible, err := c.records.GetRetryEligible(ctx, c.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to scan retry-eligible records: %w", err)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	byRequest := make(map[string][]domain.ProcessingRecord)
	retried := 0
	for i := range eligible {
		record := eligible[i]
		if err := c.records.IncrementRetry(ctx, record.ID, c.cfg.RetryDelay); err != nil {
			c.logger.Warn("failed to re-queue record for retry",
				zap.String("recordId", record.ID),
				zap.Error(err),
			)
			continue
		}
		retried++
		byRequest[record.RequestID] = append(byRequest[record.RequestID], record)
	}

	c.metrics.AddRetryScheduled(retried)

	for requestID := range byRequest {
		if err := c.acquireJobSlot(requestID); err != nil {
			continue
		}

		retryCtx := observability.WithRequestID(ctx, requestID)
		logger := observability.WithContextLogger(c.logger, retryCtx)
		err := c.drain(retryCtx, requestID, logger)
		c.releaseJobSlot(requestID, err == nil)
		if err != nil {
			logger.Error("retry reprocessing failed", zap.Error(err))
		}
	}

	return retried, nil
}

// Cleanup deletes Completed/Failed records older than daysOld. Pending and
// Processing records are kept regardless of age.
func (c *BatchCoordinator) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	deleted, err := c.records.CleanupOlderThan(ctx, daysOld)
	if err != nil {
		return 0, err
	}
	c.metrics.AddCleanupDeleted(deleted)
	if deleted > 0 {
		c.logger.Info("cleaned up aged records",
			zap.Int64("deleted", deleted),
			zap.Int("daysOld", daysOld),
		)
	}
	return deleted, nil
}

// Statistics aggregates repository stats over a rolling window.
func (c *BatchCoordinator) Statistics(ctx context.Context, windowDays int) (domain.GlobalStatistics, error) {
	return c.records.GetStatistics(ctx, windowDays)
}

// Stats reports job counters since the coordinator was created.
func (c *BatchCoordinator) Stats() JobStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Active = len(c.activeJobs)
	return stats
}
