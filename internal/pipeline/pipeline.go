package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
	"github.com/couchcryptid/air-quality-etl/internal/observability"
)

// BatchExtractor reads up to batchSize raw records from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawRecord, error)
}

// RunLoader performs one load run per batch.
type RunLoader interface {
	Prepare(ctx context.Context) error
	Load(ctx context.Context, records []domain.RawRecord) (domain.RunSummary, error)
}

// SummaryPublisher reports run summaries to the orchestrator.
type SummaryPublisher interface {
	Publish(ctx context.Context, summary domain.RunSummary) error
}

// Pipeline consumes raw records in batches and loads each batch as one run.
type Pipeline struct {
	extractor BatchExtractor
	loader    RunLoader
	publisher SummaryPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int

	// pending is a batch whose run failed transiently; it is retried before
	// anything new is extracted.
	pending []domain.RawRecord
}

// New creates a Pipeline. publisher may be nil.
func New(e BatchExtractor, l RunLoader, pub SummaryPublisher, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		loader:    l,
		publisher: pub,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once the store has been prepared.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not prepared the store yet")
	}
	return nil
}

// Run executes the batch load loop until the context is cancelled. A schema
// mismatch, at startup or mid-stream, stops the loop with an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.loader.Prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.ready.Store(true)

	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		cont, err := p.processBatch(ctx, &backoff, maxBackoff)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// processBatch runs one extract-load cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) (bool, error) {
	batch := p.pending
	if batch == nil {
		var err error
		batch, err = p.extractor.ExtractBatch(ctx, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			p.logger.Error("extract batch failed", "error", err)
			return p.backoffOrStop(ctx, backoff, maxBackoff), nil
		}
	}

	if len(batch) == 0 {
		return ctx.Err() == nil, nil
	}

	summary, err := p.loader.Load(ctx, batch)
	switch {
	case err == nil:
		p.pending = nil
		*backoff = 200 * time.Millisecond
	case errors.Is(err, domain.ErrSchemaMismatch):
		p.publish(ctx, summary)
		return false, err
	case errors.Is(err, domain.ErrConstraintViolation):
		// Retrying re-derives the same delta, so the batch is dropped.
		p.logger.Error("batch rejected", "run_id", summary.RunID, "failed_entity", summary.FailedEntity)
		p.pending = nil
	default:
		if ctx.Err() != nil {
			return false, nil
		}
		p.logger.Warn("load run failed, retrying batch", "run_id", summary.RunID, "error", err, "batch_size", len(batch))
		p.pending = batch
		p.publish(ctx, summary)
		return p.backoffOrStop(ctx, backoff, maxBackoff), nil
	}

	p.publish(ctx, summary)
	for _, rec := range batch {
		p.commitOffset(ctx, rec)
	}
	return true, nil
}

func (p *Pipeline) publish(ctx context.Context, summary domain.RunSummary) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, summary); err != nil {
		p.metrics.SummaryPublishErrors.Inc()
		p.logger.Warn("publish run summary failed", "run_id", summary.RunID, "error", err)
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the record's offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, rec domain.RawRecord) {
	if rec.Commit == nil {
		return
	}
	if err := rec.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
