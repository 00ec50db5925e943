package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
	"github.com/couchcryptid/air-quality-etl/internal/observability"
	"github.com/couchcryptid/air-quality-etl/internal/store"
)

// LoaderConfig tunes a Loader.
type LoaderConfig struct {
	ConflictPolicy    domain.ConflictPolicy
	DiscardSampleSize int
	ConnectTimeout    time.Duration // ping retry budget used by Prepare
}

// Loader runs the incremental load: normalize, resolve, detect the delta
// against the store and write it in a single transaction.
type Loader struct {
	store   *store.Store
	cfg     LoaderConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	newID   func() string
}

// NewLoader wires a loader to its store. The store handle is owned by the caller.
func NewLoader(s *store.Store, cfg LoaderConfig, logger *slog.Logger, metrics *observability.Metrics) *Loader {
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = domain.ConflictReject
	}
	if cfg.DiscardSampleSize < 0 {
		cfg.DiscardSampleSize = domain.DefaultDiscardSamples
	}
	return &Loader{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		newID:   uuid.NewString,
	}
}

// Prepare checks connectivity and ensures the schema. It is idempotent and
// is also performed implicitly by every run.
func (l *Loader) Prepare(ctx context.Context) error {
	if err := l.store.PingWithRetry(ctx, l.cfg.ConnectTimeout); err != nil {
		return err
	}
	return l.store.Schema().Ensure(ctx)
}

// Load runs one batch of raw records. The returned summary is always
// populated; err is non-nil exactly when the summary's status is failed.
func (l *Loader) Load(ctx context.Context, records []domain.RawRecord) (domain.RunSummary, error) {
	summary := l.newSummary(len(records))

	rows, discards := domain.Normalize(records, l.cfg.DiscardSampleSize)
	summary.Normalized = len(rows)
	summary.Discards = discards
	for reason, n := range discards.ByReason {
		l.metrics.RecordsDiscarded.WithLabelValues(string(reason)).Add(float64(n))
	}
	if discards.Total > 0 {
		l.logger.Warn("records discarded",
			"run_id", summary.RunID, "count", discards.Total, "by_reason", discards.ByReason)
	}

	err := l.run(ctx, &summary, domain.ResolveAll(rows))
	return l.finish(ctx, summary, err)
}

// LoadEntities runs an already-resolved batch, bypassing normalization.
func (l *Loader) LoadEntities(ctx context.Context, batch []domain.Entities) (domain.RunSummary, error) {
	summary := l.newSummary(len(batch))
	summary.Normalized = len(batch)

	err := l.run(ctx, &summary, batch)
	return l.finish(ctx, summary, err)
}

func (l *Loader) newSummary(received int) domain.RunSummary {
	l.metrics.RecordsReceived.Add(float64(received))
	l.metrics.BatchSize.Observe(float64(received))
	return domain.RunSummary{
		RunID:          l.newID(),
		StartedAt:      domain.Now(),
		Status:         domain.RunSucceeded,
		ConflictPolicy: l.cfg.ConflictPolicy,
		Received:       received,
	}
}

func (l *Loader) run(ctx context.Context, summary *domain.RunSummary, batch []domain.Entities) error {
	if err := l.store.Ping(ctx); err != nil {
		return err
	}
	if err := l.store.Schema().Ensure(ctx); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	return l.store.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		existing, err := tx.Existing(ctx, batch)
		if err != nil {
			return fmt.Errorf("load existing keys: %w", err)
		}

		delta := domain.DetectDelta(batch, existing, l.cfg.ConflictPolicy)
		summary.ApplyDelta(delta)
		for _, c := range delta.Conflicts {
			l.logger.Debug("measurement conflict",
				"run_id", summary.RunID,
				"key", c.Key.String(),
				"stored", c.Stored.Value,
				"incoming", c.Incoming.Value,
				"policy", l.cfg.ConflictPolicy,
			)
		}
		if delta.Empty() {
			return nil
		}

		res, err := l.store.Writer().Write(ctx, tx, delta)
		if err != nil {
			return err
		}
		summary.Inserted = res.Inserted
		summary.Updated = res.Updated
		return nil
	})
}

func (l *Loader) finish(ctx context.Context, summary domain.RunSummary, err error) (domain.RunSummary, error) {
	if err != nil {
		summary.Fail(err)
	}
	summary.FinishedAt = domain.Now()

	l.observe(summary)
	l.record(ctx, summary)

	attrs := []any{
		"run_id", summary.RunID,
		"status", summary.Status,
		"received", summary.Received,
		"discarded", summary.Discards.Total,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"already_present", summary.Existing,
		"conflicts", summary.Conflicts,
		"duration", summary.Duration(),
	}
	if err != nil {
		l.logger.Error("load run failed", append(attrs, "failed_entity", summary.FailedEntity, "error", err)...)
		return summary, err
	}
	l.logger.Info("load run complete", attrs...)
	return summary, nil
}

func (l *Loader) observe(s domain.RunSummary) {
	l.metrics.Runs.WithLabelValues(string(s.Status)).Inc()
	l.metrics.RunDuration.Observe(s.Duration().Seconds())
	l.metrics.Conflicts.Add(float64(s.Conflicts))
	l.metrics.Updated.Add(float64(s.Updated))

	for entity, n := range map[domain.EntityType][2]int{
		domain.EntityCountry:     {s.Inserted.Countries, s.Existing.Countries},
		domain.EntityCity:        {s.Inserted.Cities, s.Existing.Cities},
		domain.EntityLocation:    {s.Inserted.Locations, s.Existing.Locations},
		domain.EntityMeasurement: {s.Inserted.Measurements, s.Existing.Measurements},
	} {
		l.metrics.RowsInserted.WithLabelValues(string(entity)).Add(float64(n[0]))
		l.metrics.RowsExisting.WithLabelValues(string(entity)).Add(float64(n[1]))
	}
}

// record appends the summary to load_runs. Failure is logged and never
// changes the run's outcome.
func (l *Loader) record(ctx context.Context, s domain.RunSummary) {
	if !l.store.Schema().Ensured() {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := l.store.RecordRun(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("record load run failed", "run_id", s.RunID, "error", err)
	}
}
