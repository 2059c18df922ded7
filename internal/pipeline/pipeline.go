package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

// JobSource hands out pending raster jobs, at most batchSize per call.
type JobSource interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// JobHandler generates the raster for one job and returns the artifact event.
type JobHandler interface {
	Transform(ctx context.Context, raw domain.RawEvent) (domain.OutputEvent, error)
}

// EventSink publishes artifact events for generated rasters.
type EventSink interface {
	LoadBatch(ctx context.Context, events []domain.OutputEvent) error
}

const (
	firstRetryDelay = 200 * time.Millisecond
	maxRetryDelay   = 5 * time.Second
)

// Pipeline consumes raster jobs, generates their rasters and announces the
// stored artifacts.
type Pipeline struct {
	jobs      JobSource
	handler   JobHandler
	sink      EventSink
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New wires a job source, handler and artifact sink into a Pipeline.
func New(jobs JobSource, h JobHandler, sink EventSink, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		jobs:      jobs,
		handler:   h,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness reports an error until the first artifact event was published.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no raster artifact published yet")
	}
	return nil
}

// Run consumes jobs until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("raster job consumer started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	r := retry{delay: firstRetryDelay}
	for ctx.Err() == nil {
		if !p.runBatch(ctx, &r) {
			break
		}
	}
	p.logger.Info("raster job consumer stopping", "reason", context.Cause(ctx))
	return nil
}

// runBatch fetches one batch of jobs and handles it. It returns false once
// the consumer should stop.
func (p *Pipeline) runBatch(ctx context.Context, r *retry) bool {
	start := time.Now()

	jobs, err := p.jobs.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("fetch raster jobs failed", "error", err, "retry_in", r.delay)
		return r.wait(ctx)
	}
	if len(jobs) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.JobsConsumed.Add(float64(len(jobs)))
	p.metrics.BatchSize.Observe(float64(len(jobs)))
	r.reset()

	published, ok := p.handleJobs(ctx, jobs, r)
	if !ok {
		return false
	}
	if published > 0 {
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return true
}

// handleJobs generates a raster per job and publishes the resulting artifact
// events in one write. A job that fails is logged, counted by reason and
// committed, so a bad request is never redelivered. Jobs whose events were
// published are committed after the write succeeds.
func (p *Pipeline) handleJobs(ctx context.Context, jobs []domain.RawEvent, r *retry) (int, bool) {
	events := make([]domain.OutputEvent, 0, len(jobs))
	done := make([]domain.RawEvent, 0, len(jobs))

	for _, job := range jobs {
		ev, err := p.handler.Transform(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down: leave the job uncommitted for redelivery.
				return 0, false
			}
			reason := errorReason(err)
			p.logger.Warn("raster job failed, skipping",
				"error", err,
				"reason", reason,
				"topic", job.Topic,
				"partition", job.Partition,
				"offset", job.Offset,
			)
			p.metrics.JobErrors.WithLabelValues(reason).Inc()
			p.commit(ctx, job)
			continue
		}
		events = append(events, ev)
		done = append(done, job)
	}
	if len(events) == 0 {
		return 0, true
	}

	if err := p.sink.LoadBatch(ctx, events); err != nil {
		p.logger.Error("publish artifact events failed", "error", err, "events", len(events))
		if ctx.Err() != nil {
			return 0, false
		}
		return 0, r.wait(ctx)
	}
	for _, job := range done {
		p.commit(ctx, job)
	}
	return len(events), true
}

// commit acknowledges a job when its source supports acknowledgement.
func (p *Pipeline) commit(ctx context.Context, job domain.RawEvent) {
	if job.Commit == nil {
		return
	}
	if err := job.Commit(ctx); err != nil {
		p.logger.Warn("commit raster job failed", "error", err,
			"topic", job.Topic, "partition", job.Partition, "offset", job.Offset)
	}
}

// retry is the delay between failed fetches or publishes. It doubles after
// every wait up to maxRetryDelay and resets once jobs arrive again.
type retry struct {
	delay time.Duration
}

func (r *retry) reset() { r.delay = firstRetryDelay }

// wait sleeps for the current delay and reports false if ctx ended first.
func (r *retry) wait(ctx context.Context) bool {
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	r.delay = min(2*r.delay, maxRetryDelay)
	return true
}
