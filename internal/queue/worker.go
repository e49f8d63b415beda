package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/kalenda/internal/metrics"
	"github.com/eldtechnologies/kalenda/internal/models"
)

const (
	popWait      = time.Second
	errorBackoff = 500 * time.Millisecond
)

// Worker drains a RedisQueue and runs each job through the registry.
type Worker struct {
	queue       *RedisQueue
	claims      *Claims
	registry    *Registry
	concurrency int
	logger      zerolog.Logger
}

// NewWorker creates a worker with concurrency consumers. claims may be nil
// to disable deduplication.
func NewWorker(q *RedisQueue, claims *Claims, registry *Registry, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		claims:      claims,
		registry:    registry,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "worker").Str("queue", q.Name()).Logger(),
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.concurrency).Msg("Worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.consume(ctx)
		})
	}
	err := g.Wait()

	w.logger.Info().Msg("Worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.pop(ctx, popWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Queue pop failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.Process(ctx, *job)
	}
}

// Process runs a single job. Handler errors and panics are logged and
// counted; they never stop the worker.
func (w *Worker) Process(ctx context.Context, job models.Job) {
	log := w.logger.With().Str("job_id", job.ID).Str("job", job.Name).Logger()

	h, err := w.registry.Lookup(job.Name)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Name, "unknown").Inc()
		log.Error().Err(err).Msg("Dropping job")
		return
	}

	if w.claims != nil {
		ok, err := w.claims.Claim(ctx, job.ID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Claim failed, running job anyway")
		case !ok:
			metrics.JobsProcessed.WithLabelValues(job.Name, "duplicate").Inc()
			log.Debug().Msg("Job already claimed")
			return
		}
	}

	start := time.Now()
	if _, err := Execute(ctx, h, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Name, "error").Inc()
		log.Error().Err(err).Msg("Job failed")
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Name, "ok").Inc()
	log.Debug().Dur("duration", time.Since(start)).Msg("Job done")
}

var ErrJobPanicked = errors.New("job panicked")

// Execute runs h for job, converting a panic into an error.
func Execute(ctx context.Context, h HandlerFunc, job models.Job) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return h(ctx, job.Args)
}
