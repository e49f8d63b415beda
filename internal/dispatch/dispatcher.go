// Package dispatch runs auxiliary jobs on the work queue, falling back to
// synchronous local execution when the queue cannot take them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/metrics"
	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/queue"
	"github.com/eldtechnologies/kalenda/internal/report"
)

const claimTimeout = time.Second

var ErrNoQueue = errors.New("no queue configured")

// Submitter hands a job to the asynchronous queue. Any error triggers the
// local fallback.
type Submitter interface {
	Submit(ctx context.Context, job models.Job) error
}

// Claimer marks a job as started. Claim returns false when the job already
// ran elsewhere.
type Claimer interface {
	Claim(ctx context.Context, jobID string) (bool, error)
}

// Result describes how a job was handled.
type Result struct {
	JobID string
	// Queued is true when the job was handed to the queue. Value is then nil.
	Queued bool
	// Duplicate is true when the local fallback found the job already claimed.
	Duplicate bool
	Value     any
}

// Dispatcher submits jobs to a queue and runs them locally when submission
// fails.
type Dispatcher struct {
	submitter Submitter
	claims    Claimer
	registry  *queue.Registry
	reporter  report.Reporter
	logger    zerolog.Logger
}

// New creates a dispatcher. claims may be nil, in which case the local
// fallback always runs the job.
func New(submitter Submitter, claims Claimer, registry *queue.Registry, reporter report.Reporter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submitter: submitter,
		claims:    claims,
		registry:  registry,
		reporter:  reporter,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch runs the job registered as name with args. Queue unavailability
// never surfaces as an error; only an unknown job, unencodable args or the
// job's own failure during a local run do.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args any) (Result, error) {
	h, err := d.registry.Lookup(name)
	if err != nil {
		return Result{}, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("encode args for %s: %w", name, err)
	}

	job := models.Job{
		ID:         crypto.NewUUIDv7().String(),
		Name:       name,
		Args:       raw,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	res := Result{JobID: job.ID}

	if d.submitter != nil {
		submitErr := d.submitter.Submit(ctx, job)
		if submitErr == nil {
			metrics.JobsDispatched.WithLabelValues(name, "queue").Inc()
			d.logger.Debug().Str("job_id", job.ID).Str("job", name).Msg("Job queued")
			res.Queued = true
			return res, nil
		}
		err = submitErr
	} else {
		err = ErrNoQueue
	}

	metrics.DispatchFallbacks.WithLabelValues(name).Inc()
	d.reporter.Report(ctx, report.Event{
		Component: "dispatch",
		Message:   fmt.Sprintf("queue submit failed for %s, running locally", name),
		Err:       err,
	})

	if d.claims != nil {
		cctx, cancel := context.WithTimeout(ctx, claimTimeout)
		ok, cerr := d.claims.Claim(cctx, job.ID)
		cancel()
		switch {
		case cerr != nil:
			d.logger.Debug().Err(cerr).Str("job_id", job.ID).Msg("Claim unavailable, running job anyway")
		case !ok:
			res.Duplicate = true
			return res, nil
		}
	}

	metrics.JobsDispatched.WithLabelValues(name, "local").Inc()
	res.Value, err = queue.Execute(ctx, h, job)
	if err != nil {
		return res, fmt.Errorf("job %s: %w", name, err)
	}
	return res, nil
}
