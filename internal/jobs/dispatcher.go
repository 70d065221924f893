package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/metrics"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/internal/workflow"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Dispatcher consumes job events and drives executions. Claiming is a
// conditional write, so an event delivered twice runs the job once: the
// duplicate loses the claim and is dropped.
type Dispatcher struct {
	jobs    storage.JobStore
	credits *ledger.Service
	engine  *workflow.Engine
	monitor *Monitor
	bus     queue.Bus
	log     *logger.Logger
}

// NewDispatcher wires the dispatcher and verifies that every job type has a
// workflow, so an unroutable type is a startup error rather than a stuck
// job at runtime.
func NewDispatcher(jobs storage.JobStore, credits *ledger.Service, engine *workflow.Engine, bus queue.Bus, log *logger.Logger) (*Dispatcher, error) {
	for _, t := range job.Types() {
		if _, ok := engine.Runner(t); !ok {
			return nil, fmt.Errorf("no workflow registered for job type %s", t)
		}
	}
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Dispatcher{
		jobs:    jobs,
		credits: credits,
		engine:  engine,
		monitor: NewMonitor(jobs, log),
		bus:     bus,
		log:     log,
	}, nil
}

// Run consumes events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.bus.Consume(ctx, d.Handle)
}

// Handle executes one delivered event end to end.
func (d *Dispatcher) Handle(ctx context.Context, evt queue.Event) error {
	claimed, ok, err := d.jobs.ClaimJob(ctx, evt.JobID)
	if err != nil {
		d.log.WithError(err).WithField("job_id", evt.JobID).Error("claim failed")
		return err
	}
	if !ok {
		// Duplicate delivery or a job cancelled while queued.
		d.log.WithField("job_id", evt.JobID).WithField("status", string(claimed.Status)).
			Debug("skipping event, job not claimable")
		return nil
	}

	log := d.log.WithField("job_id", claimed.ID).WithField("type", string(claimed.Type))
	log.Infof("executing job, attempt %d of %d", claimed.Metadata.Attempts+1, claimed.Metadata.MaxAttempts)

	run, _ := d.engine.Runner(claimed.Type)
	start := time.Now()
	outcome, runErr := run(ctx, claimed, d.monitor.CheckFor(claimed.ID), d.progressFor(claimed))
	duration := time.Since(start)

	switch {
	case runErr == nil:
		d.finishSucceeded(ctx, claimed, outcome, duration, log)
	case errors.Is(runErr, apperr.ErrJobCancelled):
		d.finishCancelled(ctx, claimed, duration, log)
	default:
		d.finishFailed(ctx, claimed, runErr, duration, log)
	}
	return nil
}

func (d *Dispatcher) finishSucceeded(ctx context.Context, j job.Job, out workflow.Outcome, duration time.Duration, log *logger.Logger) {
	now := time.Now().UTC()
	j.Status = job.StatusSucceeded
	j.Result = &out.Result
	j.Error = nil
	j.Progress = job.Progress{Percent: 100, Stage: "done"}
	j.Metadata.Provider = out.Provider
	j.Metadata.Model = out.Model
	j.Metadata.FallbackUsed = out.FallbackUsed
	j.Duration = duration
	j.CompletedAt = &now

	if _, err := d.jobs.UpdateJob(ctx, j); err != nil {
		// A cancel can land between the last checkpoint and this write.
		log.WithError(err).Warn("could not persist success")
		metrics.RecordJobExecution(string(j.Type), string(job.StatusCancelled), duration)
		return
	}
	log.Infof("job succeeded in %s", duration.Round(time.Millisecond))
	metrics.RecordJobExecution(string(j.Type), string(job.StatusSucceeded), duration)
}

func (d *Dispatcher) finishCancelled(ctx context.Context, j job.Job, duration time.Duration, log *logger.Logger) {
	// CancelJob already moved the status; this write only adds timing.
	current, err := d.jobs.GetJob(ctx, j.ID)
	if err == nil {
		now := time.Now().UTC()
		current.Duration = duration
		current.CompletedAt = &now
		if _, err := d.jobs.UpdateJob(ctx, current); err != nil {
			log.WithError(err).Warn("could not persist cancellation timing")
		}
	}
	log.Info("job cancelled at checkpoint")
	metrics.RecordJobExecution(string(j.Type), string(job.StatusCancelled), duration)
}

func (d *Dispatcher) finishFailed(ctx context.Context, j job.Job, runErr error, duration time.Duration, log *logger.Logger) {
	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.Result = nil
	j.Error = &job.ErrorInfo{
		Code:    string(apperr.CodeOf(runErr)),
		Message: runErr.Error(),
	}
	j.Duration = duration
	j.CompletedAt = &now

	if _, err := d.jobs.UpdateJob(ctx, j); err != nil {
		log.WithError(err).Error("could not persist failure")
	}
	log.WithError(runErr).Warnf("job failed after %s", duration.Round(time.Millisecond))
	metrics.RecordJobExecution(string(j.Type), string(job.StatusFailed), duration)

	// Failed work is refunded. A refund that cannot be applied is a billing
	// discrepancy the reconciliation sweep settles later.
	if cost := j.Metadata.CostEstimate; cost > 0 {
		if err := d.credits.Refund(ctx, j.AccountID, cost, chargeDescription(j.ID, j.Type)); err != nil {
			log.WithError(err).Error("refund failed, awaiting reconciliation")
			metrics.RecordRefundFailure()
		}
	}
}

// progressFor persists progress updates best-effort. A cancel racing the
// write makes the transition invalid; that is fine, the checkpoint will
// see it.
func (d *Dispatcher) progressFor(j job.Job) workflow.ProgressFunc {
	return func(ctx context.Context, percent int, stage string) {
		current, err := d.jobs.GetJob(ctx, j.ID)
		if err != nil || current.Status != job.StatusRunning {
			return
		}
		current.Progress = job.Progress{Percent: percent, Stage: stage}
		if _, err := d.jobs.UpdateJob(ctx, current); err != nil {
			d.log.WithError(err).WithField("job_id", j.ID).Debug("progress update dropped")
		}
	}
}
