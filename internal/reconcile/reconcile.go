// Package reconcile runs the periodic sweeps that repair gaps left by
// crashes and partial failures: failed jobs whose refund never landed, and
// queued jobs whose start event was lost.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/metrics"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// transactionScanLimit bounds how much ledger history one sweep inspects
// per account.
const transactionScanLimit = 500

// Reconciler owns the scheduled sweeps.
type Reconciler struct {
	jobs    storage.JobStore
	credits *ledger.Service
	bus     queue.Bus
	log     *logger.Logger

	staleAfter time.Duration
	cron       *cron.Cron

	// sweepMu serializes refund sweeps. Cron runs overlapping activations
	// in separate goroutines, and a concurrent read-then-refund would
	// settle the same deficit twice.
	sweepMu sync.Mutex
}

// New builds a reconciler. staleAfter is how long a job may sit queued
// before its start event is presumed lost, and how long a freshly failed
// job is left to the dispatcher's own refund before the sweep steps in;
// zero selects two minutes.
func New(jobs storage.JobStore, credits *ledger.Service, bus queue.Bus, staleAfter time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Reconciler{
		jobs:       jobs,
		credits:    credits,
		bus:        bus,
		log:        log,
		staleAfter: staleAfter,
		cron:       cron.New(),
	}
}

// Start schedules both sweeps on the given cron expression and runs them
// until Stop.
func (r *Reconciler) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 5m"
	}
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.SweepRefunds(ctx); err != nil {
			r.log.WithError(err).Error("refund sweep failed")
		}
		if err := r.SweepStaleQueued(ctx); err != nil {
			r.log.WithError(err).Error("stale queue sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// SweepRefunds settles billing for failed jobs. For every failed job the
// net of its ledger entries (charges, retry charges, refunds) must be
// zero; a negative net means a refund was lost and is issued now. Jobs
// that failed within the stale window are skipped, their dispatcher may
// still be applying the refund.
func (r *Reconciler) SweepRefunds(ctx context.Context) error {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	failed, err := r.jobs.ListJobsByStatus(ctx, job.StatusFailed)
	if err != nil {
		return fmt.Errorf("list failed jobs: %w", err)
	}

	graceCutoff := time.Now().Add(-r.staleAfter)
	for _, j := range failed {
		if j.Metadata.CostEstimate <= 0 {
			continue
		}
		if j.UpdatedAt.After(graceCutoff) {
			continue
		}
		net, err := r.netForJob(ctx, j)
		if err != nil {
			r.log.WithError(err).WithField("job_id", j.ID).Warn("could not inspect ledger for job")
			continue
		}
		if net >= 0 {
			continue
		}

		deficit := -net
		desc := fmt.Sprintf("job %s (%s)", j.ID, j.Type)
		if err := r.credits.Refund(ctx, j.AccountID, deficit, desc); err != nil {
			r.log.WithError(err).WithField("job_id", j.ID).Error("reconciliation refund failed")
			continue
		}
		metrics.RecordReconciledRefund()
		r.log.WithField("job_id", j.ID).WithField("account_id", j.AccountID).
			Warnf("reconciled missing refund of %d credits", deficit)
	}
	return nil
}

// netForJob sums the ledger entries that reference the job.
func (r *Reconciler) netForJob(ctx context.Context, j job.Job) (int64, error) {
	txs, err := r.credits.Transactions(ctx, j.AccountID, transactionScanLimit)
	if err != nil {
		return 0, err
	}
	var net int64
	for _, tx := range txs {
		if strings.Contains(tx.Description, "job "+j.ID) {
			net += tx.Amount
		}
	}
	return net, nil
}

// SweepStaleQueued re-publishes start events for jobs that stayed queued
// past the stale threshold. Duplicate events are safe; the claim is
// conditional.
func (r *Reconciler) SweepStaleQueued(ctx context.Context) error {
	queued, err := r.jobs.ListJobsByStatus(ctx, job.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}

	cutoff := time.Now().Add(-r.staleAfter)
	for _, j := range queued {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		evt := queue.Event{JobID: j.ID, Type: string(j.Type), EnqueuedAt: time.Now().UTC()}
		if err := r.bus.Publish(ctx, evt); err != nil {
			r.log.WithError(err).WithField("job_id", j.ID).Error("could not re-publish stale job")
			continue
		}
		r.log.WithField("job_id", j.ID).Info("re-published stale queued job")
	}
	return nil
}
