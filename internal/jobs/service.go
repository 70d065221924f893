// Package jobs owns the job lifecycle: submission with billing and limits,
// cancellation, retries and the dispatcher that executes queued work.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/ratelimit"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Service is the submission-side API: it validates, bills and enqueues jobs,
// and handles user-initiated cancel and retry.
type Service struct {
	jobs    storage.JobStore
	credits *ledger.Service
	limiter *ratelimit.Limiter
	bus     queue.Bus
	limits  Limits
	log     *logger.Logger
}

// NewService wires the submission service.
func NewService(jobs storage.JobStore, credits *ledger.Service, limiter *ratelimit.Limiter, bus queue.Bus, limits Limits, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	if limits.MaxActiveJobs <= 0 {
		limits.MaxActiveJobs = DefaultLimits().MaxActiveJobs
	}
	if limits.MaxAttempts <= 0 {
		limits.MaxAttempts = DefaultLimits().MaxAttempts
	}
	return &Service{
		jobs:    jobs,
		credits: credits,
		limiter: limiter,
		bus:     bus,
		limits:  limits,
		log:     log,
	}
}

// SubmitRequest is a validated-on-entry job submission.
type SubmitRequest struct {
	OwnerID   string
	AccountID string
	Type      job.Type
	Params    job.Params
}

// Submit validates the request, enforces the active-job cap and the
// per-type cooldown, charges the cost up front and enqueues the job.
// The charge happens before the job document exists, so a submission can
// never produce unbilled work.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (job.Job, error) {
	if req.OwnerID == "" || req.AccountID == "" {
		return job.Job{}, apperr.New(apperr.CodeUnauthenticated, "missing caller identity")
	}
	if err := validateParams(req.Type, req.Params); err != nil {
		return job.Job{}, err
	}

	active, err := s.jobs.CountActiveJobs(ctx, req.OwnerID)
	if err != nil {
		return job.Job{}, apperr.Wrap(apperr.CodeInternal, "counting active jobs", err)
	}
	if active >= s.limits.MaxActiveJobs {
		return job.Job{}, apperr.Newf(apperr.CodeResourceExhausted,
			"too many active jobs (%d of %d)", active, s.limits.MaxActiveJobs)
	}

	if cooldown := s.limits.Cooldowns[req.Type]; cooldown > 0 {
		if err := s.limiter.CheckAndRecord(ctx, req.OwnerID, "submit_"+string(req.Type), cooldown); err != nil {
			return job.Job{}, err
		}
	}

	id := uuid.New().String()
	cost := Cost(req.Type, req.Params)
	if cost > 0 {
		if err := s.credits.Charge(ctx, req.AccountID, cost, chargeDescription(id, req.Type)); err != nil {
			return job.Job{}, err
		}
	}

	created, err := s.jobs.CreateJob(ctx, job.Job{
		ID:        id,
		OwnerID:   req.OwnerID,
		AccountID: req.AccountID,
		Type:      req.Type,
		Status:    job.StatusQueued,
		Params:    req.Params,
		Progress:  job.Progress{Percent: 0, Stage: "queued"},
		Metadata: job.Metadata{
			CostEstimate: cost,
			MaxAttempts:  s.limits.MaxAttempts,
		},
	})
	if err != nil {
		// The charge landed but the job did not; undo it.
		if cost > 0 {
			if rErr := s.credits.Refund(ctx, req.AccountID, cost, chargeDescription(id, req.Type)); rErr != nil {
				s.log.WithError(rErr).WithField("job_id", id).Error("refund after failed job creation also failed")
			}
		}
		return job.Job{}, apperr.Wrap(apperr.CodeInternal, "creating job", err)
	}

	if err := s.publish(ctx, created); err != nil {
		// The job stays queued; the requeue sweep re-publishes stale jobs.
		s.log.WithError(err).WithField("job_id", created.ID).Warn("enqueue failed, job awaits sweep")
	}

	s.log.WithField("job_id", created.ID).WithField("type", string(created.Type)).
		Infof("job submitted, cost %d credits", cost)
	return created, nil
}

// Cancel requests cancellation of an owned job. For a job already in a
// terminal state it reports ok=false with the current document instead of
// an error, so callers can render the final state.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (job.Job, bool, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return job.Job{}, false, err
	}
	if j.OwnerID != ownerID {
		return job.Job{}, false, apperr.New(apperr.CodePermissionDenied, "job belongs to another user")
	}
	if j.Status.Terminal() {
		return j, false, nil
	}

	cancelled, ok, err := s.jobs.CancelJob(ctx, id)
	if err != nil {
		return job.Job{}, false, err
	}
	if ok {
		s.log.WithField("job_id", id).Info("job cancelled")
	}
	return cancelled, ok, nil
}

// Retry re-runs a failed or cancelled job. The attempt bound is enforced,
// the cost is charged again before the requeue, and a lost requeue race
// rolls the fresh charge back.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (job.Job, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.OwnerID != ownerID {
		return job.Job{}, apperr.New(apperr.CodePermissionDenied, "job belongs to another user")
	}
	if j.Status != job.StatusFailed && j.Status != job.StatusCancelled {
		return job.Job{}, apperr.Newf(apperr.CodeFailedPrecondition, "job is %s, only failed or cancelled jobs can be retried", j.Status)
	}
	if j.Metadata.Attempts >= j.Metadata.MaxAttempts {
		return job.Job{}, apperr.Newf(apperr.CodeResourceExhausted,
			"attempt limit reached (%d of %d)", j.Metadata.Attempts, j.Metadata.MaxAttempts)
	}

	cost := j.Metadata.CostEstimate
	if cost > 0 {
		if err := s.credits.Charge(ctx, j.AccountID, cost, retryDescription(id, j.Type)); err != nil {
			return job.Job{}, err
		}
	}

	requeued, ok, err := s.jobs.RequeueJob(ctx, id)
	if err != nil || !ok {
		// Another caller got there first, or the job moved on. The fresh
		// charge has no run to pay for.
		if cost > 0 {
			if rErr := s.credits.Refund(ctx, j.AccountID, cost, retryDescription(id, j.Type)); rErr != nil {
				s.log.WithError(rErr).WithField("job_id", id).Error("refund after lost retry race failed")
			}
		}
		if err != nil {
			return job.Job{}, err
		}
		return job.Job{}, apperr.New(apperr.CodeFailedPrecondition, "job was requeued or completed concurrently")
	}

	if err := s.publish(ctx, requeued); err != nil {
		s.log.WithError(err).WithField("job_id", id).Warn("enqueue failed, job awaits sweep")
	}

	s.log.WithField("job_id", id).Infof("job requeued, attempt %d of %d",
		requeued.Metadata.Attempts, requeued.Metadata.MaxAttempts)
	return requeued, nil
}

// Get returns an owned job.
func (s *Service) Get(ctx context.Context, ownerID, id string) (job.Job, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.OwnerID != ownerID {
		return job.Job{}, apperr.New(apperr.CodePermissionDenied, "job belongs to another user")
	}
	return j, nil
}

// List returns the owner's jobs, optionally filtered by status.
func (s *Service) List(ctx context.Context, ownerID string, statuses []job.Status) ([]job.Job, error) {
	return s.jobs.ListJobs(ctx, ownerID, statuses)
}

func (s *Service) publish(ctx context.Context, j job.Job) error {
	return s.bus.Publish(ctx, queue.Event{
		JobID:      j.ID,
		Type:       string(j.Type),
		EnqueuedAt: time.Now().UTC(),
	})
}

// chargeDescription ties a ledger entry to its job; the reconciliation
// sweep matches refunds to charges through the job id embedded here.
func chargeDescription(id string, t job.Type) string {
	return fmt.Sprintf("job %s (%s)", id, t)
}

func retryDescription(id string, t job.Type) string {
	return fmt.Sprintf("retry job %s (%s)", id, t)
}

func validateParams(t job.Type, p job.Params) error {
	if !t.Valid() {
		return apperr.Newf(apperr.CodeInvalidArgument, "unknown job type: %s", t)
	}
	switch t {
	case job.TypeRitual:
		if p.PersonaID == "" {
			return apperr.New(apperr.CodeInvalidArgument, "ritual requires persona_id")
		}
		if len(p.ReferenceImageURLs) == 0 {
			return apperr.New(apperr.CodeInvalidArgument, "ritual requires at least one reference image")
		}
	case job.TypeMagicPost:
		if p.Prompt == "" {
			return apperr.New(apperr.CodeInvalidArgument, "magic_post requires a prompt")
		}
		if p.ImageCount < 0 || p.ImageCount > 4 {
			return apperr.New(apperr.CodeInvalidArgument, "image_count must be at most 4")
		}
	case job.TypeChat, job.TypeSummary:
		if len(p.Messages) == 0 {
			return apperr.Newf(apperr.CodeInvalidArgument, "%s requires a message history", t)
		}
	}
	return nil
}
