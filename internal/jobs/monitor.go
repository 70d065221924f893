package jobs

import (
	"context"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/internal/workflow"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Monitor turns cancellation requests into the distinguished signal the
// workflows observe at their checkpoints. It re-reads the job document, so
// a cancel written by any node is picked up at the next checkpoint.
type Monitor struct {
	jobs storage.JobStore
	log  *logger.Logger
}

// NewMonitor builds a cancellation monitor.
func NewMonitor(jobs storage.JobStore, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("cancel-monitor")
	}
	return &Monitor{jobs: jobs, log: log}
}

// CheckFor returns the checkpoint function for one job. A read failure is
// not a cancellation; the workflow keeps going and the next checkpoint
// tries again.
func (m *Monitor) CheckFor(id string) workflow.CancelCheck {
	return func(ctx context.Context) error {
		current, err := m.jobs.GetJob(ctx, id)
		if err != nil {
			m.log.WithError(err).WithField("job_id", id).Warn("cancellation check could not read job")
			return nil
		}
		if current.Status == job.StatusCancelled {
			return apperr.ErrJobCancelled
		}
		return nil
	}
}
