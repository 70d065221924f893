package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/domain/persona"
)

func newJob(t *testing.T, s *Store, status job.Status) job.Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), job.Job{
		OwnerID:  "user-1",
		Type:     job.TypeChat,
		Status:   job.StatusQueued,
		Metadata: job.Metadata{MaxAttempts: 3},
	})
	require.NoError(t, err)

	// Walk to the requested status through valid edges.
	ctx := context.Background()
	switch status {
	case job.StatusQueued:
	case job.StatusRunning:
		_, ok, err := s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
	case job.StatusFailed, job.StatusSucceeded:
		_, ok, err := s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
		j, err = s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		j.Status = status
		_, err = s.UpdateJob(ctx, j)
		require.NoError(t, err)
	case job.StatusCancelled:
		_, ok, err := s.CancelJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	j, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, status, j.Status)
	return j
}

func TestUpdateJobEnforcesStateGraph(t *testing.T) {
	s := New()
	ctx := context.Background()

	// queued cannot jump straight to succeeded.
	j := newJob(t, s, job.StatusQueued)
	j.Status = job.StatusSucceeded
	_, err := s.UpdateJob(ctx, j)
	require.Error(t, err)

	// succeeded is final, even for cancellation.
	done := newJob(t, s, job.StatusSucceeded)
	done.Status = job.StatusCancelled
	_, err = s.UpdateJob(ctx, done)
	require.Error(t, err)

	// Same-status writes pass, so progress and timing updates work.
	running := newJob(t, s, job.StatusRunning)
	running.Progress = job.Progress{Percent: 40, Stage: "generating images"}
	updated, err := s.UpdateJob(ctx, running)
	require.NoError(t, err)
	require.Equal(t, 40, updated.Progress.Percent)
}

func TestClaimJobIsExactlyOnce(t *testing.T) {
	s := New()
	j := newJob(t, s, job.StatusQueued)
	ctx := context.Background()

	_, ok, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The duplicate claim loses.
	current, ok, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, job.StatusRunning, current.Status)
}

func TestRequeueJobGuards(t *testing.T) {
	s := New()
	ctx := context.Background()

	failed := newJob(t, s, job.StatusFailed)
	requeued, ok, err := s.RequeueJob(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.StatusQueued, requeued.Status)
	require.Equal(t, 1, requeued.Metadata.Attempts)
	require.Nil(t, requeued.Error)

	// A running job cannot be requeued.
	running := newJob(t, s, job.StatusRunning)
	_, ok, err = s.RequeueJob(ctx, running.ID)
	require.NoError(t, err)
	require.False(t, ok)

	// The attempt bound holds.
	exhausted := newJob(t, s, job.StatusFailed)
	exhausted.Metadata.Attempts = 3
	_, err = s.UpdateJob(ctx, exhausted)
	require.NoError(t, err)
	_, ok, err = s.RequeueJob(ctx, exhausted.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountActiveJobs(t *testing.T) {
	s := New()
	ctx := context.Background()

	newJob(t, s, job.StatusQueued)
	newJob(t, s, job.StatusRunning)
	newJob(t, s, job.StatusSucceeded)
	newJob(t, s, job.StatusCancelled)

	active, err := s.CountActiveJobs(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, active)

	other, err := s.CountActiveJobs(ctx, "user-2")
	require.NoError(t, err)
	require.Zero(t, other)
}

func TestJobsAreClonedOnReadAndWrite(t *testing.T) {
	s := New()
	ctx := context.Background()

	j, err := s.CreateJob(ctx, job.Job{
		OwnerID: "user-1",
		Type:    job.TypeRitual,
		Params:  job.Params{ReferenceImageURLs: []string{"a"}},
	})
	require.NoError(t, err)

	// Mutating the returned document must not reach the store.
	j.Params.ReferenceImageURLs[0] = "mutated"
	fresh, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "a", fresh.Params.ReferenceImageURLs[0])
}

func TestLedgerAndPersonaRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, ledger.Account{OwnerID: "user-1", Credits: 10})
	require.NoError(t, err)

	_, err = s.ApplyTransaction(ctx, ledger.Transaction{
		AccountID: acct.ID, Amount: -4, Type: ledger.TransactionCharge, Description: "job x",
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.EqualValues(t, 6, got.Credits)

	p, err := s.CreatePersona(ctx, persona.Persona{Name: "Vex"})
	require.NoError(t, err)
	_, err = s.UpdateVisualProfile(ctx, p.ID, persona.VisualProfile{Description: "red coat", Ready: true})
	require.NoError(t, err)
	p, err = s.GetPersona(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, p.Visual.Ready)
}
