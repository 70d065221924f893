// Package storage declares the persistence interfaces the engine depends
// on. The memory implementation backs tests; the postgres implementation
// backs deployments.
package storage

import (
	"context"
	"time"

	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/domain/persona"
)

// JobStore persists job documents. Implementations must reject status
// updates that do not follow an edge of the job state graph, and must make
// ClaimJob, RequeueJob and CancelJob conditional writes: they succeed only
// if the precondition still held when the write was applied.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	ListJobs(ctx context.Context, ownerID string, statuses []job.Status) ([]job.Job, error)
	ListJobsByStatus(ctx context.Context, status job.Status) ([]job.Job, error)

	// CountActiveJobs counts the owner's jobs in queued or running state.
	CountActiveJobs(ctx context.Context, ownerID string) (int, error)

	// ClaimJob transitions queued -> running. ok is false when the job was
	// no longer queued, which is how a duplicate dispatch loses the race.
	ClaimJob(ctx context.Context, id string) (job.Job, bool, error)

	// RequeueJob transitions failed|cancelled -> queued for a retry:
	// increments attempts, clears result and error, resets progress. ok is
	// false when the status precondition or the attempt bound no longer
	// held.
	RequeueJob(ctx context.Context, id string) (job.Job, bool, error)

	// CancelJob marks a non-terminal job cancelled. ok is false when the
	// job had already reached a terminal state.
	CancelJob(ctx context.Context, id string) (job.Job, bool, error)
}

// LedgerStore persists credit accounts and their transaction log.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)

	// ApplyTransaction atomically adjusts the balance by tx.Amount and
	// appends tx in the same unit. It fails without side effects when the
	// resulting balance would be negative, and must serialize concurrent
	// applications against the same account.
	ApplyTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Account, error)

	ListTransactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error)
}

// RateLimitStore persists per (user, action) cooldown records. Records are
// overwritten, never deleted; expiry is a comparison at read time.
type RateLimitStore interface {
	LastAction(ctx context.Context, userID, action string) (time.Time, bool, error)
	RecordAction(ctx context.Context, userID, action string, at time.Time) error
}

// PersonaStore persists the character records the ritual workflow updates.
type PersonaStore interface {
	CreatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error)
	GetPersona(ctx context.Context, id string) (persona.Persona, error)
	UpdateVisualProfile(ctx context.Context, id string, profile persona.VisualProfile) (persona.Persona, error)
}
