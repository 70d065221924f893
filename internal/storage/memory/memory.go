// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/domain/persona"
	"github.com/plurapp/ai-engine/internal/storage"
)

// Store holds everything behind one mutex, like a single-node document
// store with per-write atomicity.
type Store struct {
	mu           sync.RWMutex
	jobs         map[string]job.Job
	accounts     map[string]ledger.Account
	transactions map[string][]ledger.Transaction
	rateLimits   map[string]time.Time
	personas     map[string]persona.Persona
}

var _ storage.JobStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RateLimitStore = (*Store)(nil)
var _ storage.PersonaStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:         make(map[string]job.Job),
		accounts:     make(map[string]ledger.Account),
		transactions: make(map[string][]ledger.Transaction),
		rateLimits:   make(map[string]time.Time),
		personas:     make(map[string]persona.Persona),
	}
}

// JobStore implementation ----------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.New().String()
	} else if _, exists := s.jobs[j.ID]; exists {
		return job.Job{}, fmt.Errorf("job %s already exists", j.ID)
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	s.jobs[j.ID] = cloneJob(j)
	return cloneJob(j), nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	return cloneJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.jobs[j.ID]
	if !ok {
		return job.Job{}, apperr.Newf(apperr.CodeNotFound, "job %s not found", j.ID)
	}
	if j.Status != original.Status && !job.CanTransition(original.Status, j.Status) {
		return job.Job{}, apperr.Newf(apperr.CodeFailedPrecondition,
			"invalid status transition %s -> %s for job %s", original.Status, j.Status, j.ID)
	}

	j.CreatedAt = original.CreatedAt
	j.UpdatedAt = time.Now().UTC()

	s.jobs[j.ID] = cloneJob(j)
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, ownerID string, statuses []job.Status) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]job.Job, 0)
	for _, j := range s.jobs {
		if ownerID != "" && j.OwnerID != ownerID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, j.Status) {
			continue
		}
		result = append(result, cloneJob(j))
	}
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.Before(result[b].CreatedAt) })
	return result, nil
}

func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	return s.ListJobs(ctx, "", []job.Status{status})
}

func (s *Store) CountActiveJobs(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && (j.Status == job.StatusQueued || j.Status == job.StatusRunning) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ClaimJob(_ context.Context, id string) (job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	if j.Status != job.StatusQueued {
		return cloneJob(j), false, nil
	}

	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = cloneJob(j)
	return cloneJob(j), true, nil
}

func (s *Store) RequeueJob(_ context.Context, id string) (job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	if j.Status != job.StatusFailed && j.Status != job.StatusCancelled {
		return cloneJob(j), false, nil
	}
	if j.Metadata.Attempts >= j.Metadata.MaxAttempts {
		return cloneJob(j), false, nil
	}

	j.Status = job.StatusQueued
	j.Metadata.Attempts++
	j.Result = nil
	j.Error = nil
	j.Progress = job.Progress{Percent: 0, Stage: "retrying"}
	j.UpdatedAt = time.Now().UTC()

	s.jobs[id] = cloneJob(j)
	return cloneJob(j), true, nil
}

func (s *Store) CancelJob(_ context.Context, id string) (job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	if j.Status.Terminal() {
		return cloneJob(j), false, nil
	}

	j.Status = job.StatusCancelled
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = cloneJob(j)
	return cloneJob(j), true, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.New().String()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return ledger.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	if acct.Credits < 0 {
		return ledger.Account{}, apperr.New(apperr.CodeInvalidArgument, "initial credits cannot be negative")
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, apperr.Newf(apperr.CodeNotFound, "account %s not found", id)
	}
	return acct, nil
}

func (s *Store) ApplyTransaction(_ context.Context, tx ledger.Transaction) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[tx.AccountID]
	if !ok {
		return ledger.Account{}, apperr.Newf(apperr.CodeNotFound, "account %s not found", tx.AccountID)
	}
	if acct.Credits+tx.Amount < 0 {
		return ledger.Account{}, apperr.ErrInsufficientCredits
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.CreatedAt = time.Now().UTC()

	acct.Credits += tx.Amount
	acct.UpdatedAt = tx.CreatedAt
	s.accounts[tx.AccountID] = acct
	s.transactions[tx.AccountID] = append(s.transactions[tx.AccountID], tx)
	return acct, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.transactions[accountID]
	result := append([]ledger.Transaction(nil), entries...)
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.After(result[b].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RateLimitStore implementation -----------------------------------------------

func rateLimitKey(userID, action string) string { return userID + "\x00" + action }

func (s *Store) LastAction(_ context.Context, userID, action string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.rateLimits[rateLimitKey(userID, action)]
	return at, ok, nil
}

func (s *Store) RecordAction(_ context.Context, userID, action string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rateLimits[rateLimitKey(userID, action)] = at
	return nil
}

// PersonaStore implementation -------------------------------------------------

func (s *Store) CreatePersona(_ context.Context, p persona.Persona) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	} else if _, exists := s.personas[p.ID]; exists {
		return persona.Persona{}, fmt.Errorf("persona %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.personas[p.ID] = p
	return p, nil
}

func (s *Store) GetPersona(_ context.Context, id string) (persona.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.personas[id]
	if !ok {
		return persona.Persona{}, apperr.Newf(apperr.CodeNotFound, "persona %s not found", id)
	}
	return p, nil
}

func (s *Store) UpdateVisualProfile(_ context.Context, id string, profile persona.VisualProfile) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personas[id]
	if !ok {
		return persona.Persona{}, apperr.Newf(apperr.CodeNotFound, "persona %s not found", id)
	}

	profile.UpdatedAt = time.Now().UTC()
	p.Visual = profile
	p.UpdatedAt = profile.UpdatedAt
	s.personas[id] = p
	return p, nil
}

// Helpers ---------------------------------------------------------------------

func containsStatus(statuses []job.Status, s job.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneJob(j job.Job) job.Job {
	j.Params.ReferenceImageURLs = append([]string(nil), j.Params.ReferenceImageURLs...)
	j.Params.Messages = append([]job.Message(nil), j.Params.Messages...)
	if j.Params.Context != nil {
		ctx := *j.Params.Context
		j.Params.Context = &ctx
	}
	if j.Result != nil {
		res := *j.Result
		res.Images = append([]string(nil), res.Images...)
		j.Result = &res
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		j.CompletedAt = &at
	}
	return j
}
