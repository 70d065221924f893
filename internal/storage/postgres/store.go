// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/domain/persona"
	"github.com/plurapp/ai-engine/internal/storage"
)

// Schema is the DDL for the engine's tables. Attempt counters and cost live
// in columns, not in a JSON blob, so retry and claim guards stay plain SQL.
const Schema = `
CREATE TABLE IF NOT EXISTS ai_jobs (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	params        JSONB NOT NULL,
	result        JSONB,
	error         JSONB,
	progress      JSONB NOT NULL,
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	cost_estimate BIGINT NOT NULL DEFAULT 0,
	attempts      INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL DEFAULT 3,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ai_jobs_owner_status_idx ON ai_jobs (owner_id, status);
CREATE INDEX IF NOT EXISTS ai_jobs_status_idx ON ai_jobs (status);

CREATE TABLE IF NOT EXISTS credit_accounts (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	credits    BIGINT NOT NULL CHECK (credits >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES credit_accounts (id),
	amount      BIGINT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS credit_transactions_account_idx ON credit_transactions (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rate_limits (
	user_id        TEXT NOT NULL,
	action         TEXT NOT NULL,
	last_action_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, action)
);

CREATE TABLE IF NOT EXISTS personas (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	traits     TEXT NOT NULL DEFAULT '',
	visual     JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.JobStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RateLimitStore = (*Store)(nil)
var _ storage.PersonaStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the DDL. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// jobRow is the scan target for ai_jobs.
type jobRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	AccountID    string         `db:"account_id"`
	Type         string         `db:"type"`
	Status       string         `db:"status"`
	Params       []byte         `db:"params"`
	Result       []byte         `db:"result"`
	Error        []byte         `db:"error"`
	Progress     []byte         `db:"progress"`
	Provider     string         `db:"provider"`
	Model        string         `db:"model"`
	FallbackUsed bool           `db:"fallback_used"`
	CostEstimate int64          `db:"cost_estimate"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	DurationMS   int64          `db:"duration_ms"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

const jobColumns = `id, owner_id, account_id, type, status, params, result, error, progress,
	provider, model, fallback_used, cost_estimate, attempts, max_attempts,
	duration_ms, created_at, updated_at, completed_at`

func (r jobRow) toDomain() (job.Job, error) {
	j := job.Job{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		AccountID: r.AccountID,
		Type:      job.Type(r.Type),
		Status:    job.Status(r.Status),
		Metadata: job.Metadata{
			Provider:     r.Provider,
			Model:        r.Model,
			FallbackUsed: r.FallbackUsed,
			CostEstimate: r.CostEstimate,
			Attempts:     r.Attempts,
			MaxAttempts:  r.MaxAttempts,
		},
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Params, &j.Params); err != nil {
		return job.Job{}, err
	}
	if err := json.Unmarshal(r.Progress, &j.Progress); err != nil {
		return job.Job{}, err
	}
	if len(r.Result) > 0 {
		j.Result = &job.Result{}
		if err := json.Unmarshal(r.Result, j.Result); err != nil {
			return job.Job{}, err
		}
	}
	if len(r.Error) > 0 {
		j.Error = &job.ErrorInfo{}
		if err := json.Unmarshal(r.Error, j.Error); err != nil {
			return job.Job{}, err
		}
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time
		j.CompletedAt = &at
	}
	return j, nil
}

func marshalOptional(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

// JobStore implementation ----------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return job.Job{}, err
	}
	progressJSON, err := json.Marshal(j.Progress)
	if err != nil {
		return job.Job{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_jobs (id, owner_id, account_id, type, status, params, progress,
			provider, model, fallback_used, cost_estimate, attempts, max_attempts,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, j.ID, j.OwnerID, j.AccountID, string(j.Type), string(j.Status), paramsJSON, progressJSON,
		j.Metadata.Provider, j.Metadata.Model, j.Metadata.FallbackUsed, j.Metadata.CostEstimate,
		j.Metadata.Attempts, j.Metadata.MaxAttempts, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	if err != nil {
		return job.Job{}, err
	}
	return row.toDomain()
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	existing, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status != existing.Status && !job.CanTransition(existing.Status, j.Status) {
		return job.Job{}, apperr.Newf(apperr.CodeFailedPrecondition,
			"invalid status transition %s -> %s for job %s", existing.Status, j.Status, j.ID)
	}

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return job.Job{}, err
	}
	progressJSON, err := json.Marshal(j.Progress)
	if err != nil {
		return job.Job{}, err
	}
	resultJSON, err := marshalOptional(j.Result, j.Result == nil)
	if err != nil {
		return job.Job{}, err
	}
	errorJSON, err := marshalOptional(j.Error, j.Error == nil)
	if err != nil {
		return job.Job{}, err
	}
	var completedAt sql.NullTime
	if j.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *j.CompletedAt, Valid: true}
	}

	j.UpdatedAt = time.Now().UTC()

	// The status guard re-checks the precondition at write time so a racing
	// writer cannot append an edge the graph does not have.
	res, err := s.db.ExecContext(ctx, `
		UPDATE ai_jobs SET status = $2, params = $3, result = $4, error = $5, progress = $6,
			provider = $7, model = $8, fallback_used = $9, cost_estimate = $10,
			attempts = $11, max_attempts = $12, duration_ms = $13,
			updated_at = $14, completed_at = $15
		WHERE id = $1 AND status = $16
	`, j.ID, string(j.Status), paramsJSON, resultJSON, errorJSON, progressJSON,
		j.Metadata.Provider, j.Metadata.Model, j.Metadata.FallbackUsed, j.Metadata.CostEstimate,
		j.Metadata.Attempts, j.Metadata.MaxAttempts, j.Duration.Milliseconds(),
		j.UpdatedAt, completedAt, string(existing.Status))
	if err != nil {
		return job.Job{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job.Job{}, apperr.Newf(apperr.CodeFailedPrecondition,
			"job %s changed concurrently", j.ID)
	}
	j.CreatedAt = existing.CreatedAt
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, ownerID string, statuses []job.Status) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ai_jobs WHERE ($1 = '' OR owner_id = $1)`
	args := []any{ownerID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY created_at`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]job.Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, nil
}

func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	return s.ListJobs(ctx, "", []job.Status{status})
}

func (s *Store) CountActiveJobs(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM ai_jobs
		WHERE owner_id = $1 AND status IN ('queued', 'running')
	`, ownerID)
	return count, err
}

func (s *Store) ClaimJob(ctx context.Context, id string) (job.Job, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE ai_jobs SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return job.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	j, err := row.toDomain()
	return j, err == nil, err
}

func (s *Store) RequeueJob(ctx context.Context, id string) (job.Job, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE ai_jobs SET status = 'queued', attempts = attempts + 1,
			result = NULL, error = NULL,
			progress = '{"percent":0,"stage":"retrying"}',
			updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'cancelled') AND attempts < max_attempts
		RETURNING `+jobColumns, id)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return job.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	j, err := row.toDomain()
	return j, err == nil, err
}

func (s *Store) CancelJob(ctx context.Context, id string) (job.Job, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE ai_jobs SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return job.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	j, err := row.toDomain()
	return j, err == nil, err
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Credits < 0 {
		return ledger.Account{}, apperr.New(apperr.CodeInvalidArgument, "initial credits cannot be negative")
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, owner_id, credits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, acct.ID, acct.OwnerID, acct.Credits, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var acct ledger.Account
	err := s.db.GetContext(ctx, &acct, `
		SELECT id, owner_id AS ownerid, credits, created_at AS createdat, updated_at AS updatedat
		FROM credit_accounts WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, apperr.Newf(apperr.CodeNotFound, "account %s not found", id)
	}
	return acct, err
}

// ApplyTransaction runs the balance adjustment and the log append inside a
// single serializable transaction: the SELECT ... FOR UPDATE pins the
// account row so concurrent charges cannot interleave into a lost update.
func (s *Store) ApplyTransaction(ctx context.Context, entry ledger.Transaction) (ledger.Account, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Account{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	var acct ledger.Account
	err = tx.GetContext(ctx, &acct, `
		SELECT id, owner_id AS ownerid, credits, created_at AS createdat, updated_at AS updatedat
		FROM credit_accounts WHERE id = $1 FOR UPDATE
	`, entry.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, apperr.Newf(apperr.CodeNotFound, "account %s not found", entry.AccountID)
	}
	if err != nil {
		return ledger.Account{}, err
	}

	if acct.Credits+entry.Amount < 0 {
		return ledger.Account{}, apperr.ErrInsufficientCredits
	}

	acct.Credits += entry.Amount
	acct.UpdatedAt = entry.CreatedAt
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts SET credits = $2, updated_at = $3 WHERE id = $1
	`, acct.ID, acct.Credits, acct.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.AccountID, entry.Amount, string(entry.Type), entry.Description, entry.CreatedAt); err != nil {
		return ledger.Account{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, account_id AS accountid, amount, type, description, created_at AS createdat
		FROM credit_transactions WHERE account_id = $1 ORDER BY created_at DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var entries []ledger.Transaction
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// RateLimitStore implementation -----------------------------------------------

func (s *Store) LastAction(ctx context.Context, userID, action string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, `
		SELECT last_action_at FROM rate_limits WHERE user_id = $1 AND action = $2
	`, userID, action)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *Store) RecordAction(ctx context.Context, userID, action string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (user_id, action, last_action_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, action) DO UPDATE SET last_action_at = EXCLUDED.last_action_at
	`, userID, action, at)
	return err
}

// PersonaStore implementation -------------------------------------------------

func (s *Store) CreatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	visualJSON, err := json.Marshal(p.Visual)
	if err != nil {
		return persona.Persona{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO personas (id, account_id, name, traits, visual, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.AccountID, p.Name, p.Traits, visualJSON, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return persona.Persona{}, err
	}
	return p, nil
}

func (s *Store) GetPersona(ctx context.Context, id string) (persona.Persona, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, name, traits, visual, created_at, updated_at
		FROM personas WHERE id = $1
	`, id)

	var (
		p         persona.Persona
		visualRaw []byte
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.Traits, &visualRaw, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persona.Persona{}, apperr.Newf(apperr.CodeNotFound, "persona %s not found", id)
	}
	if err != nil {
		return persona.Persona{}, err
	}
	if len(visualRaw) > 0 {
		if err := json.Unmarshal(visualRaw, &p.Visual); err != nil {
			return persona.Persona{}, err
		}
	}
	return p, nil
}

func (s *Store) UpdateVisualProfile(ctx context.Context, id string, profile persona.VisualProfile) (persona.Persona, error) {
	profile.UpdatedAt = time.Now().UTC()
	visualJSON, err := json.Marshal(profile)
	if err != nil {
		return persona.Persona{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE personas SET visual = $2, updated_at = $3 WHERE id = $1
	`, id, visualJSON, profile.UpdatedAt)
	if err != nil {
		return persona.Persona{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return persona.Persona{}, apperr.Newf(apperr.CodeNotFound, "persona %s not found", id)
	}
	return s.GetPersona(ctx, id)
}
