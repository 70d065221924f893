// Package ledger provides atomic credit accounting: charges, refunds,
// deposits and the transaction log behind them.
package ledger

import (
	"context"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Service mediates every balance mutation. Each mutation pairs the balance
// adjustment with a transaction record inside one atomic store operation.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// Charge debits amount from the account. Fails with insufficient credits
// when the balance cannot cover it, leaving balance and log untouched.
func (s *Service) Charge(ctx context.Context, accountID string, amount int64, description string) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "charge amount must be positive")
	}
	_, err := s.store.ApplyTransaction(ctx, ledger.Transaction{
		AccountID:   accountID,
		Amount:      -amount,
		Type:        ledger.TransactionCharge,
		Description: description,
	})
	if err != nil {
		return err
	}
	s.log.WithField("account_id", accountID).Infof("charged %d credits: %s", amount, description)
	return nil
}

// Refund credits amount back to the account. The amount is trusted to be
// the originally charged cost; no reconciliation against prior charges
// happens here.
func (s *Service) Refund(ctx context.Context, accountID string, amount int64, description string) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "refund amount must be positive")
	}
	_, err := s.store.ApplyTransaction(ctx, ledger.Transaction{
		AccountID:   accountID,
		Amount:      amount,
		Type:        ledger.TransactionRefund,
		Description: "REFUND: " + description,
	})
	if err != nil {
		return err
	}
	s.log.WithField("account_id", accountID).Infof("refunded %d credits: %s", amount, description)
	return nil
}

// Deposit adds purchased or rewarded credits to the account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, description string) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "deposit amount must be positive")
	}
	_, err := s.store.ApplyTransaction(ctx, ledger.Transaction{
		AccountID:   accountID,
		Amount:      amount,
		Type:        ledger.TransactionDeposit,
		Description: description,
	})
	return err
}

// Balance returns the current credit balance.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Credits, nil
}

// Transactions returns the most recent ledger entries for an account.
func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, accountID, limit)
}
