// Package ledger defines the credit account and its append-only
// transaction log. The balance column is a denormalized read model; the log
// is the source of truth and the conservation invariant
// (initial + sum(amounts) == balance) must hold at all times.
package ledger

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionCharge  TransactionType = "charge"
	TransactionRefund  TransactionType = "refund"
	TransactionDeposit TransactionType = "deposit"
)

// Account is a credit wallet. It is distinct from the requesting user
// identity: several identities may bill the same account.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is signed: charges are
// negative, refunds and deposits positive.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}
