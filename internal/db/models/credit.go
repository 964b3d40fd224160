package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds appended to the credit ledger.
const (
	TxnReserve  = "reserve"
	TxnFinalize = "finalize"
	TxnRollback = "rollback"
	TxnTopUp    = "topup"
)

// CreditAccount is the prepaid balance for one tenant. The Version column
// backs optimistic concurrency: every committed mutation increments it, and
// writers compare-and-swap against the value they read.
//
// Invariant at every committed state:
//
//	credits_remaining = credits_total - credits_used >= 0
type CreditAccount struct {
	ID           string          `gorm:"primaryKey"` // UUID
	TenantID     string          `gorm:"uniqueIndex;not null"`
	CreditsTotal decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreditsUsed  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Version      int64           `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreditsRemaining derives the spendable balance.
func (a *CreditAccount) CreditsRemaining() decimal.Decimal {
	return a.CreditsTotal.Sub(a.CreditsUsed)
}

// CreditTransaction is one immutable ledger row. Rows are append-only: they
// are never updated (except flipping Settled on a reserve row) and never
// deleted. The sum of settled amounts reconciles with CreditsUsed.
type CreditTransaction struct {
	ID        string          `gorm:"primaryKey"` // UUID, doubles as reservation id for reserve rows
	AccountID string          `gorm:"index;not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,8)"` // signed delta applied to credits_used
	Kind      string          `gorm:"index;not null"`
	Note      string
	Settled   bool            `gorm:"default:false"` // reserve rows only: set once finalized or rolled back
	CreatedAt time.Time       `gorm:"index"`
}
