// Package ledger implements the prepaid credit saga: reserve an estimated
// cost before the provider call, then finalize against actual usage or roll
// the reservation back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientCredits: the account cannot cover the reservation.
	// Nothing was mutated.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrConflict: concurrent writers exhausted the bounded CAS retries.
	ErrConflict = errors.New("billing conflict, retry later")
	// ErrReservationNotFound: unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrAlreadySettled: the reservation was already finalized or rolled back.
	ErrAlreadySettled = errors.New("reservation already settled")
)

// errVersionConflict signals a lost CAS race inside a transaction.
var errVersionConflict = errors.New("account version conflict")

const maxConflictRetries = 5

// Ledger serializes all balance mutations per account. In-process callers
// are ordered by a per-account mutex; the optimistic version check inside
// each transaction keeps the check-then-write atomic against writers in
// other processes sharing the database.
type Ledger struct {
	db    *gorm.DB
	locks sync.Map // account id -> *sync.Mutex
}

// New builds a ledger over the given store.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) lock(accountID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Reserve atomically debits the estimate from the account and appends a
// reserve transaction whose id doubles as the reservation id. Fails with
// ErrInsufficientCredits, mutating nothing, when the balance cannot cover
// the estimate.
func (l *Ledger) Reserve(ctx context.Context, accountID string, estimated decimal.Decimal) (string, error) {
	if estimated.IsNegative() {
		return "", fmt.Errorf("negative reservation amount %s", estimated)
	}

	mu := l.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	reservationID := uuid.NewString()
	err := l.withConflictRetry(ctx, func(tx *gorm.DB) error {
		var account models.CreditAccount
		if err := tx.First(&account, "id = ?", accountID).Error; err != nil {
			return err
		}
		if account.CreditsRemaining().LessThan(estimated) {
			return ErrInsufficientCredits
		}
		if err := l.casUpdate(tx, &account, map[string]any{
			"credits_used": account.CreditsUsed.Add(estimated),
		}); err != nil {
			return err
		}
		return tx.Create(&models.CreditTransaction{
			ID:        reservationID,
			AccountID: accountID,
			Amount:    estimated,
			Kind:      models.TxnReserve,
			Note:      "estimated cost reservation",
		}).Error
	})
	if err != nil {
		return "", err
	}
	return reservationID, nil
}

// Finalize settles a reservation against actual usage: credits_used moves by
// the delta between actual and estimated (negative when the call came in
// under the estimate). The charge is capped so the committed balance never
// drops below zero even if actual usage overran the estimate.
func (l *Ledger) Finalize(ctx context.Context, reservationID string, actual decimal.Decimal) error {
	reservation, err := l.reservation(ctx, reservationID)
	if err != nil {
		return err
	}

	mu := l.lock(reservation.AccountID)
	mu.Lock()
	defer mu.Unlock()

	return l.withConflictRetry(ctx, func(tx *gorm.DB) error {
		res, err := l.unsettledReservation(tx, reservationID)
		if err != nil {
			return err
		}
		var account models.CreditAccount
		if err := tx.First(&account, "id = ?", res.AccountID).Error; err != nil {
			return err
		}

		delta := actual.Sub(res.Amount)
		newUsed := account.CreditsUsed.Add(delta)
		if newUsed.GreaterThan(account.CreditsTotal) {
			delta = account.CreditsTotal.Sub(account.CreditsUsed)
			newUsed = account.CreditsTotal
		}
		if err := l.casUpdate(tx, &account, map[string]any{"credits_used": newUsed}); err != nil {
			return err
		}
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", res.ID).
			Update("settled", true).Error; err != nil {
			return err
		}
		return tx.Create(&models.CreditTransaction{
			ID:        uuid.NewString(),
			AccountID: res.AccountID,
			Amount:    delta,
			Kind:      models.TxnFinalize,
			Note:      "settlement for reservation " + reservationID,
		}).Error
	})
}

// Rollback reverses an unsettled reservation in full. Used when the provider
// call never completed.
func (l *Ledger) Rollback(ctx context.Context, reservationID string) error {
	reservation, err := l.reservation(ctx, reservationID)
	if err != nil {
		return err
	}

	mu := l.lock(reservation.AccountID)
	mu.Lock()
	defer mu.Unlock()

	return l.withConflictRetry(ctx, func(tx *gorm.DB) error {
		res, err := l.unsettledReservation(tx, reservationID)
		if err != nil {
			return err
		}
		var account models.CreditAccount
		if err := tx.First(&account, "id = ?", res.AccountID).Error; err != nil {
			return err
		}
		if err := l.casUpdate(tx, &account, map[string]any{
			"credits_used": account.CreditsUsed.Sub(res.Amount),
		}); err != nil {
			return err
		}
		if err := tx.Model(&models.CreditTransaction{}).Where("id = ?", res.ID).
			Update("settled", true).Error; err != nil {
			return err
		}
		return tx.Create(&models.CreditTransaction{
			ID:        uuid.NewString(),
			AccountID: res.AccountID,
			Amount:    res.Amount.Neg(),
			Kind:      models.TxnRollback,
			Note:      "rollback of reservation " + reservationID,
		}).Error
	})
}

// TopUp adds credits to the account total. Manual top-ups from the
// administration surface are just another transaction kind.
func (l *Ledger) TopUp(ctx context.Context, accountID string, amount decimal.Decimal, note string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("top-up amount must be positive, got %s", amount)
	}

	mu := l.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	return l.withConflictRetry(ctx, func(tx *gorm.DB) error {
		var account models.CreditAccount
		if err := tx.First(&account, "id = ?", accountID).Error; err != nil {
			return err
		}
		if err := l.casUpdate(tx, &account, map[string]any{
			"credits_total": account.CreditsTotal.Add(amount),
		}); err != nil {
			return err
		}
		return tx.Create(&models.CreditTransaction{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Amount:    amount,
			Kind:      models.TxnTopUp,
			Note:      note,
			Settled:   true,
		}).Error
	})
}

// Account returns the current committed account state.
func (l *Ledger) Account(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	var account models.CreditAccount
	if err := l.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// withConflictRetry runs fn in a transaction, retrying a bounded number of
// times when the optimistic version check loses a race.
func (l *Ledger) withConflictRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = l.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, errVersionConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return ErrConflict
}

// casUpdate writes the given columns guarded by the account version the
// caller read. Zero rows affected means another writer got there first.
func (l *Ledger) casUpdate(tx *gorm.DB, account *models.CreditAccount, updates map[string]any) error {
	updates["version"] = account.Version + 1
	result := tx.Model(&models.CreditAccount{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errVersionConflict
	}
	return nil
}

func (l *Ledger) reservation(ctx context.Context, reservationID string) (*models.CreditTransaction, error) {
	var res models.CreditTransaction
	err := l.db.WithContext(ctx).First(&res, "id = ? AND kind = ?", reservationID, models.TxnReserve).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (l *Ledger) unsettledReservation(tx *gorm.DB, reservationID string) (*models.CreditTransaction, error) {
	var res models.CreditTransaction
	err := tx.First(&res, "id = ? AND kind = ?", reservationID, models.TxnReserve).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if res.Settled {
		return nil, ErrAlreadySettled
	}
	return &res, nil
}
