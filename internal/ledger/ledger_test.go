package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T, balance int64) (*Ledger, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite memory db: %v", err)
	}
	if err := db.AutoMigrate(&models.CreditAccount{}, &models.CreditTransaction{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	accountID := uuid.NewString()
	if err := db.Create(&models.CreditAccount{
		ID:           accountID,
		TenantID:     uuid.NewString(),
		CreditsTotal: decimal.NewFromInt(balance),
		CreditsUsed:  decimal.Zero,
	}).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return New(db), accountID
}

func remaining(t *testing.T, l *Ledger, accountID string) decimal.Decimal {
	t.Helper()
	account, err := l.Account(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	return account.CreditsRemaining()
}

func TestReserve_DebitsEstimate(t *testing.T) {
	l, account := newTestLedger(t, 100)

	resID, err := l.Reserve(context.Background(), account, decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if resID == "" {
		t.Fatal("empty reservation id")
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("remaining = %s, want 70", got)
	}
}

func TestReserve_InsufficientCreditsMutatesNothing(t *testing.T) {
	l, account := newTestLedger(t, 100)

	_, err := l.Reserve(context.Background(), account, decimal.NewFromInt(150))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("remaining = %s, want untouched 100", got)
	}

	var count int64
	l.db.Model(&models.CreditTransaction{}).Count(&count)
	if count != 0 {
		t.Errorf("failed reserve wrote %d transaction rows, want 0", count)
	}
}

func TestFinalize_SettlesAtActualCost(t *testing.T) {
	l, account := newTestLedger(t, 100)
	ctx := context.Background()

	resID, err := l.Reserve(ctx, account, decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	// Actual usage came in under the estimate.
	if err := l.Finalize(ctx, resID, decimal.NewFromInt(25)); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(75)) {
		t.Errorf("remaining = %s, want 75", got)
	}

	// The reservation settles exactly once.
	if err := l.Finalize(ctx, resID, decimal.NewFromInt(25)); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second Finalize = %v, want ErrAlreadySettled", err)
	}
	if err := l.Rollback(ctx, resID); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Rollback after Finalize = %v, want ErrAlreadySettled", err)
	}
}

func TestFinalize_OverrunIsCappedAtZeroRemaining(t *testing.T) {
	l, account := newTestLedger(t, 50)
	ctx := context.Background()

	resID, err := l.Reserve(ctx, account, decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := l.Finalize(ctx, resID, decimal.NewFromInt(70)); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.Zero) {
		t.Errorf("remaining = %s, want 0 (never negative)", got)
	}
}

func TestRollback_RestoresBalance(t *testing.T) {
	l, account := newTestLedger(t, 100)
	ctx := context.Background()

	resID, err := l.Reserve(ctx, account, decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := l.Rollback(ctx, resID); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("remaining = %s, want 100", got)
	}

	if err := l.Rollback(ctx, resID); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second Rollback = %v, want ErrAlreadySettled", err)
	}
}

func TestRollback_UnknownReservation(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	if err := l.Rollback(context.Background(), uuid.NewString()); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestTopUp_IncreasesTotal(t *testing.T) {
	l, account := newTestLedger(t, 10)

	if err := l.TopUp(context.Background(), account, decimal.NewFromInt(90), "manual top-up"); err != nil {
		t.Fatalf("TopUp error: %v", err)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("remaining = %s, want 100", got)
	}

	if err := l.TopUp(context.Background(), account, decimal.NewFromInt(-5), "bad"); err == nil {
		t.Error("negative top-up should be rejected")
	}
}

func TestConcurrentReserves_ExactAdmissionCount(t *testing.T) {
	// Balance 55, 10 concurrent requests costing 10 each: exactly 5 succeed.
	l, account := newTestLedger(t, 55)
	cost := decimal.NewFromInt(10)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Reserve(context.Background(), account, cost)
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 5 || rejected != 5 {
		t.Errorf("succeeded=%d rejected=%d, want 5/5", succeeded, rejected)
	}
	if got := remaining(t, l, account); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("final remaining = %s, want 5", got)
	}
}

func TestLedger_ReconcilesWithTransactionSum(t *testing.T) {
	// credits_used must equal the sum of reserve/finalize/rollback amounts
	// after any interleaving of sagas.
	l, account := newTestLedger(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resID, err := l.Reserve(ctx, account, decimal.NewFromInt(20))
			if err != nil {
				return
			}
			switch i % 3 {
			case 0:
				l.Finalize(ctx, resID, decimal.NewFromInt(13))
			case 1:
				l.Rollback(ctx, resID)
			default:
				// leave reserved
			}
		}(i)
	}
	wg.Wait()

	account2, err := l.Account(ctx, account)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}

	var txns []models.CreditTransaction
	if err := l.db.Where("account_id = ? AND kind <> ?", account, models.TxnTopUp).Find(&txns).Error; err != nil {
		t.Fatalf("load transactions: %v", err)
	}
	sum := decimal.Zero
	for _, txn := range txns {
		sum = sum.Add(txn.Amount)
	}
	if !sum.Equal(account2.CreditsUsed) {
		t.Errorf("transaction sum %s != credits_used %s", sum, account2.CreditsUsed)
	}
	if account2.CreditsRemaining().IsNegative() {
		t.Errorf("remaining went negative: %s", account2.CreditsRemaining())
	}
}
