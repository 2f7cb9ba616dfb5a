package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rcastell/loanbook/pkg/models"
	"github.com/rcastell/loanbook/pkg/store"
)

// Drift below this threshold is left alone; anything larger gets corrected.
var reconcileEpsilon = decimal.NewFromFloat(0.01)

// ReconcileLoan recomputes a loan's remaining amount from its repayment
// history and persists the correction when the stored value has drifted
// beyond epsilon. It is idempotent and never touches the account balance:
// balances are owned exclusively by the lifecycle operations.
func (l *Ledger) ReconcileLoan(ctx context.Context, loanID uuid.UUID) (bool, error) {
	unlock := l.locks.lock(loanID)
	defer unlock()

	var corrected bool
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		repayments, err := s.GetRepaymentsByLoan(ctx, loanID)
		if err != nil {
			return err
		}

		totalRepaid := decimal.Zero
		for _, r := range repayments {
			totalRepaid = totalRepaid.Add(r.Amount)
		}
		calculated := loan.PrincipalAmount.Sub(totalRepaid)
		if calculated.IsNegative() {
			calculated = decimal.Zero
		}

		if calculated.Sub(loan.RemainingAmount).Abs().LessThanOrEqual(reconcileEpsilon) {
			return nil
		}

		l.log.WithFields(logrus.Fields{
			"loan_id":    loan.ID,
			"stored":     loan.RemainingAmount,
			"calculated": calculated,
		}).Warn("remaining amount drifted, correcting")

		loan.RemainingAmount = calculated
		loan.Status = models.DeriveStatus(calculated, loan.PrincipalAmount)
		loan.UpdatedAt = time.Now().UTC()
		corrected = true
		return s.UpdateLoan(ctx, loan)
	})
	return corrected, err
}

// ReconcileUser runs the self-heal pass over every loan a user owns and
// returns how many loans were corrected.
func (l *Ledger) ReconcileUser(ctx context.Context, userID string) (int, error) {
	loans, err := l.storage.GetLoansByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return l.reconcileLoans(ctx, loans)
}

// ReconcileAll runs the self-heal pass over every loan in the store.
func (l *Ledger) ReconcileAll(ctx context.Context) (int, error) {
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return 0, err
	}
	return l.reconcileLoans(ctx, loans)
}

func (l *Ledger) reconcileLoans(ctx context.Context, loans []*models.Loan) (int, error) {
	corrected := 0
	for _, loan := range loans {
		changed, err := l.ReconcileLoan(ctx, loan.ID)
		if err != nil {
			return corrected, err
		}
		if changed {
			corrected++
		}
	}
	return corrected, nil
}
