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

// CreateRepaymentInput carries the caller-supplied fields for a repayment.
type CreateRepaymentInput struct {
	LoanID      uuid.UUID
	Amount      decimal.Decimal
	PaymentDate time.Time
}

// CreateRepayment records a payment against a loan: it persists the
// repayment, moves the cash on the linked account, writes the mirrored
// transaction and recomputes the loan's remaining amount and status.
//
// Preconditions are checked before any write: the amount must be positive,
// the loan must exist, must not be settled, and the amount must not exceed
// the outstanding balance.
func (l *Ledger) CreateRepayment(ctx context.Context, input CreateRepaymentInput) (*models.Repayment, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	unlock := l.locks.lock(input.LoanID)
	defer unlock()

	now := time.Now().UTC()
	paymentDate := input.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	repayment := &models.Repayment{
		ID:          uuid.New(),
		LoanID:      input.LoanID,
		Amount:      input.Amount,
		PaymentDate: paymentDate,
		CreatedAt:   now,
	}

	var loan *models.Loan
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		var err error
		loan, err = s.GetLoan(ctx, input.LoanID)
		if err != nil {
			return err
		}
		if loan.RemainingAmount.LessThanOrEqual(decimal.Zero) {
			return ErrAlreadySettled
		}
		if input.Amount.GreaterThan(loan.RemainingAmount) {
			return ErrExceedsRemaining
		}

		if err := s.CreateRepayment(ctx, repayment); err != nil {
			return err
		}
		if loan.AccountID != nil {
			// Paying down a taken loan removes cash; a repayment received
			// on a given loan adds it.
			delta := repayment.Amount
			if loan.Type == models.LoanTypeTaken {
				delta = delta.Neg()
			}
			if err := s.ApplyAccountDelta(ctx, *loan.AccountID, delta); err != nil {
				return err
			}
			if err := s.CreateTransaction(ctx, repaymentMirror(loan, repayment)); err != nil {
				return err
			}
		}

		loan.RemainingAmount = loan.RemainingAmount.Sub(repayment.Amount)
		loan.Status = models.DeriveStatus(loan.RemainingAmount, loan.PrincipalAmount)
		loan.UpdatedAt = now
		return s.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"repayment_id": repayment.ID,
		"amount":       repayment.Amount,
		"remaining":    loan.RemainingAmount,
		"status":       loan.Status,
	}).Info("repayment recorded")
	return repayment, nil
}

// GetRepayments returns a loan's repayments ordered by payment date.
func (l *Ledger) GetRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	return l.storage.GetRepaymentsByLoan(ctx, loanID)
}

// DeleteRepayment removes a repayment and undoes its effects: the mirrored
// transaction is deleted (best effort), the balance delta is reversed and
// the loan's remaining amount and status are restored.
func (l *Ledger) DeleteRepayment(ctx context.Context, id uuid.UUID) ([]Warning, error) {
	// The owning loan is needed for the lock key before any mutation.
	repayment, err := l.storage.GetRepayment(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(repayment.LoanID)
	defer unlock()

	var warnings []Warning
	err = l.storage.Atomic(ctx, func(s store.Storage) error {
		// Reload under the lock in case a concurrent delete won the race.
		repayment, err = s.GetRepayment(ctx, id)
		if err != nil {
			return err
		}
		loan, err := s.GetLoan(ctx, repayment.LoanID)
		if err != nil {
			return err
		}

		if err := s.DeleteRepayment(ctx, id); err != nil {
			return err
		}
		warnings, err = l.removeRepaymentMirror(ctx, s, loan, repayment)
		if err != nil {
			return err
		}
		if loan.AccountID != nil {
			delta := repayment.Amount
			if loan.Type == models.LoanTypeGiven {
				delta = delta.Neg()
			}
			if err := s.ApplyAccountDelta(ctx, *loan.AccountID, delta); err != nil {
				return err
			}
		}

		loan.RemainingAmount = loan.RemainingAmount.Add(repayment.Amount)
		loan.Status = models.DeriveStatus(loan.RemainingAmount, loan.PrincipalAmount)
		loan.UpdatedAt = time.Now().UTC()
		return s.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"repayment_id": id,
		"loan_id":      repayment.LoanID,
		"amount":       repayment.Amount,
	}).Info("repayment deleted")
	return warnings, nil
}
