package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rcastell/loanbook/pkg/models"
	"github.com/rcastell/loanbook/pkg/store"
)

var (
	ErrInvalidPrincipal = errors.New("principal amount must be positive")
	ErrInvalidAmount    = errors.New("repayment amount must be positive")
	ErrInvalidLoanType  = errors.New("invalid loan type")
	ErrAlreadySettled   = errors.New("loan is already settled")
	ErrExceedsRemaining = errors.New("repayment amount exceeds remaining balance")
)

// Ledger orchestrates loan and repayment lifecycles against the Storage
// collaborators, keeping the account balance, the loan's remaining amount
// and the mirrored transaction record consistent with each other.
//
// Every mutation of a given loan runs under a per-loan lock and inside a
// storage transaction, so concurrent submissions against the same loan are
// serialized and multi-step writes commit or roll back together.
type Ledger struct {
	storage store.Storage
	log     *logrus.Logger
	locks   *keyedMutex
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log *logrus.Logger) *Ledger {
	return &Ledger{
		storage: s,
		log:     log,
		locks:   newKeyedMutex(),
	}
}

// CreateLoanInput carries the caller-supplied fields for a new loan.
type CreateLoanInput struct {
	UserID          string
	AccountID       *uuid.UUID
	Type            models.LoanType
	PartyName       string
	PrincipalAmount decimal.Decimal
	InterestRate    *decimal.Decimal
	DueDate         *time.Time
}

// LoanUpdate is a partial update; nil fields keep their current value.
type LoanUpdate struct {
	AccountID       *uuid.UUID
	Type            *models.LoanType
	PartyName       *string
	PrincipalAmount *decimal.Decimal
	InterestRate    *decimal.Decimal
	DueDate         *time.Time
}

// contribution is the net effect a loan has on its account balance:
// taking a loan brings cash in, giving one sends cash out.
func contribution(loanType models.LoanType, principal decimal.Decimal) decimal.Decimal {
	if loanType == models.LoanTypeTaken {
		return principal
	}
	return principal.Neg()
}

// CreateLoan persists a new loan with remaining = principal, applies the
// principal to the linked account and writes the mirrored transaction.
func (l *Ledger) CreateLoan(ctx context.Context, input CreateLoanInput) (*models.Loan, error) {
	if input.PrincipalAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidPrincipal
	}
	if !input.Type.Valid() {
		return nil, ErrInvalidLoanType
	}

	now := time.Now().UTC()
	loan := &models.Loan{
		ID:              uuid.New(),
		UserID:          input.UserID,
		AccountID:       input.AccountID,
		Type:            input.Type,
		PartyName:       input.PartyName,
		PrincipalAmount: input.PrincipalAmount,
		RemainingAmount: input.PrincipalAmount,
		InterestRate:    input.InterestRate,
		DueDate:         input.DueDate,
		Status:          models.LoanStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		if err := s.CreateLoan(ctx, loan); err != nil {
			return err
		}
		if loan.AccountID == nil {
			return nil
		}
		if err := s.ApplyAccountDelta(ctx, *loan.AccountID, contribution(loan.Type, loan.PrincipalAmount)); err != nil {
			return err
		}
		return s.CreateTransaction(ctx, loanMirror(loan, now))
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":   loan.ID,
		"user_id":   loan.UserID,
		"type":      loan.Type,
		"principal": loan.PrincipalAmount,
	}).Info("loan created")
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ListLoans returns a user's loans, reconciling each one first so callers
// always see a remaining amount consistent with the repayment history.
func (l *Ledger) ListLoans(ctx context.Context, userID string) ([]*models.Loan, error) {
	if _, err := l.ReconcileUser(ctx, userID); err != nil {
		return nil, err
	}
	return l.storage.GetLoansByUser(ctx, userID)
}

// UpdateLoan applies a partial update, moves the balance contribution from
// the old terms (and old account) to the new ones, and rewrites the mirrored
// transaction. A mirror-lookup miss is non-fatal and reported as a warning.
func (l *Ledger) UpdateLoan(ctx context.Context, id uuid.UUID, update LoanUpdate) (*models.Loan, []Warning, error) {
	if update.PrincipalAmount != nil && update.PrincipalAmount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidPrincipal
	}
	if update.Type != nil && !update.Type.Valid() {
		return nil, nil, ErrInvalidLoanType
	}

	unlock := l.locks.lock(id)
	defer unlock()

	var updated *models.Loan
	var warnings []Warning
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, id)
		if err != nil {
			return err
		}

		old := *loan
		if update.AccountID != nil {
			loan.AccountID = update.AccountID
		}
		if update.Type != nil {
			loan.Type = *update.Type
		}
		if update.PartyName != nil {
			loan.PartyName = *update.PartyName
		}
		if update.PrincipalAmount != nil {
			loan.PrincipalAmount = *update.PrincipalAmount
		}
		if update.InterestRate != nil {
			loan.InterestRate = update.InterestRate
		}
		if update.DueDate != nil {
			loan.DueDate = update.DueDate
		}

		// Remaining is recomputed from the repayment history so a principal
		// change cannot break the ledger invariant.
		repayments, err := s.GetRepaymentsByLoan(ctx, id)
		if err != nil {
			return err
		}
		totalRepaid := decimal.Zero
		for _, r := range repayments {
			totalRepaid = totalRepaid.Add(r.Amount)
		}
		loan.RemainingAmount = loan.PrincipalAmount.Sub(totalRepaid)
		if loan.RemainingAmount.IsNegative() {
			loan.RemainingAmount = decimal.Zero
		}
		loan.Status = models.DeriveStatus(loan.RemainingAmount, loan.PrincipalAmount)
		loan.UpdatedAt = time.Now().UTC()

		if err := s.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		if old.AccountID != nil {
			if err := s.ApplyAccountDelta(ctx, *old.AccountID, contribution(old.Type, old.PrincipalAmount).Neg()); err != nil {
				return err
			}
		}
		if loan.AccountID != nil {
			if err := s.ApplyAccountDelta(ctx, *loan.AccountID, contribution(loan.Type, loan.PrincipalAmount)); err != nil {
				return err
			}
		}

		warnings, err = l.rewriteLoanMirror(ctx, s, &old, loan)
		if err != nil {
			return err
		}
		updated = loan
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":   updated.ID,
		"principal": updated.PrincipalAmount,
		"remaining": updated.RemainingAmount,
		"status":    updated.Status,
	}).Info("loan updated")
	return updated, warnings, nil
}

// DeleteLoan removes a loan, its mirrored transaction and its repayments,
// and reverses the outstanding portion of the balance. Only the remaining
// amount is reversed: already-repaid portions were reconciled by their own
// repayment events.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) ([]Warning, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	var warnings []Warning
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, id)
		if err != nil {
			return err
		}

		warnings, err = l.removeLoanMirror(ctx, s, loan)
		if err != nil {
			return err
		}
		if err := s.DeleteLoan(ctx, id); err != nil {
			return err
		}
		if loan.AccountID != nil {
			return s.ApplyAccountDelta(ctx, *loan.AccountID, contribution(loan.Type, loan.RemainingAmount).Neg())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithField("loan_id", id).Info("loan deleted")
	return warnings, nil
}
