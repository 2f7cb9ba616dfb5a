package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rcastell/loanbook/pkg/models"
	"github.com/rcastell/loanbook/pkg/store"
)

const (
	categoryLoans      = "Loans"
	categoryRepayments = "Loan Repayments"
)

// Warning reports a non-fatal inconsistency the caller may want to act on,
// such as a mirrored transaction that could not be located.
type Warning string

func warnMirrorMissing(kind string, id uuid.UUID) Warning {
	return Warning(fmt.Sprintf("mirrored transaction for %s %s not found; ledger entry may be stale or orphaned", kind, id))
}

func loanDescription(loanType models.LoanType, party string) string {
	if loanType == models.LoanTypeTaken {
		return fmt.Sprintf("Loan taken from %s", party)
	}
	return fmt.Sprintf("Loan given to %s", party)
}

func repaymentDescription(loanType models.LoanType, party string) string {
	if loanType == models.LoanTypeTaken {
		return fmt.Sprintf("Loan repayment to %s", party)
	}
	return fmt.Sprintf("Loan repayment received from %s", party)
}

// loanMirror builds the ledger entry mirroring a loan-creation event.
// Taking a loan is income from the account's point of view, giving one
// is an expense.
func loanMirror(loan *models.Loan, date time.Time) *models.Transaction {
	txType := models.TransactionTypeExpense
	if loan.Type == models.LoanTypeTaken {
		txType = models.TransactionTypeIncome
	}
	loanID := loan.ID
	return &models.Transaction{
		ID:           uuid.New(),
		UserID:       loan.UserID,
		AccountID:    *loan.AccountID,
		Amount:       loan.PrincipalAmount,
		Description:  loanDescription(loan.Type, loan.PartyName),
		Date:         date,
		Category:     categoryLoans,
		Type:         txType,
		SourceLoanID: &loanID,
		CreatedAt:    time.Now().UTC(),
	}
}

// repaymentMirror builds the ledger entry mirroring a repayment event.
// Paying down a taken loan is an expense, receiving a repayment on a
// given loan is income.
func repaymentMirror(loan *models.Loan, repayment *models.Repayment) *models.Transaction {
	txType := models.TransactionTypeIncome
	if loan.Type == models.LoanTypeTaken {
		txType = models.TransactionTypeExpense
	}
	repaymentID := repayment.ID
	return &models.Transaction{
		ID:                uuid.New(),
		UserID:            loan.UserID,
		AccountID:         *loan.AccountID,
		Amount:            repayment.Amount,
		Description:       repaymentDescription(loan.Type, loan.PartyName),
		Date:              repayment.PaymentDate,
		Category:          categoryRepayments,
		Type:              txType,
		SourceRepaymentID: &repaymentID,
		CreatedAt:         time.Now().UTC(),
	}
}

// locateLoanMirror finds the entry mirroring a loan's creation. The source
// reference is tried first; rows written before that column existed fall
// back to the content match on the loan's old description, amount and
// category.
func (l *Ledger) locateLoanMirror(ctx context.Context, s store.Storage, loan *models.Loan) (*models.Transaction, error) {
	tx, err := s.GetTransactionByLoan(ctx, loan.ID)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, err
	}
	if loan.AccountID == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.FindMatchingTransaction(ctx, loan.UserID, *loan.AccountID,
		loanDescription(loan.Type, loan.PartyName), loan.PrincipalAmount, categoryLoans)
}

func (l *Ledger) locateRepaymentMirror(ctx context.Context, s store.Storage, loan *models.Loan, repayment *models.Repayment) (*models.Transaction, error) {
	tx, err := s.GetTransactionByRepayment(ctx, repayment.ID)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, err
	}
	if loan.AccountID == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.FindMatchingTransaction(ctx, loan.UserID, *loan.AccountID,
		repaymentDescription(loan.Type, loan.PartyName), repayment.Amount, categoryRepayments)
}

// rewriteLoanMirror updates the mirrored creation entry to the loan's new
// terms. A lookup miss is logged and returned as a warning, never an error.
func (l *Ledger) rewriteLoanMirror(ctx context.Context, s store.Storage, old, updated *models.Loan) ([]Warning, error) {
	tx, err := l.locateLoanMirror(ctx, s, old)
	if errors.Is(err, store.ErrTransactionNotFound) {
		if updated.AccountID == nil {
			return nil, nil
		}
		if old.AccountID == nil {
			// The loan had no account before, so no mirror exists yet.
			return nil, s.CreateTransaction(ctx, loanMirror(updated, updated.UpdatedAt))
		}
		l.log.WithField("loan_id", old.ID).Warn("mirrored transaction not found during loan update")
		return []Warning{warnMirrorMissing("loan", old.ID)}, nil
	}
	if err != nil {
		return nil, err
	}

	if updated.AccountID == nil {
		// Loan detached from any account: the mirror has no home anymore.
		if err := s.DeleteTransaction(ctx, tx.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tx.AccountID = *updated.AccountID
	tx.Amount = updated.PrincipalAmount
	tx.Description = loanDescription(updated.Type, updated.PartyName)
	tx.Type = models.TransactionTypeExpense
	if updated.Type == models.LoanTypeTaken {
		tx.Type = models.TransactionTypeIncome
	}
	loanID := updated.ID
	tx.SourceLoanID = &loanID
	return nil, s.UpdateTransaction(ctx, tx)
}

// removeLoanMirror deletes the mirrored creation entry, best effort.
func (l *Ledger) removeLoanMirror(ctx context.Context, s store.Storage, loan *models.Loan) ([]Warning, error) {
	tx, err := l.locateLoanMirror(ctx, s, loan)
	if errors.Is(err, store.ErrTransactionNotFound) {
		if loan.AccountID == nil {
			return nil, nil
		}
		l.log.WithField("loan_id", loan.ID).Warn("mirrored transaction not found during loan delete")
		return []Warning{warnMirrorMissing("loan", loan.ID)}, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, s.DeleteTransaction(ctx, tx.ID)
}

// removeRepaymentMirror deletes the mirrored repayment entry, best effort.
func (l *Ledger) removeRepaymentMirror(ctx context.Context, s store.Storage, loan *models.Loan, repayment *models.Repayment) ([]Warning, error) {
	tx, err := l.locateRepaymentMirror(ctx, s, loan, repayment)
	if errors.Is(err, store.ErrTransactionNotFound) {
		if loan.AccountID == nil {
			return nil, nil
		}
		l.log.WithFields(logrus.Fields{
			"loan_id":      loan.ID,
			"repayment_id": repayment.ID,
		}).Warn("mirrored transaction not found during repayment delete")
		return []Warning{warnMirrorMissing("repayment", repayment.ID)}, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, s.DeleteTransaction(ctx, tx.ID)
}
