package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcastell/loanbook/pkg/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrRepaymentNotFound   = errors.New("repayment not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Storage defines the persistence operations the ledger engine needs:
// accounts (balance deltas), loans, repayments and mirrored transactions.
type Storage interface {
	// Accounts. ApplyAccountDelta adds delta to the stored balance and is the
	// only way the balance changes.
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ApplyAccountDelta(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error

	// Loans.
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	GetLoansByUser(ctx context.Context, userID string) ([]*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)

	// Repayments.
	CreateRepayment(ctx context.Context, repayment *models.Repayment) error
	GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error)
	DeleteRepayment(ctx context.Context, id uuid.UUID) error
	GetRepaymentsByLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error)

	// Mirrored transactions. GetTransactionByLoan and GetTransactionByRepayment
	// look up by source reference; FindMatchingTransaction is the legacy
	// content-match fallback for rows without one.
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByLoan(ctx context.Context, loanID uuid.UUID) (*models.Transaction, error)
	GetTransactionByRepayment(ctx context.Context, repaymentID uuid.UUID) (*models.Transaction, error)
	FindMatchingTransaction(ctx context.Context, userID string, accountID uuid.UUID, description string, amount decimal.Decimal, category string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error

	// Atomic runs fn against a transactional view of the store; all writes
	// made through it commit together or not at all.
	Atomic(ctx context.Context, fn func(Storage) error) error

	Close() error
}
