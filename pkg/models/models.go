package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanType says which direction the principal moved when the loan was opened.
type LoanType string

const (
	LoanTypeGiven LoanType = "loan_given" // money lent out to someone
	LoanTypeTaken LoanType = "loan_taken" // money borrowed from someone
)

// Valid reports whether t is one of the known loan types.
func (t LoanType) Valid() bool {
	return t == LoanTypeGiven || t == LoanTypeTaken
}

// LoanStatus is derived from remaining vs principal, never set directly.
type LoanStatus string

const (
	LoanStatusActive  LoanStatus = "active"
	LoanStatusPartial LoanStatus = "partial"
	LoanStatusSettled LoanStatus = "settled"
)

// DeriveStatus is the single status rule used by every call site:
// settled iff remaining <= 0, partial iff 0 < remaining < principal,
// active otherwise.
func DeriveStatus(remaining, principal decimal.Decimal) LoanStatus {
	if remaining.LessThanOrEqual(decimal.Zero) {
		return LoanStatusSettled
	}
	if remaining.LessThan(principal) {
		return LoanStatusPartial
	}
	return LoanStatusActive
}

// Account holds a signed balance in a single currency. The balance is only
// mutated through delta operations so no causal event is applied twice.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Loan tracks a personal loan given to or taken from a counterparty.
// RemainingAmount always equals principal minus the sum of its repayments;
// the reconcile pass enforces that by recomputation.
type Loan struct {
	ID              uuid.UUID        `json:"id"`
	UserID          string           `json:"user_id"`
	AccountID       *uuid.UUID       `json:"account_id,omitempty"`
	Type            LoanType         `json:"type"`
	PartyName       string           `json:"party_name"`
	PrincipalAmount decimal.Decimal  `json:"principal_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	InterestRate    *decimal.Decimal `json:"interest_rate,omitempty"`
	DueDate         *time.Time       `json:"due_date,omitempty"`
	Status          LoanStatus       `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Repayment is an append-only ledger entry against a loan.
type Repayment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionType classifies a mirrored ledger entry by cash direction.
type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

// Transaction is the money-movement record mirrored from a loan event.
// SourceLoanID / SourceRepaymentID link it back to the event that created it;
// rows written before those columns existed are located by content match
// (description + amount + category) instead.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	AccountID         uuid.UUID       `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Date              time.Time       `json:"date"`
	Category          string          `json:"category"`
	Type              TransactionType `json:"type"`
	SourceLoanID      *uuid.UUID      `json:"source_loan_id,omitempty"`
	SourceRepaymentID *uuid.UUID      `json:"source_repayment_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
