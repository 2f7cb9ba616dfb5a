package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcastell/loanbook/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
// Monetary columns are stored as TEXT so no decimal precision is lost.
type SQLiteStore struct {
	db *sql.DB
	tx *sql.Tx // non-nil when this store is a transactional view
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// NewSQLiteStore creates a new SQLiteStore and initializes the schema.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT,
		type TEXT NOT NULL,
		party_name TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		interest_rate TEXT,
		due_date DATETIME,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		date DATETIME NOT NULL,
		category TEXT NOT NULL,
		type TEXT NOT NULL,
		source_loan_id TEXT,
		source_repayment_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id);
	CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_source_loan ON transactions(source_loan_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_source_repayment ON transactions(source_repayment_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Atomic runs fn against a transactional view of the store. Nested calls
// reuse the surrounding transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(Storage) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, tx: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, name, amount, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID.String(), account.UserID, account.Name, account.Amount, account.Currency, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	var idStr string
	row := s.q().QueryRowContext(ctx,
		`SELECT id, user_id, name, amount, currency, created_at, updated_at FROM accounts WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &account.UserID, &account.Name, &account.Amount, &account.Currency, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.ID = uuid.MustParse(idStr)
	return &account, nil
}

// ApplyAccountDelta adds delta to the stored balance. The read-modify-write
// runs inside a transaction so concurrent deltas cannot be lost.
func (s *SQLiteStore) ApplyAccountDelta(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	if s.tx == nil {
		return s.Atomic(ctx, func(txs Storage) error {
			return txs.ApplyAccountDelta(ctx, id, delta)
		})
	}
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	result, err := s.q().ExecContext(ctx,
		`UPDATE accounts SET amount = ?, updated_at = ? WHERE id = ?`,
		account.Amount.Add(delta), time.Now().UTC(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to apply account delta: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreateLoan inserts a new loan.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO loans (id, user_id, account_id, type, party_name, principal_amount, remaining_amount, interest_rate, due_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.UserID, uuidPtrToNull(loan.AccountID), string(loan.Type), loan.PartyName,
		loan.PrincipalAmount, loan.RemainingAmount, decimalPtrToNull(loan.InterestRate), loan.DueDate,
		string(loan.Status), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

const loanColumns = `id, user_id, account_id, type, party_name, principal_amount, remaining_amount, interest_rate, due_date, status, created_at, updated_at`

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan rewrites an existing loan row.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	result, err := s.q().ExecContext(ctx,
		`UPDATE loans SET user_id = ?, account_id = ?, type = ?, party_name = ?, principal_amount = ?, remaining_amount = ?, interest_rate = ?, due_date = ?, status = ?, updated_at = ? WHERE id = ?`,
		loan.UserID, uuidPtrToNull(loan.AccountID), string(loan.Type), loan.PartyName,
		loan.PrincipalAmount, loan.RemainingAmount, decimalPtrToNull(loan.InterestRate), loan.DueDate,
		string(loan.Status), loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// DeleteLoan removes a loan and its repayments.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if s.tx == nil {
		return s.Atomic(ctx, func(txs Storage) error {
			return txs.DeleteLoan(ctx, id)
		})
	}
	if _, err := s.q().ExecContext(ctx, `DELETE FROM repayments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated repayments: %w", err)
	}
	result, err := s.q().ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// GetLoansByUser retrieves all loans owned by a user.
func (s *SQLiteStore) GetLoansByUser(ctx context.Context, userID string) ([]*models.Loan, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

// GetAllLoans retrieves every loan in the store.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT `+loanColumns+` FROM loans`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, loanType, status string
	var accountID, interestRate sql.NullString
	var dueDate sql.NullTime
	err := row.Scan(&idStr, &loan.UserID, &accountID, &loanType, &loan.PartyName,
		&loan.PrincipalAmount, &loan.RemainingAmount, &interestRate, &dueDate,
		&status, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.Type = models.LoanType(loanType)
	loan.Status = models.LoanStatus(status)
	if accountID.Valid {
		parsed := uuid.MustParse(accountID.String)
		loan.AccountID = &parsed
	}
	if interestRate.Valid {
		rate, err := decimal.NewFromString(interestRate.String)
		if err != nil {
			return nil, fmt.Errorf("invalid interest rate %q: %w", interestRate.String, err)
		}
		loan.InterestRate = &rate
	}
	if dueDate.Valid {
		loan.DueDate = &dueDate.Time
	}
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// CreateRepayment inserts a new repayment row.
func (s *SQLiteStore) CreateRepayment(ctx context.Context, repayment *models.Repayment) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO repayments (id, loan_id, amount, payment_date, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		repayment.ID.String(), repayment.LoanID.String(), repayment.Amount, repayment.PaymentDate, repayment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

// GetRepayment retrieves a repayment by its ID.
func (s *SQLiteStore) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	var repayment models.Repayment
	var idStr, loanIDStr string
	row := s.q().QueryRowContext(ctx,
		`SELECT id, loan_id, amount, payment_date, created_at FROM repayments WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &loanIDStr, &repayment.Amount, &repayment.PaymentDate, &repayment.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRepaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repayment: %w", err)
	}
	repayment.ID = uuid.MustParse(idStr)
	repayment.LoanID = uuid.MustParse(loanIDStr)
	return &repayment, nil
}

// DeleteRepayment removes a repayment row.
func (s *SQLiteStore) DeleteRepayment(ctx context.Context, id uuid.UUID) error {
	result, err := s.q().ExecContext(ctx, `DELETE FROM repayments WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete repayment: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrRepaymentNotFound
	}
	return nil
}

// GetRepaymentsByLoan retrieves all repayments for a given loan ID.
func (s *SQLiteStore) GetRepaymentsByLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, loan_id, amount, payment_date, created_at FROM repayments WHERE loan_id = ? ORDER BY payment_date ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var repayments []*models.Repayment
	for rows.Next() {
		var repayment models.Repayment
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &repayment.Amount, &repayment.PaymentDate, &repayment.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		repayment.ID = uuid.MustParse(idStr)
		repayment.LoanID = uuid.MustParse(loanIDStr)
		repayments = append(repayments, &repayment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return repayments, nil
}

const transactionColumns = `id, user_id, account_id, amount, description, date, category, type, source_loan_id, source_repayment_id, created_at`

// CreateTransaction inserts a mirrored ledger entry.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID.String(), tx.UserID, tx.AccountID.String(), tx.Amount, tx.Description, tx.Date,
		tx.Category, string(tx.Type), uuidPtrToNull(tx.SourceLoanID), uuidPtrToNull(tx.SourceRepaymentID), tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByLoan looks up the mirrored entry for a loan-creation event.
func (s *SQLiteStore) GetTransactionByLoan(ctx context.Context, loanID uuid.UUID) (*models.Transaction, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE source_loan_id = ?`, loanID.String())
	return scanTransaction(row)
}

// GetTransactionByRepayment looks up the mirrored entry for a repayment event.
func (s *SQLiteStore) GetTransactionByRepayment(ctx context.Context, repaymentID uuid.UUID) (*models.Transaction, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE source_repayment_id = ?`, repaymentID.String())
	return scanTransaction(row)
}

// FindMatchingTransaction locates a mirrored entry by content. Amounts are
// compared as decimals, not strings, so "100" and "100.00" match.
func (s *SQLiteStore) FindMatchingTransaction(ctx context.Context, userID string, accountID uuid.UUID, description string, amount decimal.Decimal, category string) (*models.Transaction, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? AND account_id = ? AND description = ? AND category = ?`,
		userID, accountID.String(), description, category,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find matching transaction: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		if tx.Amount.Equal(amount) {
			return tx, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return nil, ErrTransactionNotFound
}

// UpdateTransaction rewrites an existing mirrored entry.
func (s *SQLiteStore) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	result, err := s.q().ExecContext(ctx,
		`UPDATE transactions SET user_id = ?, account_id = ?, amount = ?, description = ?, date = ?, category = ?, type = ?, source_loan_id = ?, source_repayment_id = ? WHERE id = ?`,
		tx.UserID, tx.AccountID.String(), tx.Amount, tx.Description, tx.Date, tx.Category,
		string(tx.Type), uuidPtrToNull(tx.SourceLoanID), uuidPtrToNull(tx.SourceRepaymentID), tx.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DeleteTransaction removes a mirrored entry.
func (s *SQLiteStore) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	result, err := s.q().ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	tx, err := scanTransactionFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func scanTransactionRow(rows *sql.Rows) (*models.Transaction, error) {
	tx, err := scanTransactionFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}
	return tx, nil
}

func scanTransactionFrom(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var idStr, accountIDStr, txType string
	var sourceLoanID, sourceRepaymentID sql.NullString
	err := row.Scan(&idStr, &tx.UserID, &accountIDStr, &tx.Amount, &tx.Description, &tx.Date,
		&tx.Category, &txType, &sourceLoanID, &sourceRepaymentID, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.ID = uuid.MustParse(idStr)
	tx.AccountID = uuid.MustParse(accountIDStr)
	tx.Type = models.TransactionType(txType)
	if sourceLoanID.Valid {
		parsed := uuid.MustParse(sourceLoanID.String)
		tx.SourceLoanID = &parsed
	}
	if sourceRepaymentID.Valid {
		parsed := uuid.MustParse(sourceRepaymentID.String)
		tx.SourceRepaymentID = &parsed
	}
	return &tx, nil
}

func uuidPtrToNull(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func decimalPtrToNull(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
