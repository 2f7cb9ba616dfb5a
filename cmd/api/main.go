package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rcastell/loanbook/pkg/config"
	"github.com/rcastell/loanbook/pkg/ledger"
	"github.com/rcastell/loanbook/pkg/models"
	"github.com/rcastell/loanbook/pkg/store"
)

// Server holds the ledger engine and its storage.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage
	log     *logrus.Logger
}

func NewServer(s store.Storage, log *logrus.Logger) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, log),
		storage: s,
		log:     log,
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/accounts", s.createAccountHandler).Methods("POST")
	r.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	r.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	r.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	r.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	r.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PATCH")
	r.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	r.HandleFunc("/loans/{id}/repayments", s.createRepaymentHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	r.HandleFunc("/repayments/{id}", s.deleteRepaymentHandler).Methods("DELETE")
	r.HandleFunc("/reconcile", s.reconcileHandler).Methods("POST")
	return r
}

// writeError maps engine and store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrLoanNotFound),
		errors.Is(err, store.ErrRepaymentNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrExceedsRemaining):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrInvalidPrincipal),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidLoanType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string          `json:"user_id"`
		Name     string          `json:"name"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Name:      req.Name,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.storage.CreateAccount(r.Context(), account); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}
	account, err := s.storage.GetAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string           `json:"user_id"`
		AccountID       *uuid.UUID       `json:"account_id"`
		Type            models.LoanType  `json:"type"`
		PartyName       string           `json:"party_name"`
		PrincipalAmount decimal.Decimal  `json:"principal_amount"`
		InterestRate    *decimal.Decimal `json:"interest_rate"`
		DueDate         *time.Time       `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.CreateLoanInput{
		UserID:          req.UserID,
		AccountID:       req.AccountID,
		Type:            req.Type,
		PartyName:       req.PartyName,
		PrincipalAmount: req.PrincipalAmount,
		InterestRate:    req.InterestRate,
		DueDate:         req.DueDate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	loans, err := s.ledger.ListLoans(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		AccountID       *uuid.UUID       `json:"account_id"`
		Type            *models.LoanType `json:"type"`
		PartyName       *string          `json:"party_name"`
		PrincipalAmount *decimal.Decimal `json:"principal_amount"`
		InterestRate    *decimal.Decimal `json:"interest_rate"`
		DueDate         *time.Time       `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, warnings, err := s.ledger.UpdateLoan(r.Context(), id, ledger.LoanUpdate{
		AccountID:       req.AccountID,
		Type:            req.Type,
		PartyName:       req.PartyName,
		PrincipalAmount: req.PrincipalAmount,
		InterestRate:    req.InterestRate,
		DueDate:         req.DueDate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan, "warnings": warnings})
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	warnings, err := s.ledger.DeleteLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(warnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}

func (s *Server) createRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		PaymentDate *time.Time      `json:"payment_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	input := ledger.CreateRepaymentInput{LoanID: loanID, Amount: req.Amount}
	if req.PaymentDate != nil {
		input.PaymentDate = *req.PaymentDate
	}
	repayment, err := s.ledger.CreateRepayment(r.Context(), input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repayment)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	repayments, err := s.ledger.GetRepayments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if repayments == nil {
		repayments = []*models.Repayment{}
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) deleteRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid repayment ID", http.StatusBadRequest)
		return
	}
	warnings, err := s.ledger.DeleteRepayment(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(warnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	corrected, err := s.ledger.ReconcileUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"corrected": corrected})
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.NewConfig()
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, logger)

	// Periodic self-heal sweep over all loans.
	c := cron.New()
	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() {
		corrected, err := server.ledger.ReconcileAll(context.Background())
		if err != nil {
			logger.WithError(err).Error("reconcile sweep failed")
			return
		}
		if corrected > 0 {
			logger.WithField("corrected", corrected).Warn("reconcile sweep corrected drifted loans")
		}
	}); err != nil {
		logger.Fatalf("Invalid reconcile schedule %q: %v", cfg.ReconcileSchedule, err)
	}
	c.Start()
	defer c.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Infof("Starting server on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
