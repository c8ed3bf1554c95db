package rpc

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"loanchain/crypto"
	"loanchain/native/loan"
)

// loanResponse is the wire representation of a durable loan record.
type loanResponse struct {
	ID                  uint64 `json:"id"`
	State               string `json:"state"`
	Borrower            string `json:"borrower"`
	Lender              string `json:"lender"`
	Principal           string `json:"principal"`
	InterestRate        string `json:"interestRate"`
	PayableCurrency     string `json:"payableCurrency"`
	NumInstallments     uint64 `json:"numInstallments"`
	StartDate           int64  `json:"startDate"`
	DueDate             int64  `json:"dueDate"`
	Balance             string `json:"balance"`
	BalancePaid         string `json:"balancePaid"`
	LateFeesAccrued     string `json:"lateFeesAccrued"`
	NumInstallmentsPaid uint64 `json:"numInstallmentsPaid"`
}

func newLoanResponse(record *loan.Loan) loanResponse {
	return loanResponse{
		ID:                  record.ID,
		State:               record.State.String(),
		Borrower:            crypto.NewAddress(crypto.AccountPrefix, record.Borrower[:]).String(),
		Lender:              crypto.NewAddress(crypto.AccountPrefix, record.Lender[:]).String(),
		Principal:           record.Terms.Principal.String(),
		InterestRate:        record.Terms.InterestRate.String(),
		PayableCurrency:     record.Terms.PayableCurrency,
		NumInstallments:     record.Terms.NumInstallments,
		StartDate:           record.StartDate,
		DueDate:             record.DueDate,
		Balance:             record.Balance.String(),
		BalancePaid:         record.BalancePaid.String(),
		LateFeesAccrued:     record.LateFeesAccrued.String(),
		NumInstallmentsPaid: record.NumInstallmentsPaid,
	}
}

func (s *Server) loanID(r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) int {
	id, ok := s.loanID(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid loan id")
	}
	record, ok, err := s.ledger.GetLoan(id)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return writeError(w, http.StatusNotFound, "loan not found")
	}
	return writeJSON(w, http.StatusOK, newLoanResponse(record))
}

type minPaymentResponse struct {
	LoanID        uint64 `json:"loanId"`
	InterestDue   string `json:"interestDue"`
	LateFees      string `json:"lateFees"`
	MissedPeriods uint64 `json:"missedPeriods"`
	Minimum       string `json:"minimum"`
}

func (s *Server) handleMinPayment(w http.ResponseWriter, r *http.Request) int {
	id, ok := s.loanID(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid loan id")
	}
	interestDue, lateFees, missed, err := s.servicer.InstallmentMinPayment(id)
	if err != nil {
		return writeError(w, loanErrorStatus(err), err.Error())
	}
	minimum := new(big.Int).Add(interestDue, lateFees)
	return writeJSON(w, http.StatusOK, minPaymentResponse{
		LoanID:        id,
		InterestDue:   interestDue.String(),
		LateFees:      lateFees.String(),
		MissedPeriods: missed,
		Minimum:       minimum.String(),
	})
}

type payoffResponse struct {
	LoanID uint64 `json:"loanId"`
	Payoff string `json:"payoff"`
}

func (s *Server) handlePayoff(w http.ResponseWriter, r *http.Request) int {
	id, ok := s.loanID(r)
	if !ok {
		return writeError(w, http.StatusBadRequest, "invalid loan id")
	}
	payoff, err := s.servicer.AmountToClose(id)
	if err != nil {
		return writeError(w, loanErrorStatus(err), err.Error())
	}
	return writeJSON(w, http.StatusOK, payoffResponse{LoanID: id, Payoff: payoff.String()})
}

func loanErrorStatus(err error) int {
	switch {
	case errors.Is(err, loan.ErrUnknownLoan):
		return http.StatusNotFound
	case errors.Is(err, loan.ErrInvalidState),
		errors.Is(err, loan.ErrNoInstallments),
		errors.Is(err, loan.ErrNoPaymentDue):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
