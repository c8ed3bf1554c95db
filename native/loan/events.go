package loan

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"loanchain/core/types"
)

const (
	EventTypeLoanStarted     = "loan.started"
	EventTypeInstallmentPaid = "loan.installment_paid"
	EventTypeLoanRepaid      = "loan.repaid"
	EventTypeLoanClaimed     = "loan.claimed"
	EventTypeLoanRolledOver  = "loan.rolled_over"
	EventTypeFeesWithdrawn   = "loan.fees_withdrawn"
)

// LoanStarted is emitted when a loan record becomes Active.
type LoanStarted struct {
	LoanID    uint64
	Borrower  [20]byte
	Lender    [20]byte
	Principal *big.Int
	Currency  string
	DueDate   int64
}

func NewLoanStartedEvent(record *Loan) *LoanStarted {
	return &LoanStarted{
		LoanID:    record.ID,
		Borrower:  record.Borrower,
		Lender:    record.Lender,
		Principal: cloneBigInt(record.Terms.Principal),
		Currency:  record.Terms.PayableCurrency,
		DueDate:   record.DueDate,
	}
}

func (e *LoanStarted) EventType() string { return EventTypeLoanStarted }

func (e *LoanStarted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanStarted,
		Attributes: map[string]string{
			"loanId":    strconv.FormatUint(e.LoanID, 10),
			"borrower":  hex.EncodeToString(e.Borrower[:]),
			"lender":    hex.EncodeToString(e.Lender[:]),
			"principal": bigIntString(e.Principal),
			"currency":  e.Currency,
			"dueDate":   strconv.FormatInt(e.DueDate, 10),
		},
	}
}

// InstallmentPaid is emitted for every payment that leaves the loan Active
// and for bullet-loan payments short of full payoff.
type InstallmentPaid struct {
	LoanID          uint64
	Amount          *big.Int
	LateFees        *big.Int
	Balance         *big.Int
	InstallmentsNow uint64
	Timestamp       int64
}

func NewInstallmentPaidEvent(record *Loan, amount, lateFees *big.Int, now int64) *InstallmentPaid {
	return &InstallmentPaid{
		LoanID:          record.ID,
		Amount:          cloneBigInt(amount),
		LateFees:        cloneBigInt(lateFees),
		Balance:         cloneBigInt(record.Balance),
		InstallmentsNow: record.NumInstallmentsPaid,
		Timestamp:       now,
	}
}

func (e *InstallmentPaid) EventType() string { return EventTypeInstallmentPaid }

func (e *InstallmentPaid) Event() *types.Event {
	return &types.Event{
		Type: EventTypeInstallmentPaid,
		Attributes: map[string]string{
			"loanId":       strconv.FormatUint(e.LoanID, 10),
			"amount":       bigIntString(e.Amount),
			"lateFees":     bigIntString(e.LateFees),
			"balance":      bigIntString(e.Balance),
			"installments": strconv.FormatUint(e.InstallmentsNow, 10),
			"timestamp":    strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// LoanRepaid is emitted when a loan's balance reaches zero and collateral
// returns to the borrower.
type LoanRepaid struct {
	LoanID      uint64
	Borrower    [20]byte
	BalancePaid *big.Int
}

func NewLoanRepaidEvent(record *Loan) *LoanRepaid {
	return &LoanRepaid{
		LoanID:      record.ID,
		Borrower:    record.Borrower,
		BalancePaid: cloneBigInt(record.BalancePaid),
	}
}

func (e *LoanRepaid) EventType() string { return EventTypeLoanRepaid }

func (e *LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanRepaid,
		Attributes: map[string]string{
			"loanId":      strconv.FormatUint(e.LoanID, 10),
			"borrower":    hex.EncodeToString(e.Borrower[:]),
			"balancePaid": bigIntString(e.BalancePaid),
		},
	}
}

// LoanClaimed is emitted when a defaulted loan's collateral moves to the
// lender note holder.
type LoanClaimed struct {
	LoanID   uint64
	Claimant [20]byte
	Balance  *big.Int
}

func NewLoanClaimedEvent(record *Loan, claimant [20]byte) *LoanClaimed {
	return &LoanClaimed{
		LoanID:   record.ID,
		Claimant: claimant,
		Balance:  cloneBigInt(record.Balance),
	}
}

func (e *LoanClaimed) EventType() string { return EventTypeLoanClaimed }

func (e *LoanClaimed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanClaimed,
		Attributes: map[string]string{
			"loanId":   strconv.FormatUint(e.LoanID, 10),
			"claimant": hex.EncodeToString(e.Claimant[:]),
			"balance":  bigIntString(e.Balance),
		},
	}
}

// LoanRolledOver is emitted when an existing loan is paid off by a
// replacement loan against the same collateral.
type LoanRolledOver struct {
	OldLoanID uint64
	NewLoanID uint64
	Payoff    *big.Int
	Principal *big.Int
}

func NewLoanRolledOverEvent(oldID uint64, newRecord *Loan, payoff *big.Int) *LoanRolledOver {
	return &LoanRolledOver{
		OldLoanID: oldID,
		NewLoanID: newRecord.ID,
		Payoff:    cloneBigInt(payoff),
		Principal: cloneBigInt(newRecord.Terms.Principal),
	}
}

func (e *LoanRolledOver) EventType() string { return EventTypeLoanRolledOver }

func (e *LoanRolledOver) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLoanRolledOver,
		Attributes: map[string]string{
			"oldLoanId": strconv.FormatUint(e.OldLoanID, 10),
			"newLoanId": strconv.FormatUint(e.NewLoanID, 10),
			"payoff":    bigIntString(e.Payoff),
			"principal": bigIntString(e.Principal),
		},
	}
}

// FeesWithdrawn is emitted when the fee collector drains a currency pot.
type FeesWithdrawn struct {
	Currency string
	Amount   *big.Int
	To       [20]byte
}

func NewFeesWithdrawnEvent(symbol string, amount *big.Int, to [20]byte) *FeesWithdrawn {
	return &FeesWithdrawn{Currency: symbol, Amount: cloneBigInt(amount), To: to}
}

func (e *FeesWithdrawn) EventType() string { return EventTypeFeesWithdrawn }

func (e *FeesWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFeesWithdrawn,
		Attributes: map[string]string{
			"currency": e.Currency,
			"amount":   bigIntString(e.Amount),
			"to":       hex.EncodeToString(e.To[:]),
		},
	}
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
