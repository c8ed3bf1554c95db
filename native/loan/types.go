package loan

import (
	"fmt"
	"math/big"
	"strings"
)

// State represents the lifecycle states supported by the loan ledger. A record
// only ever moves forward through Created -> Active -> {Repaid | Defaulted};
// the two final states are terminal.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateRepaid
	StateDefaulted
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateActive, StateRepaid, StateDefaulted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateRepaid || s == StateDefaulted
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateRepaid:
		return "repaid"
	case StateDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CollateralKind distinguishes the shapes of collateral the ledger can hold in
// custody.
type CollateralKind uint8

const (
	// CollateralAsset references a single asset held at a registry address.
	CollateralAsset CollateralKind = iota
	// CollateralBundle references a custody bundle whose contents are
	// resolved through the custody provider.
	CollateralBundle
)

// Valid reports whether the kind value is within the supported range.
func (k CollateralKind) Valid() bool {
	return k == CollateralAsset || k == CollateralBundle
}

// CollateralRef identifies a piece of collateral: a registry address plus an
// identifier that denotes either a single asset or a custody bundle.
type CollateralRef struct {
	Kind    CollateralKind `json:"kind"`
	Address [20]byte       `json:"address"`
	ID      uint64         `json:"id"`
}

// Terms captures the immutable, counterparty-signed description of a proposed
// loan. A terms payload is only ever bound to a ledger record through the
// origination engine after signature validation.
type Terms struct {
	// DurationSecs is the lifetime of the loan in seconds.
	DurationSecs uint64 `json:"durationSecs"`
	// Principal is the amount lent, denominated in the payable currency's
	// smallest unit.
	Principal *big.Int `json:"principal"`
	// InterestRate is the total interest over the full term, expressed as a
	// fraction scaled by InterestRateDenominator (1e18). A 10% loan carries
	// a rate of 1e17.
	InterestRate *big.Int `json:"interestRate"`
	// Collateral references the asset or bundle securing the loan.
	Collateral CollateralRef `json:"collateral"`
	// PayableCurrency is the registered symbol the loan is denominated in.
	PayableCurrency string `json:"payableCurrency"`
	// NumInstallments subdivides the duration into equal repayment periods.
	// Zero selects the bullet repayment path; one is rejected.
	NumInstallments uint64 `json:"numInstallments"`
	// Deadline is the unix time after which the counterparty signature is no
	// longer accepted for origination.
	Deadline int64 `json:"deadline"`
}

// Clone returns a deep copy of the terms so callers can safely mutate the copy
// without affecting the signed payload.
func (t *Terms) Clone() *Terms {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Principal != nil {
		clone.Principal = new(big.Int).Set(t.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if t.InterestRate != nil {
		clone.InterestRate = new(big.Int).Set(t.InterestRate)
	} else {
		clone.InterestRate = big.NewInt(0)
	}
	return &clone
}

// Loan is the mutable ledger record tracking a single loan from origination to
// a terminal state. Terminal records are retained for historical query but are
// never mutated again.
type Loan struct {
	ID uint64 `json:"id"`
	// BorrowerNoteID and LenderNoteID mirror the loan identifier; the 1:1
	// mapping between a loan and its obligation note pair is an invariant.
	BorrowerNoteID uint64 `json:"borrowerNoteId"`
	LenderNoteID   uint64 `json:"lenderNoteId"`
	Borrower       [20]byte `json:"borrower"`
	Lender         [20]byte `json:"lender"`
	Terms          Terms    `json:"terms"`
	State          State    `json:"state"`
	StartDate      int64    `json:"startDate"`
	DueDate        int64    `json:"dueDate"`
	// Balance is the outstanding principal. It never goes negative and only
	// decreases through validated repayment application.
	Balance *big.Int `json:"balance"`
	// BalancePaid accumulates every amount pulled from the borrower.
	BalancePaid *big.Int `json:"balancePaid"`
	// LateFeesAccrued accumulates the late fees charged across the loan's
	// lifetime.
	LateFeesAccrued *big.Int `json:"lateFeesAccrued"`
	// NumInstallmentsPaid counts the installment periods the borrower has
	// settled, including cured missed periods.
	NumInstallmentsPaid uint64 `json:"numInstallmentsPaid"`
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if cloned := l.Terms.Clone(); cloned != nil {
		clone.Terms = *cloned
	}
	clone.Balance = cloneBigInt(l.Balance)
	clone.BalancePaid = cloneBigInt(l.BalancePaid)
	clone.LateFeesAccrued = cloneBigInt(l.LateFeesAccrued)
	return &clone
}

// Sanitize validates and normalises a loan record loaded from storage,
// returning a cloned instance with non-nil amount fields.
func SanitizeLoan(l *Loan) (*Loan, error) {
	if l == nil {
		return nil, fmt.Errorf("loan: nil record")
	}
	if !l.State.Valid() {
		return nil, fmt.Errorf("loan: invalid state %d", l.State)
	}
	if !l.Terms.Collateral.Kind.Valid() {
		return nil, fmt.Errorf("loan: invalid collateral kind %d", l.Terms.Collateral.Kind)
	}
	clone := l.Clone()
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("loan: negative balance")
	}
	if clone.BorrowerNoteID != clone.ID || clone.LenderNoteID != clone.ID {
		return nil, fmt.Errorf("loan: note identifiers diverge from loan id %d", clone.ID)
	}
	return clone, nil
}

// NormalizeCurrency canonicalises a payable-currency symbol: trimmed,
// uppercase, one to eight ASCII letters.
func NormalizeCurrency(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("loan: payable currency required")
	}
	if len(trimmed) > 8 {
		return "", fmt.Errorf("loan: currency symbol too long: %q", symbol)
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("loan: invalid currency symbol: %q", symbol)
		}
	}
	return trimmed, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
