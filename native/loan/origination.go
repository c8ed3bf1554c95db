package loan

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrCollateralNotOwned  = errors.New("loan origination: borrower does not hold the collateral")
	ErrCollateralMismatch  = errors.New("loan origination: replacement terms reference different collateral")
	ErrCurrencyMismatch    = errors.New("loan origination: replacement terms use a different payable currency")
	ErrItemsUnverified     = errors.New("loan origination: collateral bundle failed item verification")
	errNoItemsVerifier     = errors.New("loan origination: no items verifier configured")
	errOriginatorNilLedger = errors.New("loan origination: originator not initialised")
)

// ItemsVerifier inspects the contents of a collateral bundle against an
// encoded predicate before the bundle is accepted into custody.
type ItemsVerifier interface {
	VerifyItems(ref CollateralRef, predicate []byte) error
}

// Originator opens loans against the ledger. It can only be obtained from the
// ledger it writes to, which is what gates loan creation to this engine.
type Originator struct {
	ledger    *Ledger
	validator *Validator
	items     ItemsVerifier
}

// NewOriginator returns the origination engine bound to this ledger. The
// validator supplies terms and signature checks; its nonce view must be the
// same state the ledger consumes nonces from.
func (l *Ledger) NewOriginator(v *Validator) *Originator {
	return &Originator{ledger: l, validator: v}
}

// SetItemsVerifier installs the bundle verifier used by
// InitializeLoanWithItems.
func (o *Originator) SetItemsVerifier(items ItemsVerifier) { o.items = items }

// InitializeLoan opens a loan: the borrower supplies collateral, the lender
// consents by signature over the exact terms. The origination fee is assessed
// on the principal, so the borrower receives principal minus fee while owing
// the full principal. All checks complete before the first mutation; a
// failing precondition leaves no trace in state.
func (o *Originator) InitializeLoan(borrower [20]byte, terms *Terms, lender [20]byte, lenderSig []byte, nonce uint64) (uint64, error) {
	return o.initialize(borrower, terms, lender, lenderSig, nonce, nil, false)
}

// InitializeLoanWithItems opens a loan against a collateral bundle whose
// contents must satisfy the supplied predicate. Verification runs before the
// bundle enters custody.
func (o *Originator) InitializeLoanWithItems(borrower [20]byte, terms *Terms, lender [20]byte, lenderSig []byte, nonce uint64, predicate []byte) (uint64, error) {
	return o.initialize(borrower, terms, lender, lenderSig, nonce, predicate, true)
}

func (o *Originator) initialize(borrower [20]byte, terms *Terms, lender [20]byte, lenderSig []byte, nonce uint64, predicate []byte, withItems bool) (uint64, error) {
	if o == nil || o.ledger == nil || o.validator == nil {
		return 0, errOriginatorNilLedger
	}
	l := o.ledger
	if err := l.enter(); err != nil {
		return 0, err
	}
	defer l.exit()

	terms, err := o.normalizeTerms(terms)
	if err != nil {
		return 0, err
	}
	if err := o.validator.Validate(terms, lender, SideLend, lenderSig, nonce); err != nil {
		return 0, err
	}
	if withItems {
		if terms.Collateral.Kind != CollateralBundle {
			return 0, fmt.Errorf("%w: item verification requires a bundle", ErrInvalidTerms)
		}
		if o.items == nil {
			return 0, errNoItemsVerifier
		}
		if err := o.items.VerifyItems(terms.Collateral, predicate); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrItemsUnverified, err)
		}
	}

	symbol := terms.PayableCurrency
	fee := mulDiv(terms.Principal, new(big.Int).SetUint64(l.originationFeeBps()), basisPoints)
	disburse := new(big.Int).Sub(terms.Principal, fee)

	holder, err := l.custody.Holder(terms.Collateral)
	if err != nil {
		return 0, err
	}
	if holder != borrower {
		return 0, fmt.Errorf("%w: held by %x", ErrCollateralNotOwned, holder)
	}
	if ok, err := l.hasBalance(lender, symbol, terms.Principal); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%w: lender %x", ErrInsufficientBalance, lender)
	}

	if err := l.custody.PullInto(terms.Collateral, borrower, l.vaultAddr); err != nil {
		return 0, err
	}
	if err := l.transferCurrency(lender, borrower, symbol, disburse); err != nil {
		return 0, err
	}
	if err := l.transferCurrency(lender, l.vaultAddr, symbol, fee); err != nil {
		return 0, err
	}
	if err := l.accrueFee(symbol, fee); err != nil {
		return 0, err
	}
	record, err := l.createLoan(terms, borrower, lender, lender, nonce, l.now())
	if err != nil {
		return 0, err
	}
	return record.ID, nil
}

// Rollover replaces an active loan with a new one against the same collateral
// and currency, netting the flows in a single operation. The new lender funds
// the new principal; after the origination fee, what remains pays off the old
// loan. Surplus goes to the borrower, a shortfall is pulled from the
// borrower. The collateral never leaves custody.
func (o *Originator) Rollover(caller [20]byte, oldLoanID uint64, newTerms *Terms, newLender [20]byte, lenderSig []byte, nonce uint64) (uint64, error) {
	if o == nil || o.ledger == nil || o.validator == nil {
		return 0, errOriginatorNilLedger
	}
	l := o.ledger
	if err := l.enter(); err != nil {
		return 0, err
	}
	defer l.exit()

	oldRecord, err := l.activeLoan(oldLoanID)
	if err != nil {
		return 0, err
	}
	if oldRecord.Borrower != caller {
		return 0, fmt.Errorf("%w: only the borrower may roll a loan over", ErrUnauthorized)
	}
	newTerms, err = o.normalizeTerms(newTerms)
	if err != nil {
		return 0, err
	}
	if newTerms.Collateral != oldRecord.Terms.Collateral {
		return 0, ErrCollateralMismatch
	}
	if newTerms.PayableCurrency != oldRecord.Terms.PayableCurrency {
		return 0, ErrCurrencyMismatch
	}
	if err := o.validator.Validate(newTerms, newLender, SideLend, lenderSig, nonce); err != nil {
		return 0, err
	}

	borrower := oldRecord.Borrower
	symbol := newTerms.PayableCurrency
	now := l.now()

	servicer := l.NewServicer()
	payoff, _, lateFees := servicer.closeAmounts(oldRecord, now)

	fee := mulDiv(newTerms.Principal, new(big.Int).SetUint64(l.originationFeeBps()), basisPoints)
	available := new(big.Int).Sub(newTerms.Principal, fee)

	oldPayee, err := l.lenderNoteOwner(oldRecord)
	if err != nil {
		return 0, err
	}
	if ok, err := l.hasBalance(newLender, symbol, newTerms.Principal); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%w: lender %x", ErrInsufficientBalance, newLender)
	}
	shortfall := big.NewInt(0)
	surplus := big.NewInt(0)
	if available.Cmp(payoff) >= 0 {
		surplus = new(big.Int).Sub(available, payoff)
	} else {
		shortfall = new(big.Int).Sub(payoff, available)
		if ok, err := l.hasBalance(borrower, symbol, shortfall); err != nil {
			return 0, err
		} else if !ok {
			return 0, fmt.Errorf("%w: borrower %x owes %s to close", ErrInsufficientBalance, borrower, shortfall)
		}
	}

	if err := l.transferCurrency(newLender, l.vaultAddr, symbol, fee); err != nil {
		return 0, err
	}
	if err := l.accrueFee(symbol, fee); err != nil {
		return 0, err
	}
	if shortfall.Sign() == 0 {
		if err := l.transferCurrency(newLender, oldPayee, symbol, payoff); err != nil {
			return 0, err
		}
		if err := l.transferCurrency(newLender, borrower, symbol, surplus); err != nil {
			return 0, err
		}
	} else {
		if err := l.transferCurrency(newLender, oldPayee, symbol, available); err != nil {
			return 0, err
		}
		if err := l.transferCurrency(borrower, oldPayee, symbol, shortfall); err != nil {
			return 0, err
		}
	}

	// Retire the old record without releasing collateral; the bundle stays
	// with the vault and secures the replacement loan.
	oldRecord.State = StateRepaid
	oldRecord.Balance = big.NewInt(0)
	oldRecord.BalancePaid = new(big.Int).Add(oldRecord.BalancePaid, payoff)
	oldRecord.LateFeesAccrued = new(big.Int).Add(oldRecord.LateFeesAccrued, lateFees)
	if oldRecord.Terms.NumInstallments > 0 {
		oldRecord.NumInstallmentsPaid = oldRecord.Terms.NumInstallments
	}
	if err := l.state.LoanPut(oldRecord); err != nil {
		return 0, err
	}
	if err := l.notes.Burn(oldRecord.ID, NoteBorrower); err != nil {
		return 0, err
	}
	if err := l.notes.Burn(oldRecord.ID, NoteLender); err != nil {
		return 0, err
	}
	l.emitter.Emit(NewLoanRepaidEvent(oldRecord))

	newRecord, err := l.createLoan(newTerms, borrower, newLender, newLender, nonce, now)
	if err != nil {
		return 0, err
	}
	l.emitter.Emit(NewLoanRolledOverEvent(oldLoanID, newRecord, payoff))
	return newRecord.ID, nil
}

func (o *Originator) normalizeTerms(terms *Terms) (*Terms, error) {
	if terms == nil {
		return nil, ErrInvalidTerms
	}
	out := terms.Clone()
	symbol, err := NormalizeCurrency(out.PayableCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTerms, err)
	}
	out.PayableCurrency = symbol
	return out, nil
}
