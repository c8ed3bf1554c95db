package loan

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"loanchain/core/events"
	"loanchain/native/common"
)

var (
	ErrUnknownLoan         = errors.New("loan ledger: cannot dereference unknown loan")
	ErrInvalidState        = errors.New("loan ledger: loan is not in a state that allows this operation")
	ErrLoanNotDefaulted    = errors.New("loan ledger: loan has not met the default predicate")
	ErrUnauthorized        = errors.New("loan ledger: caller is not authorized for this operation")
	ErrInsufficientBalance = errors.New("loan ledger: insufficient balance")
	ErrHasInstallments     = errors.New("loan ledger: installment loans are repaid through the servicing engine")

	errNilLedger     = errors.New("loan ledger: ledger not initialised")
	errNilState      = errors.New("loan ledger: state not configured")
	errReentrantCall = errors.New("loan ledger: reentrant call rejected")
	errInvalidAmount = errors.New("loan ledger: amount must be positive")
)

// NoteSide selects one of the two obligation notes minted per loan.
type NoteSide uint8

const (
	NoteBorrower NoteSide = iota + 1
	NoteLender
)

// Custody abstracts the collateral vault. The ledger only ever moves
// collateral between the borrower, the vault holder and the claimant.
type Custody interface {
	Holder(ref CollateralRef) ([20]byte, error)
	PullInto(ref CollateralRef, from [20]byte, holder [20]byte) error
	ReleaseFrom(ref CollateralRef, holder [20]byte, to [20]byte) error
}

// NoteIssuer mints, burns and resolves ownership of the transferable
// obligation notes that track each side of a loan.
type NoteIssuer interface {
	Mint(to [20]byte, loanID uint64, side NoteSide) error
	Burn(loanID uint64, side NoteSide) error
	Owner(loanID uint64, side NoteSide) ([20]byte, bool, error)
}

// FeeSchedule exposes the governable protocol fee parameters. The ledger
// queries it live on every assessment rather than caching values at
// origination.
type FeeSchedule interface {
	OriginationFeeBps() uint64
	LateFeeBps() uint64
}

// Ledger is the authoritative record of all loans. It owns loan identity,
// state transitions and fund movement; origination and servicing engines are
// constructed from it and mutate loans only through its unexported methods.
type Ledger struct {
	state        engineState
	custody      Custody
	notes        NoteIssuer
	feeSchedule  FeeSchedule
	params       Params
	vaultAddr    [20]byte
	feeCollector [20]byte
	emitter      events.Emitter
	pauses       common.PauseView
	nowFn        func() int64
	inOp         bool
}

// NewLedger constructs a ledger over the supplied state and collaborators.
func NewLedger(state engineState, custody Custody, notes NoteIssuer, fees FeeSchedule, params Params, vaultAddr, feeCollector [20]byte) *Ledger {
	return &Ledger{
		state:        state,
		custody:      custody,
		notes:        notes,
		feeSchedule:  fees,
		params:       params,
		vaultAddr:    vaultAddr,
		feeCollector: feeCollector,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter wires the event emitter used for lifecycle events. Passing nil
// restores the no-op emitter.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetPauses installs the module pause view consulted before mutations.
func (l *Ledger) SetPauses(p common.PauseView) { l.pauses = p }

// SetNowFunc overrides the ledger's time source, primarily for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// NewServicer returns the installment servicing engine bound to this ledger.
func (l *Ledger) NewServicer() *Servicer {
	return &Servicer{ledger: l, nowFn: l.now}
}

// enter acquires the ledger's operation guard. Every externally reachable
// mutation acquires it on entry and releases it via defer, so a collaborator
// calling back into the ledger mid-operation fails instead of observing a
// half-applied record.
func (l *Ledger) enter() error {
	if l == nil {
		return errNilLedger
	}
	if l.state == nil {
		return errNilState
	}
	if err := common.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if l.inOp {
		return errReentrantCall
	}
	l.inOp = true
	return nil
}

func (l *Ledger) exit() { l.inOp = false }

func (l *Ledger) lateFeeBps() uint64 {
	if l.feeSchedule == nil {
		return 0
	}
	return l.feeSchedule.LateFeeBps()
}

func (l *Ledger) originationFeeBps() uint64 {
	if l.feeSchedule == nil {
		return 0
	}
	return l.feeSchedule.OriginationFeeBps()
}

// GetLoan returns a deep copy of the stored loan record.
func (l *Ledger) GetLoan(id uint64) (*Loan, bool, error) {
	if l == nil || l.state == nil {
		return nil, false, errNilState
	}
	record, ok, err := l.state.LoanGet(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return record.Clone(), true, nil
}

// activeLoan loads a loan and requires it to be in the Active state.
func (l *Ledger) activeLoan(id uint64) (*Loan, error) {
	record, ok, err := l.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownLoan, id)
	}
	if record.State != StateActive {
		return nil, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, id, record.State)
	}
	return record, nil
}

// lenderNoteOwner resolves the current holder of the loan's lender note.
// Because the note is transferable the payee of interest and fees can differ
// from the original lender.
func (l *Ledger) lenderNoteOwner(record *Loan) ([20]byte, error) {
	owner, ok, err := l.notes.Owner(record.ID, NoteLender)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, fmt.Errorf("loan ledger: lender note for loan %d not found", record.ID)
	}
	return owner, nil
}

// transferCurrency moves amount of the loan's payable currency between
// accounts. A zero amount is a no-op.
func (l *Ledger) transferCurrency(from, to [20]byte, symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return errInvalidAmount
	}
	fromAcc, err := l.state.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance(symbol).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s account %x", ErrInsufficientBalance, symbol, from)
	}
	// A self-transfer is a funded no-op; loading the account twice would
	// let the credit overwrite the debit.
	if from == to {
		return nil
	}
	toAcc, err := l.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc.SetBalance(symbol, new(big.Int).Sub(fromAcc.Balance(symbol), amount))
	toAcc.SetBalance(symbol, new(big.Int).Add(toAcc.Balance(symbol), amount))
	if err := l.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to, toAcc)
}

// hasBalance reports whether the account holds at least amount of symbol.
func (l *Ledger) hasBalance(addr [20]byte, symbol string, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return true, nil
	}
	acc, err := l.state.GetAccount(addr)
	if err != nil {
		return false, err
	}
	return acc.Balance(symbol).Cmp(amount) >= 0, nil
}

// accrueFee credits the protocol fee pot for symbol. The funds themselves
// live in the vault account; the pot tracks the withdrawable portion.
func (l *Ledger) accrueFee(symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	pot, err := l.state.FeePotGet(symbol)
	if err != nil {
		return err
	}
	pot.Add(pot, amount)
	return l.state.FeePotPut(symbol, pot)
}

// createLoan allocates an identity, consumes the signer's nonce, stores the
// Active record and mints both obligation notes. Fund and collateral movement
// is the originator's responsibility and must be complete before this call.
func (l *Ledger) createLoan(terms *Terms, borrower, lender, signer [20]byte, nonce uint64, now int64) (*Loan, error) {
	id, err := l.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	if err := l.state.ConsumeNonce(signer, nonce, id); err != nil {
		return nil, err
	}
	record := &Loan{
		ID:              id,
		BorrowerNoteID:  id,
		LenderNoteID:    id,
		Borrower:        borrower,
		Lender:          lender,
		Terms:           *terms.Clone(),
		State:           StateActive,
		StartDate:       now,
		DueDate:         now + int64(terms.DurationSecs),
		Balance:         cloneBigInt(terms.Principal),
		BalancePaid:     big.NewInt(0),
		LateFeesAccrued: big.NewInt(0),
	}
	record, err = SanitizeLoan(record)
	if err != nil {
		return nil, err
	}
	if err := l.state.LoanPut(record); err != nil {
		return nil, err
	}
	if err := l.notes.Mint(borrower, id, NoteBorrower); err != nil {
		return nil, err
	}
	if err := l.notes.Mint(lender, id, NoteLender); err != nil {
		return nil, err
	}
	l.emitter.Emit(NewLoanStartedEvent(record))
	return record, nil
}

// finalizeRepaid transitions an Active loan whose balance reached zero:
// collateral returns to the borrower and both notes are burned.
func (l *Ledger) finalizeRepaid(record *Loan) error {
	record.State = StateRepaid
	record.Balance = big.NewInt(0)
	if err := l.state.LoanPut(record); err != nil {
		return err
	}
	if err := l.custody.ReleaseFrom(record.Terms.Collateral, l.vaultAddr, record.Borrower); err != nil {
		return err
	}
	if err := l.notes.Burn(record.ID, NoteBorrower); err != nil {
		return err
	}
	if err := l.notes.Burn(record.ID, NoteLender); err != nil {
		return err
	}
	l.emitter.Emit(NewLoanRepaidEvent(record))
	return nil
}

// settleInstallment applies an installment payment: pulled covers interest
// due plus late fees plus principalPortion. owed installments are marked
// paid and the loan closes if the balance reaches zero.
func (l *Ledger) settleInstallment(record *Loan, payer [20]byte, pulled, principalPortion, lateFees *big.Int, owed uint64, now int64) error {
	payee, err := l.lenderNoteOwner(record)
	if err != nil {
		return err
	}
	symbol := record.Terms.PayableCurrency
	if ok, err := l.hasBalance(payer, symbol, pulled); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: payer %x", ErrInsufficientBalance, payer)
	}
	if err := l.transferCurrency(payer, payee, symbol, pulled); err != nil {
		return err
	}
	record.Balance = new(big.Int).Sub(record.Balance, principalPortion)
	record.BalancePaid = new(big.Int).Add(record.BalancePaid, pulled)
	record.LateFeesAccrued = new(big.Int).Add(record.LateFeesAccrued, lateFees)
	record.NumInstallmentsPaid += owed
	if record.Balance.Sign() == 0 {
		return l.finalizeRepaid(record)
	}
	if err := l.state.LoanPut(record); err != nil {
		return err
	}
	l.emitter.Emit(NewInstallmentPaidEvent(record, pulled, lateFees, now))
	return nil
}

// settlePayment applies a full-payoff payment of amount against the record,
// of which principalPortion retires balance. Used by CloseLoan.
func (l *Ledger) settlePayment(record *Loan, payer [20]byte, amount, principalPortion, lateFees *big.Int) error {
	payee, err := l.lenderNoteOwner(record)
	if err != nil {
		return err
	}
	symbol := record.Terms.PayableCurrency
	if ok, err := l.hasBalance(payer, symbol, amount); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: payer %x", ErrInsufficientBalance, payer)
	}
	if err := l.transferCurrency(payer, payee, symbol, amount); err != nil {
		return err
	}
	record.Balance = new(big.Int).Sub(record.Balance, principalPortion)
	record.BalancePaid = new(big.Int).Add(record.BalancePaid, amount)
	record.LateFeesAccrued = new(big.Int).Add(record.LateFeesAccrued, lateFees)
	if record.Terms.NumInstallments > 0 {
		record.NumInstallmentsPaid = record.Terms.NumInstallments
	}
	return l.finalizeRepaid(record)
}

// Repay services a non-installment loan. The payment must cover at least the
// full-term interest on the outstanding balance; anything above it retires
// principal, capped at the balance. Retiring the whole balance transitions
// the loan to Repaid. Returns the amount actually pulled from the payer.
func (l *Ledger) Repay(loanID uint64, payer [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	record, err := l.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	if record.Terms.NumInstallments > 0 {
		return nil, ErrHasInstallments
	}
	interestDue := bulletInterest(record.Balance, &record.Terms)
	if amount.Cmp(interestDue) < 0 {
		return nil, fmt.Errorf("%w: minimum %s, offered %s", ErrPaymentBelowMinimum, interestDue, amount)
	}
	principalPortion := new(big.Int).Sub(amount, interestDue)
	if principalPortion.Cmp(record.Balance) > 0 {
		principalPortion = cloneBigInt(record.Balance)
	}
	pulled := new(big.Int).Add(interestDue, principalPortion)

	payee, err := l.lenderNoteOwner(record)
	if err != nil {
		return nil, err
	}
	symbol := record.Terms.PayableCurrency
	if ok, err := l.hasBalance(payer, symbol, pulled); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: payer %x", ErrInsufficientBalance, payer)
	}
	if err := l.transferCurrency(payer, payee, symbol, pulled); err != nil {
		return nil, err
	}
	record.Balance = new(big.Int).Sub(record.Balance, principalPortion)
	record.BalancePaid = new(big.Int).Add(record.BalancePaid, pulled)
	if record.Balance.Sign() == 0 {
		if err := l.finalizeRepaid(record); err != nil {
			return nil, err
		}
		return pulled, nil
	}
	if err := l.state.LoanPut(record); err != nil {
		return nil, err
	}
	l.emitter.Emit(NewInstallmentPaidEvent(record, pulled, big.NewInt(0), l.now()))
	return pulled, nil
}

// Claim transitions a defaulted loan: the caller must hold the lender note
// and the default predicate must hold. Collateral moves to the claimant and
// both notes are burned.
func (l *Ledger) Claim(loanID uint64, caller [20]byte) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	record, err := l.activeLoan(loanID)
	if err != nil {
		return err
	}
	owner, err := l.lenderNoteOwner(record)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%w: only the lender note holder may claim", ErrUnauthorized)
	}
	if !defaulted(record, l.now(), l.params.defaultThreshold()) {
		return fmt.Errorf("%w: loan %d", ErrLoanNotDefaulted, loanID)
	}
	record.State = StateDefaulted
	if err := l.state.LoanPut(record); err != nil {
		return err
	}
	if err := l.custody.ReleaseFrom(record.Terms.Collateral, l.vaultAddr, caller); err != nil {
		return err
	}
	if err := l.notes.Burn(record.ID, NoteBorrower); err != nil {
		return err
	}
	if err := l.notes.Burn(record.ID, NoteLender); err != nil {
		return err
	}
	l.emitter.Emit(NewLoanClaimedEvent(record, caller))
	return nil
}

// WithdrawFees drains the protocol fee pot for symbol to the supplied
// address. Only the configured fee collector may call it.
func (l *Ledger) WithdrawFees(caller [20]byte, symbol string, to [20]byte) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	if caller != l.feeCollector {
		return nil, fmt.Errorf("%w: only the fee collector may withdraw", ErrUnauthorized)
	}
	symbol, err := NormalizeCurrency(symbol)
	if err != nil {
		return nil, err
	}
	pot, err := l.state.FeePotGet(symbol)
	if err != nil {
		return nil, err
	}
	if pot.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := l.transferCurrency(l.vaultAddr, to, symbol, pot); err != nil {
		return nil, err
	}
	if err := l.state.FeePotPut(symbol, big.NewInt(0)); err != nil {
		return nil, err
	}
	l.emitter.Emit(NewFeesWithdrawnEvent(symbol, pot, to))
	return pot, nil
}
