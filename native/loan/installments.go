package loan

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNoInstallments      = errors.New("loan servicing: loan has no installment schedule")
	ErrNoPaymentDue        = errors.New("loan servicing: no payment due in the current period")
	ErrPaymentBelowMinimum = errors.New("loan servicing: payment below the minimum due")
)

// periodLength returns the length of one installment period in seconds.
func periodLength(t *Terms) uint64 {
	if t == nil || t.NumInstallments == 0 {
		return 0
	}
	return t.DurationSecs / t.NumInstallments
}

// periodIndex returns the 1-based installment period containing now. Periods
// keep advancing past the due date while the loan remains uncured so late
// fees continue to accrue after term end.
func periodIndex(t *Terms, startDate, now int64) uint64 {
	length := periodLength(t)
	if length == 0 || now <= startDate {
		return 1
	}
	elapsed := uint64(now - startDate)
	return elapsed/length + 1
}

// missedPeriods counts the fully elapsed periods the borrower has not settled.
func missedPeriods(l *Loan, now int64) uint64 {
	if l == nil || l.Terms.NumInstallments == 0 {
		return 0
	}
	full := periodIndex(&l.Terms, l.StartDate, now) - 1
	if full <= l.NumInstallmentsPaid {
		return 0
	}
	return full - l.NumInstallmentsPaid
}

// installmentsOwed returns how many installments (missed plus the current
// period) are outstanding. Zero or negative means the current period is
// already settled.
func installmentsOwed(l *Loan, now int64) int64 {
	if l == nil || l.Terms.NumInstallments == 0 {
		return 0
	}
	return int64(periodIndex(&l.Terms, l.StartDate, now)) - int64(l.NumInstallmentsPaid)
}

// installmentAmounts computes the interest due and late fees for a loan with
// the given outstanding balance and number of missed periods.
//
// Base interest per period is balance * ratePerPeriod. For every missed
// period the charged late fee is lateFeeBps of the running balance plus the
// interest accrued so far, and the running balance compounds by the period
// interest plus lateFeeBps of the balance alone; two consecutive missed
// periods therefore cost strictly more than twice one. The current period is
// charged interest on the final compounded balance with no late fee.
func installmentAmounts(balance *big.Int, t *Terms, missed uint64, lateFeeBps uint64) (*big.Int, *big.Int) {
	interestDue := big.NewInt(0)
	lateFees := big.NewInt(0)
	if balance == nil || balance.Sign() <= 0 || t == nil || t.NumInstallments == 0 {
		return interestDue, lateFees
	}
	ratePerPeriod := new(big.Int).Div(cloneBigInt(t.InterestRate), new(big.Int).SetUint64(t.NumInstallments))
	bps := new(big.Int).SetUint64(lateFeeBps)

	running := cloneBigInt(balance)
	for i := uint64(0); i < missed; i++ {
		interest := mulDiv(running, ratePerPeriod, InterestRateDenominator)
		feeBasis := new(big.Int).Add(running, interestDue)
		fee := mulDiv(feeBasis, bps, basisPoints)
		compound := mulDiv(running, bps, basisPoints)
		interestDue.Add(interestDue, interest)
		lateFees.Add(lateFees, fee)
		running.Add(running, interest)
		running.Add(running, compound)
	}
	current := mulDiv(running, ratePerPeriod, InterestRateDenominator)
	interestDue.Add(interestDue, current)
	return interestDue, lateFees
}

// bulletInterest computes the single full-term interest charge owed on a
// non-installment loan's outstanding balance.
func bulletInterest(balance *big.Int, t *Terms) *big.Int {
	if balance == nil || balance.Sign() <= 0 || t == nil {
		return big.NewInt(0)
	}
	return mulDiv(balance, t.InterestRate, InterestRateDenominator)
}

func mulDiv(amount, num, den *big.Int) *big.Int {
	if amount == nil || num == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, num)
	return out.Quo(out, den)
}

// defaulted evaluates the claim-eligibility predicate: non-installment loans
// default strictly after their due date; installment loans default once the
// number of missed periods reaches the protocol threshold.
func defaulted(l *Loan, now int64, threshold uint64) bool {
	if l == nil {
		return false
	}
	if l.Terms.NumInstallments == 0 {
		return now > l.DueDate
	}
	return missedPeriods(l, now) >= threshold
}

// Servicer is the installment servicing engine. It computes amounts owed from
// a loan's terms and elapsed time and drives repayment and close operations
// against the ledger. A Servicer can only be obtained from the ledger it
// mutates.
type Servicer struct {
	ledger *Ledger
	nowFn  func() int64
}

// SetNowFunc overrides the time source used by the servicer. Primarily
// intended for tests to provide deterministic timestamps.
func (s *Servicer) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

func (s *Servicer) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().Unix()
	}
	return s.nowFn()
}

// InstallmentMinPayment returns the interest due, late fees and missed-period
// count for the loan's current period. A settled current period owes nothing,
// so both amounts come back zero, mirroring RepayPartMinimum's ErrNoPaymentDue.
// It performs no mutation.
func (s *Servicer) InstallmentMinPayment(loanID uint64) (*big.Int, *big.Int, uint64, error) {
	if s == nil || s.ledger == nil {
		return nil, nil, 0, errNilLedger
	}
	record, err := s.ledger.activeLoan(loanID)
	if err != nil {
		return nil, nil, 0, err
	}
	if record.Terms.NumInstallments == 0 {
		return nil, nil, 0, ErrNoInstallments
	}
	now := s.now()
	if installmentsOwed(record, now) <= 0 {
		return big.NewInt(0), big.NewInt(0), 0, nil
	}
	missed := missedPeriods(record, now)
	interestDue, lateFees := installmentAmounts(record.Balance, &record.Terms, missed, s.ledger.lateFeeBps())
	return interestDue, lateFees, missed, nil
}

// RepayPartMinimum pulls exactly the minimum payment (interest due plus late
// fees) from the payer, cures all missed periods plus the current one, and
// routes the payment to the lender note holder. Calling it twice within the
// same period fails with ErrNoPaymentDue.
func (s *Servicer) RepayPartMinimum(loanID uint64, payer [20]byte) (*big.Int, error) {
	return s.repayInstallment(loanID, payer, nil)
}

// RepayPart accepts any amount at or above the minimum payment; the excess is
// applied to the outstanding balance. An amount that retires the balance along
// with all accrued interest and fees transitions the loan to Repaid.
func (s *Servicer) RepayPart(loanID uint64, payer [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	return s.repayInstallment(loanID, payer, amount)
}

// AmountToClose returns the total payoff for the loan at the current time:
// outstanding balance plus all unpaid accrued interest and late fees.
func (s *Servicer) AmountToClose(loanID uint64) (*big.Int, error) {
	if s == nil || s.ledger == nil {
		return nil, errNilLedger
	}
	record, err := s.ledger.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	payoff, _, _ := s.closeAmounts(record, s.now())
	return payoff, nil
}

// CloseLoan repays the full payoff computed by AmountToClose in a single call
// and transitions the loan to Repaid.
func (s *Servicer) CloseLoan(loanID uint64, payer [20]byte) (*big.Int, error) {
	if s == nil || s.ledger == nil {
		return nil, errNilLedger
	}
	l := s.ledger
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()
	record, err := l.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	payoff, _, lateFees := s.closeAmounts(record, s.now())
	if err := l.settlePayment(record, payer, payoff, cloneBigInt(record.Balance), lateFees); err != nil {
		return nil, err
	}
	return payoff, nil
}

// closeAmounts computes (payoff, interestDue, lateFees) for the record.
func (s *Servicer) closeAmounts(record *Loan, now int64) (*big.Int, *big.Int, *big.Int) {
	if record.Terms.NumInstallments == 0 {
		interest := bulletInterest(record.Balance, &record.Terms)
		payoff := new(big.Int).Add(record.Balance, interest)
		return payoff, interest, big.NewInt(0)
	}
	missed := missedPeriods(record, now)
	interestDue, lateFees := installmentAmounts(record.Balance, &record.Terms, missed, s.ledger.lateFeeBps())
	payoff := new(big.Int).Add(record.Balance, interestDue)
	payoff.Add(payoff, lateFees)
	return payoff, interestDue, lateFees
}

// repayInstallment implements both minimum and above-minimum installment
// repayment. amount == nil selects exactly the minimum.
func (s *Servicer) repayInstallment(loanID uint64, payer [20]byte, amount *big.Int) (*big.Int, error) {
	if s == nil || s.ledger == nil {
		return nil, errNilLedger
	}
	l := s.ledger
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	record, err := l.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	if record.Terms.NumInstallments == 0 {
		return nil, ErrNoInstallments
	}
	now := s.now()
	owed := installmentsOwed(record, now)
	if owed <= 0 {
		return nil, ErrNoPaymentDue
	}
	missed := missedPeriods(record, now)
	interestDue, lateFees := installmentAmounts(record.Balance, &record.Terms, missed, l.lateFeeBps())
	minimum := new(big.Int).Add(interestDue, lateFees)

	pulled := new(big.Int).Set(minimum)
	principalPortion := big.NewInt(0)
	if amount != nil {
		if amount.Cmp(minimum) < 0 {
			return nil, fmt.Errorf("%w: minimum %s, offered %s", ErrPaymentBelowMinimum, minimum, amount)
		}
		excess := new(big.Int).Sub(amount, minimum)
		if excess.Cmp(record.Balance) >= 0 {
			principalPortion = cloneBigInt(record.Balance)
		} else {
			principalPortion = excess
		}
		pulled.Add(pulled, principalPortion)
	}

	if err := l.settleInstallment(record, payer, pulled, principalPortion, lateFees, uint64(owed), now); err != nil {
		return nil, err
	}
	return pulled, nil
}
