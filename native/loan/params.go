package loan

import "math/big"

const moduleName = "loan"

// basisPoints is the denominator for all fee rates expressed in bps.
var basisPoints = big.NewInt(10_000)

// InterestRateDenominator scales Terms.InterestRate: a rate of 1e18 is 100%
// interest over the loan's full term.
var InterestRateDenominator = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const (
	// DefaultMaxInstallments bounds the number of repayment periods a terms
	// payload may request.
	DefaultMaxInstallments = 1_000_000
	// DefaultThresholdPeriods is the number of fully elapsed, uncured
	// periods after which an installment loan becomes claimable. With a
	// threshold of two, a loan is still curable during the period that
	// follows a missed payment and defaults once an entire further period
	// passes.
	DefaultThresholdPeriods = 2
)

// Params groups the protocol limits enforced during term validation and
// default checks.
type Params struct {
	// MaxInstallments is the inclusive upper bound on Terms.NumInstallments.
	MaxInstallments uint64
	// MaxInterestRate is the exclusive upper bound on Terms.InterestRate,
	// scaled by InterestRateDenominator.
	MaxInterestRate *big.Int
	// DefaultThresholdPeriods overrides the package default when set.
	DefaultThresholdPeriods uint64
}

// DefaultParams returns the protocol parameter set used when the operator does
// not override limits: installments up to one million, rates below 100%, and
// the two-period default threshold.
func DefaultParams() Params {
	return Params{
		MaxInstallments:         DefaultMaxInstallments,
		MaxInterestRate:         new(big.Int).Set(InterestRateDenominator),
		DefaultThresholdPeriods: DefaultThresholdPeriods,
	}
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	clone := p
	if p.MaxInterestRate != nil {
		clone.MaxInterestRate = new(big.Int).Set(p.MaxInterestRate)
	}
	return clone
}

func (p Params) maxInstallments() uint64 {
	if p.MaxInstallments == 0 {
		return DefaultMaxInstallments
	}
	return p.MaxInstallments
}

func (p Params) maxInterestRate() *big.Int {
	if p.MaxInterestRate == nil || p.MaxInterestRate.Sign() == 0 {
		return InterestRateDenominator
	}
	return p.MaxInterestRate
}

func (p Params) defaultThreshold() uint64 {
	if p.DefaultThresholdPeriods == 0 {
		return DefaultThresholdPeriods
	}
	return p.DefaultThresholdPeriods
}
