package loan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TermsDomainV1 scopes signed terms payloads to this protocol and payload
// version; signatures over other domains never validate here.
const TermsDomainV1 = "LOANCHAIN_TERMS_V1"

// Side flags which half of the loan the signature consents to. The side is
// part of the signed digest so a lend-side signature can never be replayed as
// borrow-side consent.
type Side uint8

const (
	SideLend Side = iota
	SideBorrow
)

func (s Side) String() string {
	if s == SideBorrow {
		return "borrow"
	}
	return "lend"
}

var (
	ErrInvalidTerms      = errors.New("loan validator: malformed terms")
	ErrDeadlineExpired   = errors.New("loan validator: terms deadline expired")
	ErrInvalidSignature  = errors.New("loan validator: invalid counterparty signature")
	ErrNonceUsed         = errors.New("loan validator: nonce already consumed")
	errValidatorNilState = errors.New("loan validator: state not configured")
)

// TermsDigest reconstructs the canonical 32-byte message digest a counterparty
// signs to consent to the supplied terms. Signatures are scoped per signer and
// per nonce, so one signer can pre-authorize many terms sets without them
// colliding.
func TermsDigest(terms *Terms, side Side, nonce uint64) [32]byte {
	var digest [32]byte
	if terms == nil {
		return digest
	}
	principal := "0"
	if terms.Principal != nil {
		principal = terms.Principal.String()
	}
	rate := "0"
	if terms.InterestRate != nil {
		rate = terms.InterestRate.String()
	}
	payload := fmt.Sprintf("%s|side=%s|dur=%d|principal=%s|rate=%s|coll=%d:%s:%d|currency=%s|installments=%d|deadline=%d|nonce=%d",
		TermsDomainV1,
		side,
		terms.DurationSecs,
		principal,
		rate,
		terms.Collateral.Kind,
		hex.EncodeToString(terms.Collateral.Address[:]),
		terms.Collateral.ID,
		strings.TrimSpace(terms.PayableCurrency),
		terms.NumInstallments,
		terms.Deadline,
		nonce,
	)
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest
}

// validatorState is the read-only slice of ledger state the validator needs:
// the used-nonce latch and the signing delegations.
type validatorState interface {
	NonceConsumed(signer [20]byte, nonce uint64) (bool, error)
	DelegateEnabled(principal, delegate [20]byte) (bool, error)
	DelegatePut(principal, delegate [20]byte, enabled bool) error
}

// Validator checks proposed terms structurally and verifies the counterparty's
// cryptographic consent over them. It never mutates the nonce latch; the
// ledger consumes nonces atomically with loan creation.
type Validator struct {
	state  validatorState
	params Params
	nowFn  func() int64
}

// NewValidator constructs a validator bound to the provided state and
// protocol parameters.
func NewValidator(state validatorState, params Params) *Validator {
	return &Validator{
		state:  state,
		params: params.Clone(),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the validator. Primarily
// intended for tests to provide deterministic timestamps.
func (v *Validator) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

func (v *Validator) now() int64 {
	if v == nil || v.nowFn == nil {
		return time.Now().Unix()
	}
	return v.nowFn()
}

// ValidateTerms applies the structural checks only: positive duration and
// principal, installment count of zero or within [2, MaxInstallments], rate
// within [0, MaxInterestRate), registered currency shape, supported collateral
// kind.
func (v *Validator) ValidateTerms(terms *Terms) error {
	if terms == nil {
		return fmt.Errorf("%w: nil terms", ErrInvalidTerms)
	}
	if terms.DurationSecs == 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidTerms)
	}
	if terms.Principal == nil || terms.Principal.Sign() <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidTerms)
	}
	if terms.NumInstallments == 1 {
		return fmt.Errorf("%w: a single installment is meaningless; use 0 or >= 2", ErrInvalidTerms)
	}
	if terms.NumInstallments > v.params.maxInstallments() {
		return fmt.Errorf("%w: %d installments exceeds maximum %d", ErrInvalidTerms, terms.NumInstallments, v.params.maxInstallments())
	}
	if terms.InterestRate == nil || terms.InterestRate.Sign() < 0 {
		return fmt.Errorf("%w: interest rate must be non-negative", ErrInvalidTerms)
	}
	if terms.InterestRate.Cmp(v.params.maxInterestRate()) >= 0 {
		return fmt.Errorf("%w: interest rate %s exceeds maximum", ErrInvalidTerms, terms.InterestRate)
	}
	if !terms.Collateral.Kind.Valid() {
		return fmt.Errorf("%w: unsupported collateral kind %d", ErrInvalidTerms, terms.Collateral.Kind)
	}
	if _, err := NormalizeCurrency(terms.PayableCurrency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTerms, err)
	}
	return nil
}

// Validate runs the full origination-time check: structural terms validation,
// deadline, nonce freshness, and signature recovery. The signature must have
// been produced by the claimed counterparty or one of its enabled signing
// delegates over the exact terms payload, side flag and nonce.
func (v *Validator) Validate(terms *Terms, signer [20]byte, side Side, sig []byte, nonce uint64) error {
	if v == nil || v.state == nil {
		return errValidatorNilState
	}
	if err := v.ValidateTerms(terms); err != nil {
		return err
	}
	if terms.Deadline < v.now() {
		return ErrDeadlineExpired
	}
	used, err := v.state.NonceConsumed(signer, nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrNonceUsed
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidSignature)
	}
	digest := TermsDigest(terms, side, nonce)
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var recovered [20]byte
	copy(recovered[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	if recovered == signer {
		return nil
	}
	delegated, err := v.state.DelegateEnabled(signer, recovered)
	if err != nil {
		return err
	}
	if !delegated {
		return fmt.Errorf("%w: recovered signer %x does not match counterparty", ErrInvalidSignature, recovered)
	}
	return nil
}

// SetSigningDelegate enables or disables delegate as an authorized signer of
// terms on behalf of principal. Only the principal itself may change its
// delegations.
func (v *Validator) SetSigningDelegate(caller, principal, delegate [20]byte, enabled bool) error {
	if v == nil || v.state == nil {
		return errValidatorNilState
	}
	if caller != principal {
		return fmt.Errorf("loan validator: only the principal may manage its signing delegates")
	}
	if principal == delegate {
		return fmt.Errorf("loan validator: cannot delegate signing to self")
	}
	return v.state.DelegatePut(principal, delegate, enabled)
}
