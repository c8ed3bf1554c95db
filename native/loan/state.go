package loan

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"loanchain/core/types"
	"loanchain/storage"
)

// engineState abstracts the persistence layer the loan engines operate
// against. The ledger owns the loan-id allocator and the used-nonce latch; no
// other component writes either.
type engineState interface {
	LoanGet(id uint64) (*Loan, bool, error)
	LoanPut(l *Loan) error
	NextLoanID() (uint64, error)
	NonceConsumed(signer [20]byte, nonce uint64) (bool, error)
	ConsumeNonce(signer [20]byte, nonce uint64, loanID uint64) error
	DelegateEnabled(principal, delegate [20]byte) (bool, error)
	DelegatePut(principal, delegate [20]byte, enabled bool) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	FeePotGet(symbol string) (*big.Int, error)
	FeePotPut(symbol string, amount *big.Int) error
}

var (
	loanRecordPrefix   = []byte("loan/record/")
	loanSequenceKey    = []byte("loan/seq")
	loanNoncePrefix    = []byte("loan/nonce/")
	loanDelegatePrefix = []byte("loan/delegate/")
	loanAccountPrefix  = []byte("loan/account/")
	loanFeePotPrefix   = []byte("loan/fees/")
)

// Store persists loan state in an underlying key-value database using JSON
// encoded records.
type Store struct {
	db storage.Database
}

// NewStore constructs a store bound to the provided database backend.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func loanRecordKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), loanRecordPrefix...), buf[:]...)
}

func nonceKey(signer [20]byte, nonce uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	key := append(append([]byte(nil), loanNoncePrefix...), signer[:]...)
	return append(key, buf[:]...)
}

func delegateKey(principal, delegate [20]byte) []byte {
	key := append(append([]byte(nil), loanDelegatePrefix...), principal[:]...)
	return append(key, delegate[:]...)
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte(nil), loanAccountPrefix...), addr[:]...)
}

func feePotKey(symbol string) []byte {
	return append(append([]byte(nil), loanFeePotPrefix...), []byte(symbol)...)
}

// LoanGet loads a loan record by identifier.
func (s *Store) LoanGet(id uint64) (*Loan, bool, error) {
	raw, err := s.db.Get(loanRecordKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	record := new(Loan)
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, false, fmt.Errorf("loan store: decode record %d: %w", id, err)
	}
	sanitized, err := SanitizeLoan(record)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// LoanPut persists a loan record.
func (s *Store) LoanPut(l *Loan) error {
	sanitized, err := SanitizeLoan(l)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("loan store: encode record %d: %w", sanitized.ID, err)
	}
	return s.db.Put(loanRecordKey(sanitized.ID), raw)
}

// NextLoanID atomically advances the monotonic loan identifier allocator. The
// first allocated identifier is 1 so the zero value can mean "no loan".
func (s *Store) NextLoanID() (uint64, error) {
	var next uint64 = 1
	raw, err := s.db.Get(loanSequenceKey)
	if err == nil {
		if len(raw) != 8 {
			return 0, fmt.Errorf("loan store: corrupt sequence value")
		}
		next = binary.BigEndian.Uint64(raw) + 1
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Put(loanSequenceKey, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// NonceConsumed reports whether the (signer, nonce) pair has been bound to a
// started loan.
func (s *Store) NonceConsumed(signer [20]byte, nonce uint64) (bool, error) {
	ok, err := s.db.Has(nonceKey(signer, nonce))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ConsumeNonce marks the (signer, nonce) pair as used, recording the loan it
// was bound to. Consuming an already-used nonce is an error.
func (s *Store) ConsumeNonce(signer [20]byte, nonce uint64, loanID uint64) error {
	key := nonceKey(signer, nonce)
	used, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("loan store: nonce %d already consumed", nonce)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], loanID)
	return s.db.Put(key, buf[:])
}

// DelegateEnabled reports whether delegate may sign terms on behalf of
// principal.
func (s *Store) DelegateEnabled(principal, delegate [20]byte) (bool, error) {
	ok, err := s.db.Has(delegateKey(principal, delegate))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// DelegatePut enables or disables a signing delegation.
func (s *Store) DelegatePut(principal, delegate [20]byte, enabled bool) error {
	key := delegateKey(principal, delegate)
	if enabled {
		return s.db.Put(key, []byte{1})
	}
	return s.db.Delete(key)
}

// GetAccount loads the currency account for the address. Missing accounts
// resolve to an empty account rather than an error.
func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return &types.Account{Balances: make(map[string]*big.Int)}, nil
		}
		return nil, err
	}
	account := new(types.Account)
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, fmt.Errorf("loan store: decode account: %w", err)
	}
	if account.Balances == nil {
		account.Balances = make(map[string]*big.Int)
	}
	return account, nil
}

// PutAccount persists the currency account for the address.
func (s *Store) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("loan store: nil account")
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("loan store: encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), raw)
}

// FeePotGet returns the accrued protocol fees for the currency symbol.
func (s *Store) FeePotGet(symbol string) (*big.Int, error) {
	raw, err := s.db.Get(feePotKey(symbol))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	pot := new(big.Int)
	if err := pot.UnmarshalText(raw); err != nil {
		return nil, fmt.Errorf("loan store: decode fee pot: %w", err)
	}
	return pot, nil
}

// FeePotPut stores the accrued protocol fees for the currency symbol.
func (s *Store) FeePotPut(symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("loan store: invalid fee pot amount")
	}
	raw, err := amount.MarshalText()
	if err != nil {
		return err
	}
	return s.db.Put(feePotKey(symbol), raw)
}
