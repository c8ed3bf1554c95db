package fees

import (
	"encoding/binary"
	"errors"
	"fmt"

	"loanchain/storage"
)

const maxBps = 10_000

var (
	ErrNotAuthority = errors.New("fees: caller is not the fee authority")
	ErrBpsTooLarge  = errors.New("fees: basis points exceed 10000")
)

var (
	originationKey = []byte("fees/origination_bps")
	lateFeeKey     = []byte("fees/late_fee_bps")
)

// Schedule holds the governable protocol fee parameters. Readers always see
// the most recently stored values, so a governance update applies to the next
// assessment rather than being frozen into open loans.
type Schedule struct {
	db        storage.Database
	authority [20]byte

	defaultOriginationBps uint64
	defaultLateFeeBps     uint64
}

// NewSchedule constructs a schedule with the given governance authority and
// fallback defaults used until a value is explicitly set.
func NewSchedule(db storage.Database, authority [20]byte, defaultOriginationBps, defaultLateFeeBps uint64) (*Schedule, error) {
	if defaultOriginationBps > maxBps || defaultLateFeeBps > maxBps {
		return nil, ErrBpsTooLarge
	}
	return &Schedule{
		db:                    db,
		authority:             authority,
		defaultOriginationBps: defaultOriginationBps,
		defaultLateFeeBps:     defaultLateFeeBps,
	}, nil
}

// OriginationFeeBps returns the fee charged on a loan's principal at
// origination, in basis points.
func (s *Schedule) OriginationFeeBps() uint64 {
	return s.read(originationKey, s.defaultOriginationBps)
}

// LateFeeBps returns the fee charged per missed installment period, in basis
// points.
func (s *Schedule) LateFeeBps() uint64 {
	return s.read(lateFeeKey, s.defaultLateFeeBps)
}

// SetOriginationFeeBps updates the origination fee. Only the authority may
// call it.
func (s *Schedule) SetOriginationFeeBps(caller [20]byte, bps uint64) error {
	return s.write(caller, originationKey, bps)
}

// SetLateFeeBps updates the per-period late fee. Only the authority may call
// it.
func (s *Schedule) SetLateFeeBps(caller [20]byte, bps uint64) error {
	return s.write(caller, lateFeeKey, bps)
}

func (s *Schedule) read(key []byte, fallback uint64) uint64 {
	raw, err := s.db.Get(key)
	if err != nil || len(raw) != 8 {
		return fallback
	}
	return binary.BigEndian.Uint64(raw)
}

func (s *Schedule) write(caller [20]byte, key []byte, bps uint64) error {
	if caller != s.authority {
		return fmt.Errorf("%w: %x", ErrNotAuthority, caller)
	}
	if bps > maxBps {
		return ErrBpsTooLarge
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bps)
	return s.db.Put(key, buf[:])
}
