package notes

import (
	"encoding/binary"
	"errors"
	"fmt"

	"loanchain/native/loan"
	"loanchain/storage"
)

var (
	ErrNoteExists   = errors.New("notes: note already minted for this loan and side")
	ErrUnknownNote  = errors.New("notes: note not found")
	ErrNotNoteOwner = errors.New("notes: caller does not own the note")
)

var ownerPrefix = []byte("notes/owner/")

// Registry issues and tracks the transferable obligation notes minted per
// loan: one for the borrower side, one for the lender side. Ownership of the
// lender note determines who receives payments and who may claim on default;
// the registry itself carries no loan semantics.
type Registry struct {
	db storage.Database
}

// NewRegistry constructs a registry over the supplied database backend.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

func noteKey(loanID uint64, side loan.NoteSide) []byte {
	key := make([]byte, 0, len(ownerPrefix)+9)
	key = append(key, ownerPrefix...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], loanID)
	key = append(key, id[:]...)
	return append(key, byte(side))
}

// Mint issues the note for one side of a loan to its initial owner.
func (r *Registry) Mint(to [20]byte, loanID uint64, side loan.NoteSide) error {
	key := noteKey(loanID, side)
	ok, err := r.db.Has(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: loan %d side %d", ErrNoteExists, loanID, side)
	}
	return r.db.Put(key, to[:])
}

// Burn retires the note. Burning an unknown note is an error.
func (r *Registry) Burn(loanID uint64, side loan.NoteSide) error {
	key := noteKey(loanID, side)
	ok, err := r.db.Has(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: loan %d side %d", ErrUnknownNote, loanID, side)
	}
	return r.db.Delete(key)
}

// Owner resolves the note's current owner. The second return reports whether
// the note exists.
func (r *Registry) Owner(loanID uint64, side loan.NoteSide) ([20]byte, bool, error) {
	raw, err := r.db.Get(noteKey(loanID, side))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return [20]byte{}, false, nil
		}
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("notes: corrupt owner record (%d bytes)", len(raw))
	}
	var out [20]byte
	copy(out[:], raw)
	return out, true, nil
}

// Transfer moves the note from its current owner to a new one. The caller
// must be the current owner. Transferring the lender note redirects future
// payments and the default claim to the new owner.
func (r *Registry) Transfer(caller [20]byte, loanID uint64, side loan.NoteSide, to [20]byte) error {
	owner, ok, err := r.Owner(loanID, side)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: loan %d side %d", ErrUnknownNote, loanID, side)
	}
	if owner != caller {
		return fmt.Errorf("%w: owned by %x", ErrNotNoteOwner, owner)
	}
	return r.db.Put(noteKey(loanID, side), to[:])
}
