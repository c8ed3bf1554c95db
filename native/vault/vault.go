package vault

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"loanchain/native/loan"
	"loanchain/storage"
)

var (
	ErrUnknownCollateral = errors.New("vault: collateral is not registered")
	ErrNotHolder         = errors.New("vault: account does not hold the collateral")
	ErrAlreadyRegistered = errors.New("vault: collateral already registered")
	ErrBundleRequired    = errors.New("vault: operation requires a bundle reference")
	ErrPredicateFailed   = errors.New("vault: bundle contents do not satisfy the predicate")
)

var (
	holderPrefix = []byte("vault/holder/")
	bundlePrefix = []byte("vault/bundle/")
)

// Item is a single asset inside a collateral bundle.
type Item struct {
	Category string `json:"category"`
	ID       uint64 `json:"id"`
}

// Predicate describes the contents a bundle must carry to back a loan. A
// bundle satisfies the predicate when every requirement is met.
type Predicate struct {
	Required []Requirement `json:"required"`
}

// Requirement demands at least MinCount items of Category in the bundle.
type Requirement struct {
	Category string `json:"category"`
	MinCount int    `json:"minCount"`
}

// Registry tracks which account holds each piece of collateral and, for
// bundles, what the bundle contains. Holder records move between the
// borrower, the vault account and a claimant; the registry never invents
// ownership.
type Registry struct {
	db storage.Database
}

// NewRegistry constructs a registry over the supplied database backend.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

func refKey(prefix []byte, ref loan.CollateralRef) []byte {
	key := make([]byte, 0, len(prefix)+1+len(ref.Address)+8)
	key = append(key, prefix...)
	key = append(key, byte(ref.Kind))
	key = append(key, ref.Address[:]...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], ref.ID)
	return append(key, id[:]...)
}

// Register brings collateral under registry tracking with an initial holder.
// Registering the same reference twice fails.
func (r *Registry) Register(ref loan.CollateralRef, owner [20]byte) error {
	key := refKey(holderPrefix, ref)
	ok, err := r.db.Has(key)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyRegistered
	}
	return r.db.Put(key, owner[:])
}

// Holder resolves the current holder of the collateral.
func (r *Registry) Holder(ref loan.CollateralRef) ([20]byte, error) {
	raw, err := r.db.Get(refKey(holderPrefix, ref))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return [20]byte{}, ErrUnknownCollateral
		}
		return [20]byte{}, err
	}
	if len(raw) != 20 {
		return [20]byte{}, fmt.Errorf("vault: corrupt holder record (%d bytes)", len(raw))
	}
	var out [20]byte
	copy(out[:], raw)
	return out, nil
}

// PullInto moves the collateral from its current holder into custody. The
// from account must be the current holder.
func (r *Registry) PullInto(ref loan.CollateralRef, from [20]byte, holder [20]byte) error {
	return r.move(ref, from, holder)
}

// ReleaseFrom moves the collateral out of custody to its destination. The
// holder account must currently hold it.
func (r *Registry) ReleaseFrom(ref loan.CollateralRef, holder [20]byte, to [20]byte) error {
	return r.move(ref, holder, to)
}

func (r *Registry) move(ref loan.CollateralRef, from, to [20]byte) error {
	current, err := r.Holder(ref)
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("%w: held by %x, not %x", ErrNotHolder, current, from)
	}
	return r.db.Put(refKey(holderPrefix, ref), to[:])
}

// SetBundleItems records the contents of a collateral bundle. Only the
// current holder may restate a bundle's contents.
func (r *Registry) SetBundleItems(caller [20]byte, ref loan.CollateralRef, items []Item) error {
	if ref.Kind != loan.CollateralBundle {
		return ErrBundleRequired
	}
	holder, err := r.Holder(ref)
	if err != nil {
		return err
	}
	if holder != caller {
		return fmt.Errorf("%w: held by %x", ErrNotHolder, holder)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.db.Put(refKey(bundlePrefix, ref), raw)
}

// BundleItems returns the recorded contents of a bundle. An empty bundle is
// returned for a registered bundle with no recorded items.
func (r *Registry) BundleItems(ref loan.CollateralRef) ([]Item, error) {
	if ref.Kind != loan.CollateralBundle {
		return nil, ErrBundleRequired
	}
	raw, err := r.db.Get(refKey(bundlePrefix, ref))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("vault: corrupt bundle record: %w", err)
	}
	return items, nil
}

// VerifyItems checks a bundle's contents against a JSON encoded Predicate.
func (r *Registry) VerifyItems(ref loan.CollateralRef, predicate []byte) error {
	if ref.Kind != loan.CollateralBundle {
		return ErrBundleRequired
	}
	var pred Predicate
	if err := json.Unmarshal(predicate, &pred); err != nil {
		return fmt.Errorf("vault: invalid predicate: %w", err)
	}
	items, err := r.BundleItems(ref)
	if err != nil {
		return err
	}
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[item.Category]++
	}
	for _, req := range pred.Required {
		if counts[req.Category] < req.MinCount {
			return fmt.Errorf("%w: need %d of %q, have %d", ErrPredicateFailed, req.MinCount, req.Category, counts[req.Category])
		}
	}
	return nil
}
