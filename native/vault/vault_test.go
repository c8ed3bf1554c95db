package vault

import (
	"errors"
	"testing"

	"loanchain/native/loan"
	"loanchain/storage"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func assetRef() loan.CollateralRef {
	return loan.CollateralRef{Kind: loan.CollateralAsset, Address: addr(0xC0), ID: 1}
}

func bundleRef() loan.CollateralRef {
	return loan.CollateralRef{Kind: loan.CollateralBundle, Address: addr(0xC1), ID: 2}
}

func TestRegisterAndResolveHolder(t *testing.T) {
	r := NewRegistry(storage.NewMemDB())
	owner := addr(0x01)

	if _, err := r.Holder(assetRef()); !errors.Is(err, ErrUnknownCollateral) {
		t.Fatalf("expected ErrUnknownCollateral, got %v", err)
	}
	if err := r.Register(assetRef(), owner); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(assetRef(), owner); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	holder, err := r.Holder(assetRef())
	if err != nil || holder != owner {
		t.Fatalf("holder = %x (%v), want %x", holder, err, owner)
	}
}

func TestCustodyMoves(t *testing.T) {
	r := NewRegistry(storage.NewMemDB())
	owner := addr(0x01)
	vaultAcc := addr(0xA1)
	claimant := addr(0x02)
	if err := r.Register(assetRef(), owner); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Only the current holder's collateral can be pulled.
	if err := r.PullInto(assetRef(), claimant, vaultAcc); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := r.PullInto(assetRef(), owner, vaultAcc); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if holder, _ := r.Holder(assetRef()); holder != vaultAcc {
		t.Fatalf("holder = %x, want vault", holder)
	}
	if err := r.ReleaseFrom(assetRef(), vaultAcc, claimant); err != nil {
		t.Fatalf("release: %v", err)
	}
	if holder, _ := r.Holder(assetRef()); holder != claimant {
		t.Fatalf("holder = %x, want claimant", holder)
	}
}

func TestBundleItemsAndPredicate(t *testing.T) {
	r := NewRegistry(storage.NewMemDB())
	owner := addr(0x01)
	if err := r.Register(bundleRef(), owner); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.SetBundleItems(addr(0x02), bundleRef(), nil); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	items := []Item{
		{Category: "deed", ID: 10},
		{Category: "appraisal", ID: 11},
		{Category: "appraisal", ID: 12},
	}
	if err := r.SetBundleItems(owner, bundleRef(), items); err != nil {
		t.Fatalf("set items: %v", err)
	}
	got, err := r.BundleItems(bundleRef())
	if err != nil || len(got) != 3 {
		t.Fatalf("bundle items = %v (%v)", got, err)
	}

	satisfied := []byte(`{"required":[{"category":"deed","minCount":1},{"category":"appraisal","minCount":2}]}`)
	if err := r.VerifyItems(bundleRef(), satisfied); err != nil {
		t.Fatalf("verify: %v", err)
	}
	unsatisfied := []byte(`{"required":[{"category":"deed","minCount":2}]}`)
	if err := r.VerifyItems(bundleRef(), unsatisfied); !errors.Is(err, ErrPredicateFailed) {
		t.Fatalf("expected ErrPredicateFailed, got %v", err)
	}
	if err := r.VerifyItems(bundleRef(), []byte("not json")); err == nil {
		t.Fatal("expected error for malformed predicate")
	}
}

func TestBundleOperationsRejectAssets(t *testing.T) {
	r := NewRegistry(storage.NewMemDB())
	if err := r.Register(assetRef(), addr(0x01)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetBundleItems(addr(0x01), assetRef(), nil); !errors.Is(err, ErrBundleRequired) {
		t.Fatalf("expected ErrBundleRequired, got %v", err)
	}
	if _, err := r.BundleItems(assetRef()); !errors.Is(err, ErrBundleRequired) {
		t.Fatalf("expected ErrBundleRequired, got %v", err)
	}
	if err := r.VerifyItems(assetRef(), []byte(`{}`)); !errors.Is(err, ErrBundleRequired) {
		t.Fatalf("expected ErrBundleRequired, got %v", err)
	}
}
