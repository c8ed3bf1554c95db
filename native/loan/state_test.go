package loan

import (
	"math/big"
	"testing"

	"loanchain/storage"
)

func TestNextLoanIDMonotonic(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	for want := uint64(1); want <= 5; want++ {
		id, err := store.NextLoanID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}
}

func TestNonceLatch(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	signer := addr(0x01)

	used, err := store.NonceConsumed(signer, 7)
	if err != nil || used {
		t.Fatalf("fresh nonce reported used: %v (%v)", used, err)
	}
	if err := store.ConsumeNonce(signer, 7, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}
	used, err = store.NonceConsumed(signer, 7)
	if err != nil || !used {
		t.Fatalf("consumed nonce reported fresh: %v (%v)", used, err)
	}
	if err := store.ConsumeNonce(signer, 7, 2); err == nil {
		t.Fatal("double consumption must fail")
	}

	// Nonces are scoped per signer.
	used, err = store.NonceConsumed(addr(0x02), 7)
	if err != nil || used {
		t.Fatalf("other signer's nonce reported used: %v (%v)", used, err)
	}
}

func TestLoanRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	record := &Loan{
		ID:             3,
		BorrowerNoteID: 3,
		LenderNoteID:   3,
		Borrower:       addr(0xB0),
		Lender:         addr(0xB1),
		Terms: Terms{
			DurationSecs:    400,
			Principal:       big.NewInt(1_000),
			InterestRate:    big.NewInt(5),
			Collateral:      CollateralRef{Kind: CollateralAsset, Address: addr(0xC0), ID: 9},
			PayableCurrency: "USDC",
			NumInstallments: 4,
		},
		State:           StateActive,
		StartDate:       1_000,
		DueDate:         1_400,
		Balance:         big.NewInt(1_000),
		BalancePaid:     big.NewInt(0),
		LateFeesAccrued: big.NewInt(0),
	}
	if err := store.LoanPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.LoanGet(3)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Balance.Cmp(record.Balance) != 0 || got.State != StateActive || got.Terms.Collateral != record.Terms.Collateral {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, ok, err := store.LoanGet(42); err != nil || ok {
		t.Fatalf("missing loan: ok=%v err=%v", ok, err)
	}
}

func TestAccountsDefaultEmpty(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	acc, err := store.GetAccount(addr(0x01))
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Balance("USDC").Sign() != 0 {
		t.Fatalf("fresh account balance = %s, want 0", acc.Balance("USDC"))
	}

	acc.SetBalance("USDC", big.NewInt(500))
	if err := store.PutAccount(addr(0x01), acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	again, err := store.GetAccount(addr(0x01))
	if err != nil || again.Balance("USDC").Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("balance = %s (%v), want 500", again.Balance("USDC"), err)
	}
}

func TestFeePot(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	pot, err := store.FeePotGet("USDC")
	if err != nil || pot.Sign() != 0 {
		t.Fatalf("fresh pot = %s (%v), want 0", pot, err)
	}
	if err := store.FeePotPut("USDC", big.NewInt(77)); err != nil {
		t.Fatalf("put pot: %v", err)
	}
	pot, err = store.FeePotGet("USDC")
	if err != nil || pot.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("pot = %s (%v), want 77", pot, err)
	}
	// Pots are per currency.
	other, err := store.FeePotGet("DAI")
	if err != nil || other.Sign() != 0 {
		t.Fatalf("other pot = %s (%v), want 0", other, err)
	}
}
