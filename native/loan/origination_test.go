package loan

import (
	"errors"
	"math/big"
	"testing"

	"loanchain/core/types"
	"loanchain/crypto"
)

type mockItems struct {
	err    error
	called int
}

func (m *mockItems) VerifyItems(ref CollateralRef, predicate []byte) error {
	m.called++
	return m.err
}

func TestInitializeLoanWithItems(t *testing.T) {
	f := newFixture(t)
	bundle := CollateralRef{Kind: CollateralBundle, Address: addr(0xC2), ID: 3}
	f.custody.holders[bundle] = f.borrower
	terms := f.standardTerms()
	terms.Collateral = bundle
	f.fund(f.lender, "USDC", tokens(100))

	verifier := &mockItems{}
	f.originator.SetItemsVerifier(verifier)
	id, err := f.originator.InitializeLoanWithItems(f.borrower, terms, f.lender, f.sign(terms, 1), 1, []byte(`{"required":[]}`))
	if err != nil {
		t.Fatalf("initialize with items: %v", err)
	}
	if verifier.called != 1 {
		t.Fatalf("verifier called %d times, want 1", verifier.called)
	}
	if record := f.loan(id); record.State != StateActive {
		t.Fatalf("state = %s, want active", record.State)
	}
}

func TestInitializeLoanWithItemsVerificationFailure(t *testing.T) {
	f := newFixture(t)
	bundle := CollateralRef{Kind: CollateralBundle, Address: addr(0xC2), ID: 3}
	f.custody.holders[bundle] = f.borrower
	terms := f.standardTerms()
	terms.Collateral = bundle
	f.fund(f.lender, "USDC", tokens(100))

	f.originator.SetItemsVerifier(&mockItems{err: errors.New("missing item")})
	_, err := f.originator.InitializeLoanWithItems(f.borrower, terms, f.lender, f.sign(terms, 1), 1, []byte(`{}`))
	if !errors.Is(err, ErrItemsUnverified) {
		t.Fatalf("expected ErrItemsUnverified, got %v", err)
	}
	// Verification runs before custody: the bundle never moved.
	if holder, _ := f.custody.Holder(bundle); holder != f.borrower {
		t.Fatalf("bundle holder = %x, want borrower", holder)
	}
	if used, _ := f.store.NonceConsumed(f.lender, 1); used {
		t.Fatal("nonce must survive a failed item verification")
	}
}

func TestInitializeLoanWithItemsRequiresBundle(t *testing.T) {
	f := newFixture(t)
	terms := f.standardTerms() // asset collateral
	f.fund(f.lender, "USDC", tokens(100))
	f.originator.SetItemsVerifier(&mockItems{})
	_, err := f.originator.InitializeLoanWithItems(f.borrower, terms, f.lender, f.sign(terms, 1), 1, nil)
	if !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected ErrInvalidTerms, got %v", err)
	}
}

// rolloverFixture opens a bullet loan and prepares a distinct new lender.
func rolloverFixture(t *testing.T) (*fixture, uint64, [20]byte, *crypto.PrivateKey) {
	f := newFixture(t)
	terms := f.bulletTerms()
	f.fund(f.lender, "USDC", terms.Principal)
	id, err := f.originator.InitializeLoan(f.borrower, terms, f.lender, f.sign(terms, 1), 1)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	newKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var newLender [20]byte
	copy(newLender[:], newKey.PubKey().Address().Bytes())
	return f, id, newLender, newKey
}

func signAs(t *testing.T, key *crypto.PrivateKey, terms *Terms, nonce uint64) []byte {
	t.Helper()
	digest := TermsDigest(terms, SideLend, nonce)
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestRolloverSurplusToBorrower(t *testing.T) {
	f, oldID, newLender, newKey := rolloverFixture(t)
	f.now += 50

	// Payoff is 110 (100 principal, 10% full-term). The 150 replacement
	// loan covers it with 40 left over for the borrower.
	newTerms := f.bulletTerms()
	newTerms.Principal = tokens(150)
	f.fund(newLender, "USDC", tokens(150))

	borrowerBefore := f.balance(f.borrower, "USDC")
	newID, err := f.originator.Rollover(f.borrower, oldID, newTerms, newLender, signAs(t, newKey, newTerms, 7), 7)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if newID == oldID {
		t.Fatal("rollover must allocate a fresh loan id")
	}

	old := f.loan(oldID)
	if old.State != StateRepaid {
		t.Fatalf("old state = %s, want repaid", old.State)
	}
	renewed := f.loan(newID)
	if renewed.State != StateActive || renewed.Balance.Cmp(tokens(150)) != 0 {
		t.Fatalf("new loan state=%s balance=%s", renewed.State, renewed.Balance)
	}

	// Old lender receives the payoff, borrower pockets the surplus, and the
	// collateral never left custody.
	if got := f.balance(f.lender, "USDC"); got.Cmp(tokens(110)) != 0 {
		t.Fatalf("old lender balance = %s, want %s", got, tokens(110))
	}
	borrowerGain := f.balance(f.borrower, "USDC").Sub(f.balance(f.borrower, "USDC"), borrowerBefore)
	if borrowerGain.Cmp(tokens(40)) != 0 {
		t.Fatalf("borrower gained %s, want %s", borrowerGain, tokens(40))
	}
	if holder, _ := f.custody.Holder(f.collateral); holder != f.vaultAddr {
		t.Fatalf("collateral holder = %x, want vault", holder)
	}
	if owner, ok, _ := f.notes.Owner(newID, NoteLender); !ok || owner != newLender {
		t.Fatalf("new lender note owner = %x ok=%v", owner, ok)
	}
	if _, ok, _ := f.notes.Owner(oldID, NoteLender); ok {
		t.Fatal("old lender note should be burned")
	}
	if f.emitter.last() != EventTypeLoanRolledOver {
		t.Fatalf("last event = %q, want %q", f.emitter.last(), EventTypeLoanRolledOver)
	}
}

func TestRolloverSameLenderConservesSupply(t *testing.T) {
	f, oldID, _, _ := rolloverFixture(t)
	f.now += 50

	// The old lender refinances its own loan: the payoff leg is a
	// self-transfer and must not create or destroy funds.
	newTerms := f.bulletTerms()
	newTerms.Principal = tokens(150)
	f.fund(f.lender, "USDC", tokens(150))

	total := func() *big.Int {
		sum := big.NewInt(0)
		for _, account := range [][20]byte{f.borrower, f.lender, f.vaultAddr, f.collector} {
			sum.Add(sum, f.balance(account, "USDC"))
		}
		return sum
	}
	before := total()
	borrowerBefore := f.balance(f.borrower, "USDC")

	newID, err := f.originator.Rollover(f.borrower, oldID, newTerms, f.lender, f.sign(newTerms, 9), 9)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if after := total(); after.Cmp(before) != 0 {
		t.Fatalf("total supply changed: %s -> %s", before, after)
	}

	// Surplus over the 110 payoff still reaches the borrower.
	borrowerGain := new(big.Int).Sub(f.balance(f.borrower, "USDC"), borrowerBefore)
	if borrowerGain.Cmp(tokens(40)) != 0 {
		t.Fatalf("borrower gained %s, want %s", borrowerGain, tokens(40))
	}
	// Lender paid 150 and recouped the 110 payoff.
	if got := f.balance(f.lender, "USDC"); got.Cmp(tokens(110)) != 0 {
		t.Fatalf("lender balance = %s, want %s", got, tokens(110))
	}
	if record := f.loan(newID); record.Balance.Cmp(tokens(150)) != 0 {
		t.Fatalf("new balance = %s, want %s", record.Balance, tokens(150))
	}
}

func TestInitializeLoanSelfLending(t *testing.T) {
	f := newFixture(t)
	var borrower [20]byte
	copy(borrower[:], f.lenderKey.PubKey().Address().Bytes())
	f.custody.holders[f.collateral] = borrower

	terms := f.standardTerms()
	f.fund(f.lender, "USDC", tokens(100))
	before := f.balance(f.lender, "USDC")
	if _, err := f.originator.InitializeLoan(borrower, terms, f.lender, f.sign(terms, 1), 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// Disbursement is a self-transfer with a zero fee: nothing moves.
	if got := f.balance(f.lender, "USDC"); got.Cmp(before) != 0 {
		t.Fatalf("balance = %s, want unchanged %s", got, before)
	}
}

func TestRolloverShortfallFromBorrower(t *testing.T) {
	f, oldID, newLender, newKey := rolloverFixture(t)
	f.now += 50

	// A 60 replacement against a 110 payoff leaves a 50 shortfall the
	// borrower must cover.
	newTerms := f.bulletTerms()
	newTerms.Principal = tokens(60)
	f.fund(newLender, "USDC", tokens(60))

	borrowerBefore := f.balance(f.borrower, "USDC")
	if _, err := f.originator.Rollover(f.borrower, oldID, newTerms, newLender, signAs(t, newKey, newTerms, 7), 7); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if got := f.balance(f.lender, "USDC"); got.Cmp(tokens(110)) != 0 {
		t.Fatalf("old lender balance = %s, want %s", got, tokens(110))
	}
	borrowerSpent := borrowerBefore.Sub(borrowerBefore, f.balance(f.borrower, "USDC"))
	if borrowerSpent.Cmp(tokens(50)) != 0 {
		t.Fatalf("borrower covered %s, want %s", borrowerSpent, tokens(50))
	}
}

func TestRolloverShortfallInsufficientBorrowerFunds(t *testing.T) {
	f, oldID, newLender, newKey := rolloverFixture(t)
	f.now += 50

	newTerms := f.bulletTerms()
	newTerms.Principal = tokens(60)
	f.fund(newLender, "USDC", tokens(60))

	// Drain the borrower below the 50 shortfall.
	drained := &types.Account{Balances: map[string]*big.Int{"USDC": tokens(10)}}
	if err := f.store.PutAccount(f.borrower, drained); err != nil {
		t.Fatalf("drain borrower: %v", err)
	}
	_, err := f.originator.Rollover(f.borrower, oldID, newTerms, newLender, signAs(t, newKey, newTerms, 7), 7)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// Old loan untouched.
	if record := f.loan(oldID); record.State != StateActive {
		t.Fatalf("old state = %s, want active", record.State)
	}
	if used, _ := f.store.NonceConsumed(newLender, 7); used {
		t.Fatal("nonce must survive a failed rollover")
	}
}

func TestRolloverRejectsForeignCollateralOrCurrency(t *testing.T) {
	f, oldID, newLender, newKey := rolloverFixture(t)
	f.now += 50
	f.fund(newLender, "USDC", tokens(200))

	other := f.bulletTerms()
	other.Collateral = CollateralRef{Kind: CollateralAsset, Address: addr(0xC9), ID: 1}
	if _, err := f.originator.Rollover(f.borrower, oldID, other, newLender, signAs(t, newKey, other, 7), 7); !errors.Is(err, ErrCollateralMismatch) {
		t.Fatalf("expected ErrCollateralMismatch, got %v", err)
	}

	wrongCurrency := f.bulletTerms()
	wrongCurrency.PayableCurrency = "DAI"
	if _, err := f.originator.Rollover(f.borrower, oldID, wrongCurrency, newLender, signAs(t, newKey, wrongCurrency, 8), 8); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestRolloverOnlyByBorrower(t *testing.T) {
	f, oldID, newLender, newKey := rolloverFixture(t)
	f.now += 50
	newTerms := f.bulletTerms()
	newTerms.Principal = tokens(150)
	f.fund(newLender, "USDC", tokens(150))
	if _, err := f.originator.Rollover(f.lender, oldID, newTerms, newLender, signAs(t, newKey, newTerms, 7), 7); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
