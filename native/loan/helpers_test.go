package loan

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"loanchain/core/events"
	"loanchain/crypto"
	"loanchain/storage"
)

// mockCustody tracks collateral holders in memory.
type mockCustody struct {
	holders map[CollateralRef][20]byte
}

func newMockCustody() *mockCustody {
	return &mockCustody{holders: make(map[CollateralRef][20]byte)}
}

func (m *mockCustody) Holder(ref CollateralRef) ([20]byte, error) {
	holder, ok := m.holders[ref]
	if !ok {
		return [20]byte{}, errors.New("mock custody: unknown collateral")
	}
	return holder, nil
}

func (m *mockCustody) PullInto(ref CollateralRef, from [20]byte, holder [20]byte) error {
	return m.move(ref, from, holder)
}

func (m *mockCustody) ReleaseFrom(ref CollateralRef, holder [20]byte, to [20]byte) error {
	return m.move(ref, holder, to)
}

func (m *mockCustody) move(ref CollateralRef, from, to [20]byte) error {
	current, ok := m.holders[ref]
	if !ok {
		return errors.New("mock custody: unknown collateral")
	}
	if current != from {
		return fmt.Errorf("mock custody: held by %x, not %x", current, from)
	}
	m.holders[ref] = to
	return nil
}

type noteKeyT struct {
	loanID uint64
	side   NoteSide
}

// mockNotes tracks note ownership in memory.
type mockNotes struct {
	owners map[noteKeyT][20]byte
}

func newMockNotes() *mockNotes {
	return &mockNotes{owners: make(map[noteKeyT][20]byte)}
}

func (m *mockNotes) Mint(to [20]byte, loanID uint64, side NoteSide) error {
	key := noteKeyT{loanID, side}
	if _, ok := m.owners[key]; ok {
		return errors.New("mock notes: already minted")
	}
	m.owners[key] = to
	return nil
}

func (m *mockNotes) Burn(loanID uint64, side NoteSide) error {
	key := noteKeyT{loanID, side}
	if _, ok := m.owners[key]; !ok {
		return errors.New("mock notes: not minted")
	}
	delete(m.owners, key)
	return nil
}

func (m *mockNotes) Owner(loanID uint64, side NoteSide) ([20]byte, bool, error) {
	owner, ok := m.owners[noteKeyT{loanID, side}]
	return owner, ok, nil
}

func (m *mockNotes) transfer(loanID uint64, side NoteSide, to [20]byte) {
	m.owners[noteKeyT{loanID, side}] = to
}

// mockFees returns fixed basis points.
type mockFees struct {
	origination uint64
	lateFee     uint64
}

func (m *mockFees) OriginationFeeBps() uint64 { return m.origination }
func (m *mockFees) LateFeeBps() uint64        { return m.lateFee }

// recordingEmitter captures emitted event types in order.
type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.types = append(r.types, evt.EventType())
}

func (r *recordingEmitter) last() string {
	if len(r.types) == 0 {
		return ""
	}
	return r.types[len(r.types)-1]
}

// fixture bundles a fully wired ledger with deterministic time and funded
// accounts for tests.
type fixture struct {
	t          *testing.T
	store      *Store
	custody    *mockCustody
	notes      *mockNotes
	fees       *mockFees
	ledger     *Ledger
	validator  *Validator
	originator *Originator
	servicer   *Servicer
	emitter    *recordingEmitter

	now int64

	borrower   [20]byte
	lender     [20]byte
	lenderKey  *crypto.PrivateKey
	vaultAddr  [20]byte
	collector  [20]byte
	collateral CollateralRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		store:   NewStore(storage.NewMemDB()),
		custody: newMockCustody(),
		notes:   newMockNotes(),
		fees:    &mockFees{origination: 0, lateFee: 50},
		emitter: &recordingEmitter{},
		now:     1_000,
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate lender key: %v", err)
	}
	f.lenderKey = key
	copy(f.lender[:], key.PubKey().Address().Bytes())
	f.borrower = addr(0xB0)
	f.vaultAddr = addr(0xA1)
	f.collector = addr(0xFE)
	f.collateral = CollateralRef{Kind: CollateralAsset, Address: addr(0xC0), ID: 7}
	f.custody.holders[f.collateral] = f.borrower

	params := DefaultParams()
	f.ledger = NewLedger(f.store, f.custody, f.notes, f.fees, params, f.vaultAddr, f.collector)
	f.ledger.SetEmitter(f.emitter)
	f.ledger.SetNowFunc(func() int64 { return f.now })
	f.validator = NewValidator(f.store, params)
	f.validator.SetNowFunc(func() int64 { return f.now })
	f.originator = f.ledger.NewOriginator(f.validator)
	f.servicer = f.ledger.NewServicer()
	f.servicer.SetNowFunc(func() int64 { return f.now })
	return f
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

// tokens scales a whole-token amount into its 18-decimal representation.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func (f *fixture) fund(account [20]byte, symbol string, amount *big.Int) {
	f.t.Helper()
	acc, err := f.store.GetAccount(account)
	if err != nil {
		f.t.Fatalf("get account: %v", err)
	}
	acc.SetBalance(symbol, new(big.Int).Add(acc.Balance(symbol), amount))
	if err := f.store.PutAccount(account, acc); err != nil {
		f.t.Fatalf("put account: %v", err)
	}
}

func (f *fixture) balance(account [20]byte, symbol string) *big.Int {
	f.t.Helper()
	acc, err := f.store.GetAccount(account)
	if err != nil {
		f.t.Fatalf("get account: %v", err)
	}
	return acc.Balance(symbol)
}

// standardTerms is a 10% full-term loan over four installments of 100 seconds
// each, denominated in 18-decimal token units.
func (f *fixture) standardTerms() *Terms {
	return &Terms{
		DurationSecs:    400,
		Principal:       tokens(100),
		InterestRate:    mustBig(f.t, "100000000000000000"),
		Collateral:      f.collateral,
		PayableCurrency: "USDC",
		NumInstallments: 4,
		Deadline:        f.now + 600,
	}
}

// bulletTerms is a 10% loan with no installment schedule.
func (f *fixture) bulletTerms() *Terms {
	t := f.standardTerms()
	t.NumInstallments = 0
	return t
}

func (f *fixture) sign(terms *Terms, nonce uint64) []byte {
	f.t.Helper()
	digest := TermsDigest(terms, SideLend, nonce)
	sig, err := f.lenderKey.Sign(digest[:])
	if err != nil {
		f.t.Fatalf("sign terms: %v", err)
	}
	return sig
}

// originate funds the lender and opens a loan with the given terms.
func (f *fixture) originate(terms *Terms, nonce uint64) uint64 {
	f.t.Helper()
	f.fund(f.lender, terms.PayableCurrency, terms.Principal)
	id, err := f.originator.InitializeLoan(f.borrower, terms, f.lender, f.sign(terms, nonce), nonce)
	if err != nil {
		f.t.Fatalf("initialize loan: %v", err)
	}
	return id
}

func (f *fixture) loan(id uint64) *Loan {
	f.t.Helper()
	record, ok, err := f.ledger.GetLoan(id)
	if err != nil {
		f.t.Fatalf("get loan %d: %v", id, err)
	}
	if !ok {
		f.t.Fatalf("loan %d not found", id)
	}
	return record
}
