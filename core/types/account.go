package types

import "math/big"

// Account tracks the fungible balances held by a protocol participant. Loans
// may be denominated in any registered currency, so balances are keyed by the
// canonical currency symbol rather than hard-coded per-token fields.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// Balance returns the account's balance for the given currency symbol. The
// returned value is never nil.
func (a *Account) Balance(symbol string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	bal, ok := a.Balances[symbol]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return bal
}

// SetBalance stores the balance for the given currency symbol, initialising
// the balance map if required.
func (a *Account) SetBalance(symbol string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[symbol] = amount
}

// Clone returns a deep copy of the account so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balances: make(map[string]*big.Int)}
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for symbol, bal := range a.Balances {
		if bal != nil {
			clone.Balances[symbol] = new(big.Int).Set(bal)
		} else {
			clone.Balances[symbol] = big.NewInt(0)
		}
	}
	return clone
}
