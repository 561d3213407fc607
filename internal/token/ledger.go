package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"dealbook/internal/sign"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNegativeAmount        = errors.New("token: negative amount")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Ledger tracks fungible balances for every asset the engine touches. One
// ledger instance holds every token, keyed by asset address; an asset
// exists the moment someone holds a balance in it.
//
// Not safe for concurrent use. The engine serializes access behind its
// call guard.
type Ledger struct {
	balances   map[sign.Address]map[sign.Address]*big.Int // asset -> holder -> balance
	allowances map[allowanceKey]*big.Int
	supply     map[sign.Address]*big.Int
}

type allowanceKey struct {
	Asset   sign.Address
	Owner   sign.Address
	Spender sign.Address
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[sign.Address]map[sign.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		supply:     make(map[sign.Address]*big.Int),
	}
}

// BalanceOf returns a copy of the holder's balance, zero if unseen.
func (l *Ledger) BalanceOf(asset, holder sign.Address) *big.Int {
	if holders, ok := l.balances[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

// Allowance returns a copy of what spender may move on owner's behalf.
func (l *Ledger) Allowance(asset, owner, spender sign.Address) *big.Int {
	if a, ok := l.allowances[allowanceKey{asset, owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the minted supply for asset.
func (l *Ledger) TotalSupply(asset sign.Address) *big.Int {
	if s, ok := l.supply[asset]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Mint credits a holder out of thin air. Test fixtures and faucet paths
// only; deals never mint.
func (l *Ledger) Mint(asset, to sign.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	l.credit(asset, to, amount)
	sup, ok := l.supply[asset]
	if !ok {
		sup = new(big.Int)
		l.supply[asset] = sup
	}
	sup.Add(sup, amount)
	return nil
}

// Approve sets (not adds to) the spender's allowance.
func (l *Ledger) Approve(asset, owner, spender sign.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from the caller's own balance.
func (l *Ledger) Transfer(asset, from, to sign.Address, amount *big.Int) error {
	return l.Apply([]Movement{{Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferFrom moves amount from a third party's balance, consuming the
// spender's allowance.
func (l *Ledger) TransferFrom(asset, spender, from, to sign.Address, amount *big.Int) error {
	return l.Apply([]Movement{{Asset: asset, From: from, To: to, Amount: amount, Spender: spender}})
}

// Movement is one leg of an atomic batch. A non-zero Spender means the leg
// draws down Spender's allowance on From; a zero Spender means From moves
// its own funds.
type Movement struct {
	Asset   sign.Address
	From    sign.Address
	To      sign.Address
	Amount  *big.Int
	Spender sign.Address
}

// Apply executes a batch of movements atomically: every leg is validated
// against the pre-batch state plus the batch's earlier legs, and nothing is
// written until all legs pass. A failed batch leaves the ledger untouched.
func (l *Ledger) Apply(batch []Movement) error {
	// Working copies of only the touched balances and allowances.
	workBal := make(map[[2]sign.Address]*big.Int)
	workAllow := make(map[allowanceKey]*big.Int)

	balOf := func(asset, holder sign.Address) *big.Int {
		k := [2]sign.Address{asset, holder}
		if b, ok := workBal[k]; ok {
			return b
		}
		b := l.BalanceOf(asset, holder)
		workBal[k] = b
		return b
	}
	allowOf := func(k allowanceKey) *big.Int {
		if a, ok := workAllow[k]; ok {
			return a
		}
		a := l.Allowance(k.Asset, k.Owner, k.Spender)
		workAllow[k] = a
		return a
	}

	for i, m := range batch {
		if m.Amount == nil || m.Amount.Sign() < 0 {
			return fmt.Errorf("movement %d: %w", i, ErrNegativeAmount)
		}
		if m.From.IsZero() || m.To.IsZero() {
			return fmt.Errorf("movement %d: %w", i, ErrZeroAddress)
		}
		from := balOf(m.Asset, m.From)
		if from.Cmp(m.Amount) < 0 {
			return fmt.Errorf("movement %d: asset %s from %s: %w", i, m.Asset, m.From, ErrInsufficientBalance)
		}
		if !m.Spender.IsZero() && m.Spender != m.From {
			k := allowanceKey{m.Asset, m.From, m.Spender}
			allow := allowOf(k)
			if allow.Cmp(m.Amount) < 0 {
				return fmt.Errorf("movement %d: asset %s owner %s spender %s: %w", i, m.Asset, m.From, m.Spender, ErrInsufficientAllowance)
			}
			allow.Sub(allow, m.Amount)
		}
		from.Sub(from, m.Amount)
		to := balOf(m.Asset, m.To)
		to.Add(to, m.Amount)
	}

	// All legs validated. Commit the working copies.
	for k, b := range workBal {
		l.setBalance(k[0], k[1], b)
	}
	for k, a := range workAllow {
		l.allowances[k] = a
	}
	return nil
}

// BalanceEntry is one holder's balance in one asset, for snapshots.
type BalanceEntry struct {
	Asset  sign.Address
	Holder sign.Address
	Amount *big.Int
}

// AllowanceEntry is one approval, for snapshots.
type AllowanceEntry struct {
	Asset   sign.Address
	Owner   sign.Address
	Spender sign.Address
	Amount  *big.Int
}

// SupplyEntry is one asset's minted supply, for snapshots.
type SupplyEntry struct {
	Asset  sign.Address
	Amount *big.Int
}

// Entries copies every non-zero balance, ordered by asset then holder so
// snapshots are byte-stable.
func (l *Ledger) Entries() []BalanceEntry {
	var out []BalanceEntry
	for asset, holders := range l.balances {
		for holder, bal := range holders {
			out = append(out, BalanceEntry{Asset: asset, Holder: holder, Amount: new(big.Int).Set(bal)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Holder[:], out[j].Holder[:]) < 0
	})
	return out
}

// AllowanceEntries copies every non-zero allowance in stable order.
func (l *Ledger) AllowanceEntries() []AllowanceEntry {
	var out []AllowanceEntry
	for k, a := range l.allowances {
		if a.Sign() == 0 {
			continue
		}
		out = append(out, AllowanceEntry{Asset: k.Asset, Owner: k.Owner, Spender: k.Spender, Amount: new(big.Int).Set(a)})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(out[i].Owner[:], out[j].Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Spender[:], out[j].Spender[:]) < 0
	})
	return out
}

// SupplyEntries copies every asset's supply in stable order.
func (l *Ledger) SupplyEntries() []SupplyEntry {
	var out []SupplyEntry
	for asset, s := range l.supply {
		out = append(out, SupplyEntry{Asset: asset, Amount: new(big.Int).Set(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// RestoreBalance overwrites one balance during recovery.
func (l *Ledger) RestoreBalance(asset, holder sign.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.setBalance(asset, holder, new(big.Int).Set(amount))
	return nil
}

// RestoreAllowance overwrites one allowance during recovery.
func (l *Ledger) RestoreAllowance(asset, owner, spender sign.Address, amount *big.Int) error {
	return l.Approve(asset, owner, spender, amount)
}

// RestoreSupply overwrites one asset's supply during recovery.
func (l *Ledger) RestoreSupply(asset sign.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.supply[asset] = new(big.Int).Set(amount)
	return nil
}

func (l *Ledger) credit(asset, holder sign.Address, amount *big.Int) {
	holders, ok := l.balances[asset]
	if !ok {
		holders = make(map[sign.Address]*big.Int)
		l.balances[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) setBalance(asset, holder sign.Address, bal *big.Int) {
	holders, ok := l.balances[asset]
	if !ok {
		holders = make(map[sign.Address]*big.Int)
		l.balances[asset] = holders
	}
	if bal.Sign() == 0 {
		delete(holders, holder)
		return
	}
	holders[holder] = bal
}
