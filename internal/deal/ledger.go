package deal

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"dealbook/internal/fpmath"
	"dealbook/internal/order"
	"dealbook/internal/sign"
	"dealbook/internal/token"
)

var (
	ErrDealNotFound   = errors.New("deal: not found")
	ErrNegativeAmount = errors.New("deal: negative amount")
	ErrTimeRegressed  = errors.New("deal: timestamp before last checkpoint")
)

type entry struct {
	deal  order.Deal
	state order.DealState
}

// Ledger owns every active deal, the pair tokens that represent their two
// sides, and the unresolved-liability record left behind by liquidations
// that could not cover the full debt.
//
// BorrowAmount is stored checkpointed: it is exact as of LastUpdated and
// grows by compound interest when read at a later time. Checkpoint folds
// the accrued interest into the stored principal; Accrued previews it
// without writing, so a failing caller leaves no trace.
//
// Not safe for concurrent use.
type Ledger struct {
	deals   map[uint64]*entry
	pairs   *token.PairTokens
	badDebt map[sign.Address]*big.Int // borrow token -> residual written off
}

func NewLedger() *Ledger {
	return &Ledger{
		deals:   make(map[uint64]*entry),
		pairs:   token.NewPairTokens(),
		badDebt: make(map[sign.Address]*big.Int),
	}
}

// Pairs exposes the underlying pair tokens for position transfers.
func (l *Ledger) Pairs() *token.PairTokens { return l.pairs }

// NextNumber is the number the next Create will assign.
func (l *Ledger) NextNumber() uint64 { return l.pairs.NextDealNumber() }

// Create registers a deal, mints its token pair, and stamps the accrual
// clock. The deal's amounts are copied in.
func (l *Ledger) Create(d order.Deal, buyer, seller sign.Address, now int64) (uint64, error) {
	if d.CollateralAmount.Sign() < 0 || d.BorrowAmount.Sign() < 0 || d.InterestRate.Sign() < 0 {
		return 0, ErrNegativeAmount
	}
	n, err := l.pairs.MintPair(buyer, seller)
	if err != nil {
		return 0, err
	}
	l.deals[n] = &entry{
		deal: d.Clone(),
		state: order.DealState{
			Buyer:       buyer,
			Seller:      seller,
			LastUpdated: now,
		},
	}
	return n, nil
}

// Get returns copies of a deal and its state. The parties reported are the
// current pair token holders, not the creation-time parties.
func (l *Ledger) Get(n uint64) (order.Deal, order.DealState, error) {
	e, ok := l.deals[n]
	if !ok {
		return order.Deal{}, order.DealState{}, ErrDealNotFound
	}
	st := e.state
	buyer, err := l.pairs.OwnerOf(token.BuyerTokenID(n))
	if err != nil {
		return order.Deal{}, order.DealState{}, err
	}
	seller, err := l.pairs.OwnerOf(token.SellerTokenID(n))
	if err != nil {
		return order.Deal{}, order.DealState{}, err
	}
	st.Buyer, st.Seller = buyer, seller
	return e.deal.Clone(), st, nil
}

// BuyerOf returns the current lender-side holder.
func (l *Ledger) BuyerOf(n uint64) (sign.Address, error) {
	return l.pairs.OwnerOf(token.BuyerTokenID(n))
}

// SellerOf returns the current borrower-side holder.
func (l *Ledger) SellerOf(n uint64) (sign.Address, error) {
	return l.pairs.OwnerOf(token.SellerTokenID(n))
}

// Accrued returns the debt as of now, stored principal plus compound
// interest since the last checkpoint, without mutating anything.
func (l *Ledger) Accrued(n uint64, now int64) (*big.Int, error) {
	e, ok := l.deals[n]
	if !ok {
		return nil, ErrDealNotFound
	}
	elapsed := now - e.state.LastUpdated
	if elapsed < 0 {
		return nil, ErrTimeRegressed
	}
	grown, err := fpmath.PrincipalPlusInterest(e.deal.BorrowAmount, e.deal.InterestRate, elapsed)
	if err != nil {
		return nil, fmt.Errorf("deal %d accrual: %w", n, err)
	}
	return grown, nil
}

// Checkpoint folds accrued interest into the stored borrow amount and
// advances the accrual clock. Returns the new debt.
func (l *Ledger) Checkpoint(n uint64, now int64) (*big.Int, error) {
	grown, err := l.Accrued(n, now)
	if err != nil {
		return nil, err
	}
	e := l.deals[n]
	e.deal.BorrowAmount.Set(grown)
	e.state.LastUpdated = now
	return new(big.Int).Set(grown), nil
}

// SetBorrowAmount replaces the checkpointed debt. Callers checkpoint
// first; setting without a fresh checkpoint rewrites unaccrued history.
func (l *Ledger) SetBorrowAmount(n uint64, amount *big.Int) error {
	e, ok := l.deals[n]
	if !ok {
		return ErrDealNotFound
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	e.deal.BorrowAmount.Set(amount)
	return nil
}

// SetCollateralAmount replaces the posted collateral.
func (l *Ledger) SetCollateralAmount(n uint64, amount *big.Int) error {
	e, ok := l.deals[n]
	if !ok {
		return ErrDealNotFound
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	e.deal.CollateralAmount.Set(amount)
	return nil
}

// Burn closes a deal and retires its token pair. Any residual debt still
// outstanding is written off against the borrow token's bad-debt record;
// it never silently disappears.
func (l *Ledger) Burn(n uint64, residualDebt *big.Int) error {
	e, ok := l.deals[n]
	if !ok {
		return ErrDealNotFound
	}
	if err := l.pairs.BurnPair(n); err != nil {
		return err
	}
	if residualDebt != nil && residualDebt.Sign() > 0 {
		bd, ok := l.badDebt[e.deal.BorrowToken]
		if !ok {
			bd = new(big.Int)
			l.badDebt[e.deal.BorrowToken] = bd
		}
		bd.Add(bd, residualDebt)
	}
	delete(l.deals, n)
	return nil
}

// BadDebt returns a copy of the written-off liability for a borrow token.
func (l *Ledger) BadDebt(borrowToken sign.Address) *big.Int {
	if bd, ok := l.badDebt[borrowToken]; ok {
		return new(big.Int).Set(bd)
	}
	return new(big.Int)
}

// Record is a point-in-time copy of one deal for snapshots. Buyer and
// Seller hold the current pair token owners.
type Record struct {
	Number uint64
	Deal   order.Deal
	State  order.DealState
}

// Records copies every open deal in ascending number order.
func (l *Ledger) Records() []Record {
	out := make([]Record, 0, len(l.deals))
	for n := range l.deals {
		d, st, err := l.Get(n)
		if err != nil {
			continue
		}
		out = append(out, Record{Number: n, Deal: d, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// BadDebts copies the whole written-off liability map.
func (l *Ledger) BadDebts() map[sign.Address]*big.Int {
	out := make(map[sign.Address]*big.Int, len(l.badDebt))
	for tok, bd := range l.badDebt {
		out[tok] = new(big.Int).Set(bd)
	}
	return out
}

// RestoreDeal reinstates a deal and its token pair during recovery.
func (l *Ledger) RestoreDeal(rec Record) error {
	if rec.Deal.CollateralAmount.Sign() < 0 || rec.Deal.BorrowAmount.Sign() < 0 || rec.Deal.InterestRate.Sign() < 0 {
		return ErrNegativeAmount
	}
	if err := l.pairs.Restore(rec.Number, rec.State.Buyer, rec.State.Seller); err != nil {
		return err
	}
	l.deals[rec.Number] = &entry{
		deal:  rec.Deal.Clone(),
		state: rec.State,
	}
	return nil
}

// RestoreBadDebt overwrites one borrow token's written-off total.
func (l *Ledger) RestoreBadDebt(borrowToken sign.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.badDebt[borrowToken] = new(big.Int).Set(amount)
	return nil
}

// RestoreNextNumber forces the number counter past closed deals.
func (l *Ledger) RestoreNextNumber(next uint64) {
	l.pairs.RestoreNext(next)
}

// Count returns the number of open deals.
func (l *Ledger) Count() int { return len(l.deals) }

// Numbers returns the open deal numbers in unspecified order.
func (l *Ledger) Numbers() []uint64 {
	out := make([]uint64, 0, len(l.deals))
	for n := range l.deals {
		out = append(out, n)
	}
	return out
}
