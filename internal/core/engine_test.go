package core

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/deal"
	"dealbook/internal/event"
	"dealbook/internal/fpmath"
	"dealbook/internal/hook"
	"dealbook/internal/nonce"
	"dealbook/internal/order"
	"dealbook/internal/sign"
	"dealbook/internal/token"
)

func addr(b byte) sign.Address {
	var a sign.Address
	a[19] = b
	return a
}

var (
	tokA      = addr(0xA0) // collateral asset
	tokB      = addr(0xB0) // borrow asset
	hookAddr  = addr(0xC0)
	ownerAddr = addr(0x0F)
)

type mutablePrices map[sign.Address]*big.Int

func (p mutablePrices) PriceOf(asset sign.Address) (*big.Int, error) {
	price, ok := p[asset]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(price), nil
}

func wad(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), fpmath.Wad) }

type fixture struct {
	t        *testing.T
	engine   *Engine
	persist  chan CoreOutput
	prices   mutablePrices
	now      time.Time
	lenderK  *sign.PrivateKey
	borrowK  *sign.PrivateKey
	lender   sign.Address
	borrower sign.Address
}

// Metrics stay nil in tests; promauto registers into the global registry
// and a second NewMetrics would collide.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		persist: make(chan CoreOutput, 256),
		prices:  mutablePrices{tokA: wad(1), tokB: wad(1)},
		now:     time.Unix(1_700_000_000, 0),
	}
	cfg := Config{
		Domain:           order.Domain{Name: "dealbook", Version: "1", ChainID: 31337, Engine: addr(0xEE)},
		Owner:            ownerAddr,
		MaxRatePerSecond: new(big.Int).Set(fpmath.Ray),
		HookOnExecute:    true,
	}
	f.engine = NewEngine(cfg, f.persist, nil, nil, nil)
	if err := f.engine.Hooks().Register(ownerAddr, hookAddr, hook.NewBasic(f.prices)); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	var err error
	if f.lenderK, err = sign.GeneratePrivateKey(); err != nil {
		t.Fatalf("lender key: %v", err)
	}
	if f.borrowK, err = sign.GeneratePrivateKey(); err != nil {
		t.Fatalf("borrower key: %v", err)
	}
	f.lender = f.lenderK.Address()
	f.borrower = f.borrowK.Address()

	// Seed balances and custody allowances.
	custody := f.engine.Custody()
	mint := func(asset, to sign.Address, amount int64) {
		if err := f.engine.Tokens().Mint(asset, to, big.NewInt(amount)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := f.engine.Tokens().Approve(asset, to, custody, big.NewInt(amount)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	mint(tokB, f.lender, 10_000)
	mint(tokA, f.borrower, 10_000)
	mint(tokB, f.borrower, 2_000) // for interest repayment

	return f
}

func (f *fixture) bid(rate *big.Int) order.Bid {
	return order.Bid{
		CollateralToken:     tokA,
		MinCollateralAmount: big.NewInt(4_000),
		BorrowToken:         tokB,
		MaxBorrowAmount:     big.NewInt(1_000),
		InterestRateBid:     rate,
		Hook:                hookAddr,
		Deadline:            f.now.Unix() + 3_600,
	}
}

func (f *fixture) ask(rate *big.Int) order.Ask {
	return order.Ask{
		CollateralToken:     tokA,
		MaxCollateralAmount: big.NewInt(4_000),
		BorrowToken:         tokB,
		MinBorrowAmount:     big.NewInt(1_000),
		InterestRateAsk:     rate,
		Hook:                hookAddr,
		Deadline:            f.now.Unix() + 3_600,
	}
}

func (f *fixture) signBid(b order.Bid, key *sign.PrivateKey, n uint64) (order.BidWithAccount, []byte) {
	f.t.Helper()
	bwa := order.BidWithAccount{Bid: b, Account: key.Address(), Nonce: n}
	digest, err := order.SigningHashBid(f.engine.Domain(), bwa)
	if err != nil {
		f.t.Fatalf("bid digest: %v", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		f.t.Fatalf("sign bid: %v", err)
	}
	return bwa, sig
}

func (f *fixture) signAsk(a order.Ask, key *sign.PrivateKey, n uint64) (order.AskWithAccount, []byte) {
	f.t.Helper()
	awa := order.AskWithAccount{Ask: a, Account: key.Address(), Nonce: n}
	digest, err := order.SigningHashAsk(f.engine.Domain(), awa)
	if err != nil {
		f.t.Fatalf("ask digest: %v", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		f.t.Fatalf("sign ask: %v", err)
	}
	return awa, sig
}

// openDeal takes a zero-rate bid and returns the deal number.
func (f *fixture) openDeal(rate *big.Int) uint64 {
	f.t.Helper()
	bwa, sig := f.signBid(f.bid(rate), f.lenderK, f.engine.Nonces().Current(f.lender))
	n, err := f.engine.TakeBid(uuid.New(), f.borrower, bwa, sig, order.CreateDealFromBid(bwa.Bid), f.now)
	if err != nil {
		f.t.Fatalf("open deal: %v", err)
	}
	return n
}

func (f *fixture) balance(asset, holder sign.Address) int64 {
	return f.engine.Tokens().BalanceOf(asset, holder).Int64()
}

func (f *fixture) drain() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case o := <-f.persist:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

// ============================================================
// TakeBid / TakeAsk
// ============================================================

func TestTakeBidSettlesAtomically(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	custody := f.engine.Custody()
	if got := f.balance(tokA, custody); got != 4_000 {
		t.Errorf("custody collateral = %d, want 4000", got)
	}
	if got := f.balance(tokA, f.borrower); got != 6_000 {
		t.Errorf("borrower collateral = %d, want 6000", got)
	}
	if got := f.balance(tokB, f.borrower); got != 3_000 {
		t.Errorf("borrower funds = %d, want 3000", got)
	}
	if got := f.balance(tokB, f.lender); got != 9_000 {
		t.Errorf("lender funds = %d, want 9000", got)
	}

	d, st, err := f.engine.Deals().Get(n)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if st.Buyer != f.lender || st.Seller != f.borrower {
		t.Errorf("parties = %v/%v, want lender/borrower", st.Buyer, st.Seller)
	}
	if d.BorrowAmount.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("borrow = %v, want 1000", d.BorrowAmount)
	}

	events := f.drain()
	wantTypes := []event.EventType{event.EventTypeNonceConsumed, event.EventTypeBidTaken, event.EventTypeDealCreated}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, env := range events {
		if env.EventType != wantTypes[i] {
			t.Errorf("event %d = %v, want %v", i, env.EventType, wantTypes[i])
		}
		if env.Sequence != int64(i) {
			t.Errorf("event %d sequence = %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != events[i-1].StateHash {
			t.Errorf("event %d prev hash does not chain", i)
		}
	}

	// The fill event carries the bid's content hash so indexers can tie
	// it back to the signed order.
	taken, ok := events[1].Payload.(*event.BidTaken)
	if !ok {
		t.Fatalf("event 1 payload = %T, want BidTaken", events[1].Payload)
	}
	wantHash, err := order.ContentHashBid(f.bid(big.NewInt(0)))
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	if taken.OrderHash != wantHash {
		t.Errorf("order hash = %x, want %x", taken.OrderHash, wantHash)
	}
}

func TestTakeBidRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time)
		wantErr error
	}{
		{
			"expired deadline",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				*now = now.Add(4_000 * time.Second)
			},
			ErrOrderExpired,
		},
		{
			"rate above ceiling",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				over := new(big.Int).Add(fpmath.Ray, big.NewInt(1))
				bwa.Bid.InterestRateBid = over
				proposed.InterestRate = over
				*bwa, *sig = f.signBid(bwa.Bid, f.lenderK, bwa.Nonce)
			},
			ErrTooBigInterestRate,
		},
		{
			"deal below bid terms",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				proposed.CollateralAmount = big.NewInt(3_999)
			},
			order.ErrCollateralBelowMinimum,
		},
		{
			"forged signature",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				*bwa, *sig = f.signBid(bwa.Bid, f.borrowK, bwa.Nonce)
				bwa.Account = f.lender
			},
			sign.ErrInvalidSignature,
		},
		{
			"wrong nonce",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				bwa.Nonce = 5
				*bwa, *sig = f.signBid(bwa.Bid, f.lenderK, 5)
			},
			nonce.ErrWrongNonce,
		},
		{
			"unregistered hook",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				bwa.Bid.Hook = addr(0xCC)
				proposed.Hook = addr(0xCC)
				*bwa, *sig = f.signBid(bwa.Bid, f.lenderK, bwa.Nonce)
			},
			hook.ErrHookNotFound,
		},
		{
			"margin too thin",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				bwa.Bid.MaxBorrowAmount = big.NewInt(2_001)
				proposed.BorrowAmount = big.NewInt(2_001)
				*bwa, *sig = f.signBid(bwa.Bid, f.lenderK, bwa.Nonce)
			},
			hook.ErrInsufficientMargin,
		},
		{
			"taker cannot fund collateral",
			func(f *fixture, bwa *order.BidWithAccount, sig *[]byte, proposed *order.Deal, now *time.Time) {
				bwa.Bid.MinCollateralAmount = big.NewInt(20_000)
				bwa.Bid.MaxBorrowAmount = big.NewInt(100)
				proposed.CollateralAmount = big.NewInt(20_000)
				proposed.BorrowAmount = big.NewInt(100)
				*bwa, *sig = f.signBid(bwa.Bid, f.lenderK, bwa.Nonce)
			},
			token.ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			bwa, sig := f.signBid(f.bid(big.NewInt(0)), f.lenderK, 0)
			proposed := order.CreateDealFromBid(bwa.Bid)
			now := f.now
			tt.mutate(f, &bwa, &sig, &proposed, &now)

			_, err := f.engine.TakeBid(uuid.New(), f.borrower, bwa, sig, proposed, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			// A rejected take must leave no trace.
			if f.engine.Deals().Count() != 0 {
				t.Error("rejected take created a deal")
			}
			if f.engine.Nonces().Current(f.lender) != 0 {
				t.Error("rejected take consumed the nonce")
			}
			if got := f.balance(tokA, f.engine.Custody()); got != 0 {
				t.Errorf("custody balance = %d after rejection", got)
			}
			if events := f.drain(); len(events) != 0 {
				t.Errorf("rejected take emitted %d events", len(events))
			}
		})
	}
}

func TestTakeBidReplayAndDedup(t *testing.T) {
	f := newFixture(t)
	bwa, sig := f.signBid(f.bid(big.NewInt(0)), f.lenderK, 0)
	proposed := order.CreateDealFromBid(bwa.Bid)

	cmdID := uuid.New()
	if _, err := f.engine.TakeBid(cmdID, f.borrower, bwa, sig, proposed, f.now); err != nil {
		t.Fatalf("first take: %v", err)
	}

	// Same command replayed: deduplicated, not an order error.
	if _, err := f.engine.TakeBid(cmdID, f.borrower, bwa, sig, proposed, f.now); !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("replayed command err = %v, want ErrDuplicateCommand", err)
	}

	// Fresh command, same signed order: the nonce is spent.
	if _, err := f.engine.TakeBid(uuid.New(), f.borrower, bwa, sig, proposed, f.now); !errors.Is(err, nonce.ErrWrongNonce) {
		t.Errorf("reused order err = %v, want ErrWrongNonce", err)
	}

	if f.engine.Deals().Count() != 1 {
		t.Errorf("deal count = %d, want 1", f.engine.Deals().Count())
	}
}

func TestTakeAskSettles(t *testing.T) {
	f := newFixture(t)
	awa, sig := f.signAsk(f.ask(big.NewInt(0)), f.borrowK, 0)
	proposed := order.CreateDealFromAsk(awa.Ask)

	n, err := f.engine.TakeAsk(uuid.New(), f.lender, awa, sig, proposed, f.now)
	if err != nil {
		t.Fatalf("take ask: %v", err)
	}

	if got := f.balance(tokA, f.engine.Custody()); got != 4_000 {
		t.Errorf("custody collateral = %d, want 4000", got)
	}
	if got := f.balance(tokB, f.borrower); got != 3_000 {
		t.Errorf("asker funds = %d, want 3000", got)
	}
	_, st, err := f.engine.Deals().Get(n)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Buyer != f.lender || st.Seller != f.borrower {
		t.Errorf("parties = %v/%v", st.Buyer, st.Seller)
	}
}

func TestExecuteMatchedPair(t *testing.T) {
	f := newFixture(t)
	bwa, bidSig := f.signBid(f.bid(big.NewInt(100)), f.lenderK, 0)
	awa, askSig := f.signAsk(f.ask(big.NewInt(200)), f.borrowK, 0)

	// Deal rate must sit in [bid floor, ask ceiling].
	proposed := order.CreateDealFromBid(bwa.Bid)
	proposed.InterestRate = big.NewInt(150)

	n, err := f.engine.Execute(uuid.New(), bwa, bidSig, awa, askSig, proposed, f.now)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.engine.Nonces().Current(f.lender) != 1 || f.engine.Nonces().Current(f.borrower) != 1 {
		t.Error("execute must consume both nonces")
	}
	d, st, _ := f.engine.Deals().Get(n)
	if st.Buyer != f.lender || st.Seller != f.borrower {
		t.Errorf("parties = %v/%v", st.Buyer, st.Seller)
	}
	if d.InterestRate.Cmp(big.NewInt(150)) != 0 {
		t.Errorf("rate = %v, want 150", d.InterestRate)
	}
}

func TestExecuteRejectsRateOutsideBothOrders(t *testing.T) {
	f := newFixture(t)
	bwa, bidSig := f.signBid(f.bid(big.NewInt(100)), f.lenderK, 0)
	awa, askSig := f.signAsk(f.ask(big.NewInt(200)), f.borrowK, 0)

	proposed := order.CreateDealFromBid(bwa.Bid)
	proposed.InterestRate = big.NewInt(99)
	if _, err := f.engine.Execute(uuid.New(), bwa, bidSig, awa, askSig, proposed, f.now); !errors.Is(err, order.ErrRateBelowBid) {
		t.Errorf("below bid floor: err = %v", err)
	}

	proposed.InterestRate = big.NewInt(201)
	if _, err := f.engine.Execute(uuid.New(), bwa, bidSig, awa, askSig, proposed, f.now); !errors.Is(err, order.ErrRateAboveAsk) {
		t.Errorf("above ask ceiling: err = %v", err)
	}
}

func TestCancelBurnsNonce(t *testing.T) {
	f := newFixture(t)
	digest := order.CancelDigest(f.engine.Domain(), f.lender, 0)
	sig, err := f.lenderK.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.engine.Cancel(uuid.New(), f.lender, 0, sig, f.now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// An order signed with the cancelled nonce can never fill.
	bwa, bidSig := f.signBid(f.bid(big.NewInt(0)), f.lenderK, 0)
	_, err = f.engine.TakeBid(uuid.New(), f.borrower, bwa, bidSig, order.CreateDealFromBid(bwa.Bid), f.now)
	if !errors.Is(err, nonce.ErrWrongNonce) {
		t.Errorf("err = %v, want ErrWrongNonce", err)
	}
}

// ============================================================
// Repay / Withdraw
// ============================================================

func TestRepayWithAccruedInterest(t *testing.T) {
	f := newFixture(t)
	rate := new(big.Int).Div(fpmath.Ray, big.NewInt(10)) // 10% per second
	n := f.openDeal(rate)

	later := f.now.Add(2 * time.Second) // debt: 1000 -> 1210

	remaining, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(210), later)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if remaining.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("remaining = %v, want 1000", remaining)
	}

	events := f.drain()
	last := events[len(events)-1]
	paid, ok := last.Payload.(*event.LoanRepaid)
	if !ok {
		t.Fatalf("last event = %v, want LoanRepaid", last.EventType)
	}
	if paid.AccruedInterest.Cmp(big.NewInt(210)) != 0 {
		t.Errorf("accrued interest = %v, want 210", paid.AccruedInterest)
	}

	// Lender received the payment.
	if got := f.balance(tokB, f.lender); got != 9_210 {
		t.Errorf("lender balance = %d, want 9210", got)
	}
}

func TestRepayOverpaymentIsClamped(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	remaining, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(5_000), f.now)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}
	// Only the debt moved, not the full 5000.
	if got := f.balance(tokB, f.borrower); got != 2_000 {
		t.Errorf("borrower balance = %d, want 2000", got)
	}
}

func TestWithdrawGuardedByMargin(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0)) // collateral 4000, debt 1000, margin 0.25

	// Down to 2000 collateral margin hits exactly 0.5.
	if _, err := f.engine.WithdrawCollateral(uuid.New(), f.borrower, n, big.NewInt(2_000), f.now); err != nil {
		t.Fatalf("withdraw to limit: %v", err)
	}
	if got := f.balance(tokA, f.borrower); got != 8_000 {
		t.Errorf("borrower collateral = %d, want 8000", got)
	}

	// One more unit breaks the initial margin.
	if _, err := f.engine.WithdrawCollateral(uuid.New(), f.borrower, n, big.NewInt(1), f.now); !errors.Is(err, hook.ErrInsufficientMargin) {
		t.Errorf("err = %v, want ErrInsufficientMargin", err)
	}
}

func TestWithdrawAuthAndClamp(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	if _, err := f.engine.WithdrawCollateral(uuid.New(), f.lender, n, big.NewInt(1), f.now); !errors.Is(err, ErrNotSeller) {
		t.Errorf("lender withdraw err = %v, want ErrNotSeller", err)
	}

	// With the debt cleared, asking for more than the posted collateral
	// pulls exactly the collateral and burns the deal.
	if _, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(1_000), f.now); err != nil {
		t.Fatalf("repay: %v", err)
	}
	remaining, err := f.engine.WithdrawCollateral(uuid.New(), f.borrower, n, big.NewInt(5_000), f.now)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}
	if got := f.balance(tokA, f.borrower); got != 10_000 {
		t.Errorf("borrower collateral = %d, want 10000", got)
	}
	if _, _, err := f.engine.Deals().Get(n); !errors.Is(err, deal.ErrDealNotFound) {
		t.Error("deal must burn once debt and collateral reach zero")
	}
}

func TestRepayOnZeroDebtRejected(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	if _, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(1_000), f.now); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.drain()

	// The deal stays open on its collateral, but a second repay has
	// nothing to settle and must not reach the event log.
	if _, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(500), f.now); !errors.Is(err, ErrNothingToDo) {
		t.Errorf("repay on zero debt err = %v, want ErrNothingToDo", err)
	}
	if events := f.drain(); len(events) != 0 {
		t.Errorf("rejected repay emitted %d events, want 0", len(events))
	}
	if got := f.balance(tokB, f.borrower); got != 2_000 {
		t.Errorf("borrower balance = %d, want 2000", got)
	}
}

func TestFullRepayThenWithdrawClosesDeal(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	if _, err := f.engine.Repay(uuid.New(), f.borrower, n, big.NewInt(1_000), f.now); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := f.engine.WithdrawCollateral(uuid.New(), f.borrower, n, big.NewInt(4_000), f.now); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if _, _, err := f.engine.Deals().Get(n); !errors.Is(err, deal.ErrDealNotFound) {
		t.Error("deal must burn once debt and collateral reach zero")
	}
	if _, err := f.engine.Deals().Pairs().OwnerOf(token.BuyerTokenID(n)); !errors.Is(err, token.ErrTokenNotFound) {
		t.Error("pair tokens must burn with the deal")
	}
	events := f.drain()
	last := events[len(events)-1]
	burned, ok := last.Payload.(*event.DealBurned)
	if !ok {
		t.Fatalf("last event = %v, want DealBurned", last.EventType)
	}
	if burned.ResidualDebt.Sign() != 0 {
		t.Errorf("residual = %v, want 0", burned.ResidualDebt)
	}
}

// ============================================================
// Liquidation
// ============================================================

// A deal opened at a healthy margin becomes liquidatable after the
// collateral price collapses 8x; a full liquidation then writes off the
// uncovered debt.
func TestLiquidationAfterPriceCollapse(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0)) // 4000 A collateral, 1000 B debt, parity prices

	// Healthy deal: not liquidatable.
	err := f.engine.Liquidate(uuid.New(), f.lender, n, big.NewInt(500), big.NewInt(600), f.now)
	if !errors.Is(err, hook.ErrLiquidationNotAllowed) {
		t.Fatalf("healthy liquidation err = %v, want ErrLiquidationNotAllowed", err)
	}

	// Collateral price drops 8x: value 500, debt 1000, margin 2.0.
	f.prices[tokA] = new(big.Int).Div(fpmath.Wad, big.NewInt(8))

	// Full liquidation: repay the whole 1000 debt, seize all 4000
	// collateral units (worth 500 at the crashed price, well under the
	// bonus cap of 1050).
	liquidator := f.lender
	if err := f.engine.Liquidate(uuid.New(), liquidator, n, big.NewInt(1_000), big.NewInt(4_000), f.now); err != nil {
		t.Fatalf("full liquidation: %v", err)
	}

	// Liquidator repaid 1000 B to itself (it holds the buyer side) and
	// seized all 4000 A.
	if got := f.balance(tokA, liquidator); got != 4_000 {
		t.Errorf("liquidator collateral = %d, want 4000", got)
	}
	if got := f.balance(tokA, f.engine.Custody()); got != 0 {
		t.Errorf("custody = %d, want 0", got)
	}

	// Deal burned with no residual (debt fully repaid).
	if _, _, err := f.engine.Deals().Get(n); !errors.Is(err, deal.ErrDealNotFound) {
		t.Error("deal must burn when collateral is exhausted")
	}
}

func TestLiquidationWritesOffBadDebt(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))
	f.prices[tokA] = new(big.Int).Div(fpmath.Wad, big.NewInt(8))

	// Repay 500 of 1000 debt, seize all 4000 collateral (worth 500, at
	// the 5% bonus cap boundary 500*1.05=525 >= 500).
	if err := f.engine.Liquidate(uuid.New(), f.lender, n, big.NewInt(500), big.NewInt(4_000), f.now); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Collateral exhausted with 500 debt left: written off, not dropped.
	if _, _, err := f.engine.Deals().Get(n); !errors.Is(err, deal.ErrDealNotFound) {
		t.Fatal("deal must burn when collateral is exhausted")
	}
	if got := f.engine.Deals().BadDebt(tokB); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("bad debt = %v, want 500", got)
	}

	events := f.drain()
	last := events[len(events)-1]
	burned, ok := last.Payload.(*event.DealBurned)
	if !ok {
		t.Fatalf("last event = %v, want DealBurned", last.EventType)
	}
	if burned.ResidualDebt.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("residual = %v, want 500", burned.ResidualDebt)
	}
}

func TestLiquidationClampsToDeal(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))
	f.prices[tokA] = new(big.Int).Div(fpmath.Wad, big.NewInt(8))

	if err := f.engine.Liquidate(uuid.New(), f.lender, n, big.NewInt(0), big.NewInt(0), f.now); !errors.Is(err, ErrNothingToDo) {
		t.Errorf("empty liquidation err = %v, want ErrNothingToDo", err)
	}

	// Asking for more than the deal holds settles exactly the debt and
	// the posted collateral.
	if err := f.engine.Liquidate(uuid.New(), f.lender, n, big.NewInt(1_001), big.NewInt(4_500), f.now); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := f.balance(tokA, f.lender); got != 4_000 {
		t.Errorf("liquidator collateral = %d, want 4000", got)
	}
	if _, _, err := f.engine.Deals().Get(n); !errors.Is(err, deal.ErrDealNotFound) {
		t.Fatal("deal must burn when collateral is exhausted")
	}

	events := f.drain()
	last := events[len(events)-1]
	burned, ok := last.Payload.(*event.DealBurned)
	if !ok {
		t.Fatalf("last event = %v, want DealBurned", last.EventType)
	}
	if burned.ResidualDebt.Sign() != 0 {
		t.Errorf("residual = %v, want 0", burned.ResidualDebt)
	}
}

func TestPartialLiquidationKeepsDealOpen(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))
	f.prices[tokA] = new(big.Int).Div(fpmath.Wad, big.NewInt(8))

	if err := f.engine.Liquidate(uuid.New(), f.lender, n, big.NewInt(600), big.NewInt(400), f.now); err != nil {
		t.Fatalf("partial liquidation: %v", err)
	}

	// Both sides shrink by exactly what the liquidator settled and the
	// deal survives on the remainder.
	d, _, err := f.engine.Deals().Get(n)
	if err != nil {
		t.Fatalf("deal after partial liquidation: %v", err)
	}
	if d.BorrowAmount.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("borrow amount = %v, want 400", d.BorrowAmount)
	}
	if d.CollateralAmount.Cmp(big.NewInt(3_600)) != 0 {
		t.Errorf("collateral amount = %v, want 3600", d.CollateralAmount)
	}
	if got := f.balance(tokA, f.lender); got != 400 {
		t.Errorf("liquidator collateral = %d, want 400", got)
	}
	if got := f.balance(tokA, f.engine.Custody()); got != 3_600 {
		t.Errorf("custody = %d, want 3600", got)
	}

	events := f.drain()
	last := events[len(events)-1]
	if last.EventType != event.EventTypeLiquidated {
		t.Errorf("last event = %v, want Liquidated", last.EventType)
	}
}

// ============================================================
// Position transfer
// ============================================================

func TestTransferPositionMovesObligations(t *testing.T) {
	f := newFixture(t)
	n := f.openDeal(big.NewInt(0))

	outsider := addr(0x77)
	if err := f.engine.TransferPosition(uuid.New(), f.borrower, token.SellerTokenID(n), outsider, f.now); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The old seller can no longer withdraw; the new holder can.
	if _, err := f.engine.WithdrawCollateral(uuid.New(), f.borrower, n, big.NewInt(100), f.now); !errors.Is(err, ErrNotSeller) {
		t.Errorf("old seller err = %v, want ErrNotSeller", err)
	}
	if _, err := f.engine.WithdrawCollateral(uuid.New(), outsider, n, big.NewInt(100), f.now); err != nil {
		t.Errorf("new seller withdraw: %v", err)
	}
}
