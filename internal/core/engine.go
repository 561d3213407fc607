package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dealbook/internal/deal"
	"dealbook/internal/event"
	"dealbook/internal/fpmath"
	"dealbook/internal/hook"
	"dealbook/internal/nonce"
	"dealbook/internal/observability"
	"dealbook/internal/oracle"
	"dealbook/internal/order"
	"dealbook/internal/sign"
	"dealbook/internal/token"
)

// Config holds the deployment-fixed engine parameters.
type Config struct {
	// Domain scopes every signature to this engine instance.
	Domain order.Domain

	// Owner administers the hook registry.
	Owner sign.Address

	// Custody holds posted collateral and is the allowance spender for
	// counterparty funds. Derived from the domain when zero.
	Custody sign.Address

	// MaxRatePerSecond rejects orders above this ray-scaled rate.
	// DefaultMaxRatePerSecond when nil.
	MaxRatePerSecond *big.Int

	// HookOnExecute runs the creation hook on Execute settlements too,
	// not just on single-sided takes.
	HookOnExecute bool

	// IdempotencyCapacity sizes the dedup LRU. Defaults to 1M.
	IdempotencyCapacity int
}

// CoreOutput is what the engine hands downstream after every applied
// operation.
type CoreOutput struct {
	Envelope *event.Envelope
}

// Engine is the single-writer settlement core. Every entry point locks the
// engine mutex and mints a callToken; all fallible checks run before the
// first mutation, so a failed operation leaves balances, nonces, and deals
// exactly as they were.
//
// Time is a versioned input: entry points take the caller's now and never
// read the wall clock.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	sequence int64
	hasher   *StateHasher

	tokens   *token.Ledger
	deals    *deal.Ledger
	nonces   *nonce.Registry
	hooks    *hook.Registry
	verifier *sign.Verifier
	oracle   *oracle.Oracle

	idempotency *IdempotencyChecker

	logger  zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewEngine(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	if cfg.MaxRatePerSecond == nil {
		cfg.MaxRatePerSecond = DefaultMaxRatePerSecond
	}
	if cfg.IdempotencyCapacity == 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	if cfg.Custody.IsZero() {
		cfg.Custody = custodyAddress(cfg.Domain)
	}
	return &Engine{
		cfg:            cfg,
		hasher:         NewStateHasher(),
		tokens:         token.NewLedger(),
		deals:          deal.NewLedger(),
		nonces:         nonce.NewRegistry(),
		hooks:          hook.NewRegistry(cfg.Owner),
		verifier:       sign.NewVerifier(),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		logger:         observability.NewLogger("engine"),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

func custodyAddress(d order.Domain) sign.Address {
	sep := d.Separator()
	var a sign.Address
	copy(a[:], sep[:20])
	return a
}

// AttachOracle wires the price oracle PostPrice settles through.
func (e *Engine) AttachOracle(o *oracle.Oracle) { e.oracle = o }

func (e *Engine) Tokens() *token.Ledger    { return e.tokens }
func (e *Engine) Deals() *deal.Ledger      { return e.deals }
func (e *Engine) Hooks() *hook.Registry    { return e.hooks }
func (e *Engine) Verifier() *sign.Verifier { return e.verifier }
func (e *Engine) Nonces() *nonce.Registry  { return e.nonces }
func (e *Engine) Custody() sign.Address    { return e.cfg.Custody }
func (e *Engine) Domain() order.Domain     { return e.cfg.Domain }

// Sequence returns the next event sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// ============================================================
// Order settlement
// ============================================================

// TakeBid fills a lender's signed bid. The caller is the borrower: their
// collateral moves into custody and the bidder's funds move to them, both
// in one atomic batch. The proposed deal must be at least as favorable to
// the bidder as the bid's bounds.
func (e *Engine) TakeBid(cmdID uuid.UUID, caller sign.Address, bid order.BidWithAccount, sig []byte, proposed order.Deal, now time.Time) (uint64, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "take_bid"

	if e.isDuplicate(op, cmdID) {
		return 0, ErrDuplicateCommand
	}
	if err := e.checkOrderGuards(bid.Bid.Deadline, proposed, now); err != nil {
		return 0, e.reject(op, err)
	}
	if err := order.ValidateAgainstBid(proposed, bid.Bid); err != nil {
		return 0, e.reject(op, err)
	}
	digest, err := order.SigningHashBid(e.cfg.Domain, bid)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.verifier.Verify(digest, sig, bid.Account); err != nil {
		return 0, e.reject(op, err)
	}
	orderHash, err := order.ContentHashBid(bid.Bid)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.peekNonce(bid.Account, bid.Nonce); err != nil {
		return 0, e.reject(op, err)
	}
	n := e.deals.NextNumber()
	if err := e.runCreationHook(n, proposed, true); err != nil {
		return 0, e.reject(op, err)
	}

	batch := []token.Movement{
		{Asset: proposed.CollateralToken, From: caller, To: e.cfg.Custody, Amount: proposed.CollateralAmount},
		{Asset: proposed.BorrowToken, From: bid.Account, To: caller, Amount: proposed.BorrowAmount, Spender: e.cfg.Custody},
	}
	if err := e.tokens.Apply(batch); err != nil {
		return 0, e.reject(op, err)
	}

	// Point of no return: all checks passed and funds moved.
	if err := e.nonces.Consume(bid.Account, bid.Nonce); err != nil {
		panic(fmt.Sprintf("FATAL: nonce consume after peek: %v", err))
	}
	if _, err := e.deals.Create(proposed, bid.Account, caller, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: deal create after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.NonceConsumed{Account: bid.Account, Nonce: bid.Nonce}, now)
	e.emit(tok, cmdID, &event.BidTaken{Deal: n, OrderHash: orderHash, Bidder: bid.Account, Taker: caller, Nonce: bid.Nonce}, now)
	e.emitDealCreated(tok, cmdID, n, proposed, bid.Account, caller, now)
	e.applied(op, cmdID, start)
	e.logger.Info().Uint64("deal", n).Str("taker", caller.String()).Msg("bid taken")
	return n, nil
}

// TakeAsk fills a borrower's signed ask. The caller is the lender: the
// asker's collateral moves into custody and the caller's funds move to the
// asker.
func (e *Engine) TakeAsk(cmdID uuid.UUID, caller sign.Address, ask order.AskWithAccount, sig []byte, proposed order.Deal, now time.Time) (uint64, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "take_ask"

	if e.isDuplicate(op, cmdID) {
		return 0, ErrDuplicateCommand
	}
	if err := e.checkOrderGuards(ask.Ask.Deadline, proposed, now); err != nil {
		return 0, e.reject(op, err)
	}
	if err := order.ValidateAgainstAsk(proposed, ask.Ask); err != nil {
		return 0, e.reject(op, err)
	}
	digest, err := order.SigningHashAsk(e.cfg.Domain, ask)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.verifier.Verify(digest, sig, ask.Account); err != nil {
		return 0, e.reject(op, err)
	}
	orderHash, err := order.ContentHashAsk(ask.Ask)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.peekNonce(ask.Account, ask.Nonce); err != nil {
		return 0, e.reject(op, err)
	}
	n := e.deals.NextNumber()
	if err := e.runCreationHook(n, proposed, true); err != nil {
		return 0, e.reject(op, err)
	}

	batch := []token.Movement{
		{Asset: proposed.CollateralToken, From: ask.Account, To: e.cfg.Custody, Amount: proposed.CollateralAmount, Spender: e.cfg.Custody},
		{Asset: proposed.BorrowToken, From: caller, To: ask.Account, Amount: proposed.BorrowAmount},
	}
	if err := e.tokens.Apply(batch); err != nil {
		return 0, e.reject(op, err)
	}

	if err := e.nonces.Consume(ask.Account, ask.Nonce); err != nil {
		panic(fmt.Sprintf("FATAL: nonce consume after peek: %v", err))
	}
	if _, err := e.deals.Create(proposed, caller, ask.Account, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: deal create after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.NonceConsumed{Account: ask.Account, Nonce: ask.Nonce}, now)
	e.emit(tok, cmdID, &event.AskTaken{Deal: n, OrderHash: orderHash, Asker: ask.Account, Taker: caller, Nonce: ask.Nonce}, now)
	e.emitDealCreated(tok, cmdID, n, proposed, caller, ask.Account, now)
	e.applied(op, cmdID, start)
	e.logger.Info().Uint64("deal", n).Str("taker", caller.String()).Msg("ask taken")
	return n, nil
}

// Execute settles a matched bid and ask pair, both signed off-engine. The
// proposed deal must satisfy both orders' bounds; neither party needs to
// be the caller.
func (e *Engine) Execute(cmdID uuid.UUID, bid order.BidWithAccount, bidSig []byte, ask order.AskWithAccount, askSig []byte, proposed order.Deal, now time.Time) (uint64, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "execute"

	if e.isDuplicate(op, cmdID) {
		return 0, ErrDuplicateCommand
	}
	if err := e.checkOrderGuards(bid.Bid.Deadline, proposed, now); err != nil {
		return 0, e.reject(op, err)
	}
	if err := checkDeadline(ask.Ask.Deadline, now.Unix()); err != nil {
		return 0, e.reject(op, err)
	}
	if err := order.ValidateAgainstBid(proposed, bid.Bid); err != nil {
		return 0, e.reject(op, err)
	}
	if err := order.ValidateAgainstAsk(proposed, ask.Ask); err != nil {
		return 0, e.reject(op, err)
	}

	bidDigest, err := order.SigningHashBid(e.cfg.Domain, bid)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.verifier.Verify(bidDigest, bidSig, bid.Account); err != nil {
		return 0, e.reject(op, fmt.Errorf("bid: %w", err))
	}
	askDigest, err := order.SigningHashAsk(e.cfg.Domain, ask)
	if err != nil {
		return 0, e.reject(op, err)
	}
	if err := e.verifier.Verify(askDigest, askSig, ask.Account); err != nil {
		return 0, e.reject(op, fmt.Errorf("ask: %w", err))
	}

	if err := e.peekNonce(bid.Account, bid.Nonce); err != nil {
		return 0, e.reject(op, fmt.Errorf("bid: %w", err))
	}
	if err := e.peekNonce(ask.Account, ask.Nonce); err != nil {
		return 0, e.reject(op, fmt.Errorf("ask: %w", err))
	}

	n := e.deals.NextNumber()
	if err := e.runCreationHook(n, proposed, e.cfg.HookOnExecute); err != nil {
		return 0, e.reject(op, err)
	}

	batch := []token.Movement{
		{Asset: proposed.CollateralToken, From: ask.Account, To: e.cfg.Custody, Amount: proposed.CollateralAmount, Spender: e.cfg.Custody},
		{Asset: proposed.BorrowToken, From: bid.Account, To: ask.Account, Amount: proposed.BorrowAmount, Spender: e.cfg.Custody},
	}
	if err := e.tokens.Apply(batch); err != nil {
		return 0, e.reject(op, err)
	}

	if err := e.nonces.Consume(bid.Account, bid.Nonce); err != nil {
		panic(fmt.Sprintf("FATAL: nonce consume after peek: %v", err))
	}
	if err := e.nonces.Consume(ask.Account, ask.Nonce); err != nil {
		panic(fmt.Sprintf("FATAL: nonce consume after peek: %v", err))
	}
	if _, err := e.deals.Create(proposed, bid.Account, ask.Account, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: deal create after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.NonceConsumed{Account: bid.Account, Nonce: bid.Nonce}, now)
	e.emit(tok, cmdID, &event.NonceConsumed{Account: ask.Account, Nonce: ask.Nonce}, now)
	e.emitDealCreated(tok, cmdID, n, proposed, bid.Account, ask.Account, now)
	e.applied(op, cmdID, start)
	e.logger.Info().Uint64("deal", n).Msg("matched pair executed")
	return n, nil
}

// Cancel burns an account's current nonce so any order signed with it can
// never be filled. The cancellation itself must be signed with the same
// key.
func (e *Engine) Cancel(cmdID uuid.UUID, account sign.Address, nonceValue uint64, sig []byte, now time.Time) error {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "cancel"

	if e.isDuplicate(op, cmdID) {
		return ErrDuplicateCommand
	}
	digest := order.CancelDigest(e.cfg.Domain, account, nonceValue)
	if err := e.verifier.Verify(digest, sig, account); err != nil {
		return e.reject(op, err)
	}
	if err := e.nonces.Consume(account, nonceValue); err != nil {
		return e.reject(op, err)
	}

	e.emit(tok, cmdID, &event.NonceConsumed{Account: account, Nonce: nonceValue}, now)
	e.applied(op, cmdID, start)
	return nil
}

// ============================================================
// Deal lifecycle
// ============================================================

// Repay pays down a deal's debt after folding in accrued interest. Anyone
// may repay; funds go straight to the current buyer-side holder. Paying
// more than the debt repays exactly the debt.
func (e *Engine) Repay(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, amount *big.Int, now time.Time) (*big.Int, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "repay"

	if e.isDuplicate(op, cmdID) {
		return nil, ErrDuplicateCommand
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject(op, ErrNothingToDo)
	}
	d, _, err := e.deals.Get(dealNumber)
	if err != nil {
		return nil, e.reject(op, err)
	}
	buyer, err := e.deals.BuyerOf(dealNumber)
	if err != nil {
		return nil, e.reject(op, err)
	}
	debt, err := e.deals.Accrued(dealNumber, now.Unix())
	if err != nil {
		return nil, e.reject(op, err)
	}

	repay := new(big.Int).Set(amount)
	if repay.Cmp(debt) > 0 {
		repay.Set(debt)
	}
	if repay.Sign() == 0 {
		// Debt already zero: a no-op repay must not land in the event log.
		return nil, e.reject(op, ErrNothingToDo)
	}
	remaining := new(big.Int).Sub(debt, repay)
	accruedInterest := new(big.Int).Sub(debt, d.BorrowAmount)

	post := d.Clone()
	post.BorrowAmount = new(big.Int).Set(remaining)
	if !d.Hook.IsZero() {
		h, err := e.hooks.Lookup(d.Hook)
		if err != nil {
			return nil, e.reject(op, err)
		}
		if err := h.OnDealRepaid(dealNumber, post); err != nil {
			return nil, e.reject(op, err)
		}
	}

	if err := e.tokens.Apply([]token.Movement{
		{Asset: d.BorrowToken, From: caller, To: buyer, Amount: repay},
	}); err != nil {
		return nil, e.reject(op, err)
	}

	if _, err := e.deals.Checkpoint(dealNumber, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: checkpoint after accrual preview: %v", err))
	}
	if err := e.deals.SetBorrowAmount(dealNumber, remaining); err != nil {
		panic(fmt.Sprintf("FATAL: set borrow after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.LoanRepaid{
		Deal:            dealNumber,
		Payer:           caller,
		Amount:          repay,
		RemainingDebt:   remaining,
		AccruedInterest: accruedInterest,
	}, now)
	e.maybeBurn(tok, cmdID, dealNumber, now)
	e.applied(op, cmdID, start)
	return remaining, nil
}

// WithdrawCollateral releases posted collateral to the seller-side holder.
// Pulling more than the posted collateral pulls exactly the collateral. The
// deal's hook sees the post-withdrawal state and vetoes any pull that would
// leave the position undercollateralized.
func (e *Engine) WithdrawCollateral(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, amount *big.Int, now time.Time) (*big.Int, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "withdraw_collateral"

	if e.isDuplicate(op, cmdID) {
		return nil, ErrDuplicateCommand
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject(op, ErrNothingToDo)
	}
	d, _, err := e.deals.Get(dealNumber)
	if err != nil {
		return nil, e.reject(op, err)
	}
	seller, err := e.deals.SellerOf(dealNumber)
	if err != nil {
		return nil, e.reject(op, err)
	}
	if caller != seller {
		return nil, e.reject(op, ErrNotSeller)
	}
	pull := new(big.Int).Set(amount)
	if pull.Cmp(d.CollateralAmount) > 0 {
		pull.Set(d.CollateralAmount)
	}
	if pull.Sign() == 0 {
		return nil, e.reject(op, ErrNothingToDo)
	}
	debt, err := e.deals.Accrued(dealNumber, now.Unix())
	if err != nil {
		return nil, e.reject(op, err)
	}

	remaining := new(big.Int).Sub(d.CollateralAmount, pull)
	post := d.Clone()
	post.BorrowAmount = new(big.Int).Set(debt)
	post.CollateralAmount = new(big.Int).Set(remaining)
	if !d.Hook.IsZero() {
		h, err := e.hooks.Lookup(d.Hook)
		if err != nil {
			return nil, e.reject(op, err)
		}
		if err := h.OnDealCollateralWithdrawn(dealNumber, post); err != nil {
			return nil, e.reject(op, err)
		}
	}

	if err := e.tokens.Apply([]token.Movement{
		{Asset: d.CollateralToken, From: e.cfg.Custody, To: caller, Amount: pull},
	}); err != nil {
		return nil, e.reject(op, err)
	}

	if _, err := e.deals.Checkpoint(dealNumber, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: checkpoint after accrual preview: %v", err))
	}
	if err := e.deals.SetCollateralAmount(dealNumber, remaining); err != nil {
		panic(fmt.Sprintf("FATAL: set collateral after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.CollateralWithdrawn{
		Deal:                dealNumber,
		Seller:              caller,
		Amount:              pull,
		RemainingCollateral: remaining,
	}, now)
	e.maybeBurn(tok, cmdID, dealNumber, now)
	e.applied(op, cmdID, start)
	return remaining, nil
}

// Liquidate lets any caller repay part of an unhealthy deal's debt and
// seize collateral in exchange. Both amounts clamp to what the deal holds.
// The deal's hook is the sole judge of whether the position is liquidatable
// and whether the seizure is fair; a deal without a hook cannot be
// liquidated.
func (e *Engine) Liquidate(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, repayAmount, seizeAmount *big.Int, now time.Time) error {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "liquidate"

	if e.isDuplicate(op, cmdID) {
		return ErrDuplicateCommand
	}
	if repayAmount == nil || seizeAmount == nil || repayAmount.Sign() < 0 || seizeAmount.Sign() < 0 {
		return e.reject(op, ErrNothingToDo)
	}
	if repayAmount.Sign() == 0 && seizeAmount.Sign() == 0 {
		return e.reject(op, ErrNothingToDo)
	}
	d, _, err := e.deals.Get(dealNumber)
	if err != nil {
		return e.reject(op, err)
	}
	if d.Hook.IsZero() {
		return e.reject(op, hook.ErrHookNotFound)
	}
	buyer, err := e.deals.BuyerOf(dealNumber)
	if err != nil {
		return e.reject(op, err)
	}
	debt, err := e.deals.Accrued(dealNumber, now.Unix())
	if err != nil {
		return e.reject(op, err)
	}
	// Both legs clamp to what the deal holds, same as standalone repay and
	// withdraw.
	repay := new(big.Int).Set(repayAmount)
	if repay.Cmp(debt) > 0 {
		repay.Set(debt)
	}
	seize := new(big.Int).Set(seizeAmount)
	if seize.Cmp(d.CollateralAmount) > 0 {
		seize.Set(d.CollateralAmount)
	}
	if repay.Sign() == 0 && seize.Sign() == 0 {
		return e.reject(op, ErrNothingToDo)
	}

	before := d.Clone()
	before.BorrowAmount = new(big.Int).Set(debt)
	after := d.Clone()
	after.BorrowAmount = new(big.Int).Sub(debt, repay)
	after.CollateralAmount = new(big.Int).Sub(d.CollateralAmount, seize)

	h, err := e.hooks.Lookup(d.Hook)
	if err != nil {
		return e.reject(op, err)
	}
	if err := h.OnDealLiquidated(dealNumber, before, after); err != nil {
		return e.reject(op, err)
	}

	batch := make([]token.Movement, 0, 2)
	if repay.Sign() > 0 {
		batch = append(batch, token.Movement{Asset: d.BorrowToken, From: caller, To: buyer, Amount: repay})
	}
	if seize.Sign() > 0 {
		batch = append(batch, token.Movement{Asset: d.CollateralToken, From: e.cfg.Custody, To: caller, Amount: seize})
	}
	if err := e.tokens.Apply(batch); err != nil {
		return e.reject(op, err)
	}

	if _, err := e.deals.Checkpoint(dealNumber, now.Unix()); err != nil {
		panic(fmt.Sprintf("FATAL: checkpoint after accrual preview: %v", err))
	}
	if err := e.deals.SetBorrowAmount(dealNumber, after.BorrowAmount); err != nil {
		panic(fmt.Sprintf("FATAL: set borrow after checks: %v", err))
	}
	if err := e.deals.SetCollateralAmount(dealNumber, after.CollateralAmount); err != nil {
		panic(fmt.Sprintf("FATAL: set collateral after checks: %v", err))
	}

	e.emit(tok, cmdID, &event.Liquidated{
		Deal:             dealNumber,
		Liquidator:       caller,
		RepaidAmount:     repay,
		SeizedCollateral: seize,
		RemainingDebt:    after.BorrowAmount,
	}, now)
	e.maybeBurn(tok, cmdID, dealNumber, now)
	e.applied(op, cmdID, start)
	e.logger.Info().Uint64("deal", dealNumber).Str("liquidator", caller.String()).Msg("deal liquidated")
	return nil
}

// TransferPosition hands one side of a deal to a new holder.
func (e *Engine) TransferPosition(cmdID uuid.UUID, caller sign.Address, tokenID uint64, to sign.Address, now time.Time) error {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "transfer_position"

	if e.isDuplicate(op, cmdID) {
		return ErrDuplicateCommand
	}
	if err := e.deals.Pairs().Transfer(caller, tokenID, to); err != nil {
		return e.reject(op, err)
	}
	e.emit(tok, cmdID, &event.PositionTransferred{
		Deal:    token.DealNumberOf(tokenID),
		TokenID: tokenID,
		From:    caller,
		To:      to,
	}, now)
	e.applied(op, cmdID, start)
	return nil
}

// PostPrice settles a batch of keeper attestations through the attached
// oracle and records the accepted median in the event log. The caller must
// be an authorized keeper.
func (e *Engine) PostPrice(cmdID uuid.UUID, caller, asset sign.Address, attestations []oracle.SignedPrice, now time.Time) (*big.Int, error) {
	tok, start := e.begin()
	defer e.mu.Unlock()
	const op = "post_price"

	if e.isDuplicate(op, cmdID) {
		return nil, ErrDuplicateCommand
	}
	if e.oracle == nil {
		return nil, e.reject(op, oracle.ErrPriceNotFound)
	}
	median, err := e.oracle.UpdatePrice(caller, asset, attestations)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleUpdatesRejected.WithLabelValues(reasonLabel(err)).Inc()
		}
		return nil, e.reject(op, err)
	}
	if e.metrics != nil {
		e.metrics.OracleUpdates.WithLabelValues(asset.String()).Inc()
	}
	e.emit(tok, cmdID, &event.PriceUpdated{
		Asset:       asset,
		MedianPrice: median,
		SignerCount: len(attestations),
	}, now)
	e.applied(op, cmdID, start)
	return median, nil
}

// ============================================================
// Internal steps
// ============================================================

func (e *Engine) begin() (callToken, time.Time) {
	e.mu.Lock()
	return callToken{}, time.Now()
}

func (e *Engine) isDuplicate(op string, cmdID uuid.UUID) bool {
	if e.idempotency.IsDuplicate(cmdID.String()) {
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(op).Inc()
		}
		return true
	}
	return false
}

// checkOrderGuards bundles the checks common to every settlement path.
func (e *Engine) checkOrderGuards(deadline int64, proposed order.Deal, now time.Time) error {
	if err := checkDeadline(deadline, now.Unix()); err != nil {
		return err
	}
	if err := checkRateBound(proposed.InterestRate, e.cfg.MaxRatePerSecond); err != nil {
		return err
	}
	if proposed.CollateralAmount.Sign() < 0 || proposed.BorrowAmount.Sign() < 0 || proposed.InterestRate.Sign() < 0 {
		return fpmath.ErrNegativeInput
	}
	return nil
}

// peekNonce validates without consuming, so signature or funding failures
// later in the pipeline don't burn the nonce.
func (e *Engine) peekNonce(account sign.Address, expected uint64) error {
	if e.nonces.Current(account) != expected {
		return nonce.ErrWrongNonce
	}
	return nil
}

func (e *Engine) runCreationHook(dealNumber uint64, proposed order.Deal, enabled bool) error {
	if proposed.Hook.IsZero() {
		return nil
	}
	h, err := e.hooks.Lookup(proposed.Hook)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return h.OnDealCreated(dealNumber, proposed)
}

// maybeBurn closes a deal whose collateral is exhausted. Leftover debt is
// written off as bad debt rather than silently dropped.
func (e *Engine) maybeBurn(tok callToken, cmdID uuid.UUID, dealNumber uint64, now time.Time) {
	d, _, err := e.deals.Get(dealNumber)
	if err != nil {
		return
	}
	if d.CollateralAmount.Sign() != 0 {
		return
	}
	residual := new(big.Int).Set(d.BorrowAmount)
	if err := e.deals.Burn(dealNumber, residual); err != nil {
		panic(fmt.Sprintf("FATAL: burn of exhausted deal %d: %v", dealNumber, err))
	}
	if residual.Sign() > 0 {
		e.logger.Warn().Uint64("deal", dealNumber).Str("residual", residual.String()).Msg("bad debt written off")
		if e.metrics != nil {
			e.metrics.BadDebtRecorded.WithLabelValues(d.BorrowToken.String()).Inc()
		}
	}
	e.emit(tok, cmdID, &event.DealBurned{Deal: dealNumber, ResidualDebt: residual}, now)
}

func (e *Engine) emitDealCreated(tok callToken, cmdID uuid.UUID, n uint64, d order.Deal, buyer, seller sign.Address, now time.Time) {
	e.emit(tok, cmdID, &event.DealCreated{
		Deal:             n,
		Buyer:            buyer,
		Seller:           seller,
		CollateralToken:  d.CollateralToken,
		BorrowToken:      d.BorrowToken,
		CollateralAmount: d.CollateralAmount,
		BorrowAmount:     d.BorrowAmount,
		InterestRate:     d.InterestRate,
		Hook:             d.Hook,
	}, now)
}

// emit seals one event into the hash chain and hands it downstream. The
// persist channel gets a blocking send (backpressure); the projection
// channel a non-blocking send with drop.
func (e *Engine) emit(_ callToken, cmdID uuid.UUID, payload event.Event, ts time.Time) {
	digest, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: event payload marshal: %v", err))
	}
	prev := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)

	env := &event.Envelope{
		Sequence:   e.sequence,
		CommandID:  cmdID,
		EventType:  payload.EventType(),
		DealNumber: payload.DealNumber(),
		Timestamp:  ts,
		Payload:    payload,
		StateHash:  stateHash,
		PrevHash:   prev,
	}
	e.sequence++

	out := CoreOutput{Envelope: env}
	if e.persistChan != nil {
		if e.metrics != nil && len(e.persistChan) == cap(e.persistChan) {
			e.metrics.PersistBackpressure.Inc()
		}
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			// Dropped; projections rebuild from the event log.
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.EngineOpsRejected.WithLabelValues(op, reasonLabel(err)).Inc()
	}
	e.logger.Debug().Str("op", op).Err(err).Msg("operation rejected")
	return err
}

func (e *Engine) applied(op string, cmdID uuid.UUID, start time.Time) {
	e.idempotency.MarkProcessed(cmdID.String())
	if e.metrics != nil {
		e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
		e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.DealsOpen.Set(float64(e.deals.Count()))
	}
}

// reasonLabel keeps metric label cardinality bounded by classing errors.
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case isAny(err, ErrOrderExpired):
		return "expired"
	case isAny(err, ErrTooBigInterestRate):
		return "rate_ceiling"
	case isAny(err, nonce.ErrWrongNonce):
		return "nonce"
	case isAny(err, sign.ErrInvalidSignature):
		return "signature"
	case isAny(err, token.ErrInsufficientBalance, token.ErrInsufficientAllowance):
		return "funds"
	case isAny(err, hook.ErrInsufficientMargin, hook.ErrLiquidationNotAllowed,
		hook.ErrLiquidationNotImproving, hook.ErrTooBigBonus, hook.ErrHookNotFound):
		return "hook"
	case isAny(err, deal.ErrDealNotFound, token.ErrTokenNotFound):
		return "not_found"
	default:
		return "other"
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
