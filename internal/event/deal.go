package event

import (
	"math/big"

	"dealbook/internal/sign"
)

// NonceConsumed is emitted for every consumed nonce, whether it filled an
// order or cancelled one.
type NonceConsumed struct {
	Account sign.Address
	Nonce   uint64
}

func (e *NonceConsumed) EventType() EventType { return EventTypeNonceConsumed }
func (e *NonceConsumed) DealNumber() *uint64  { return nil }

// BidTaken records a taker filling a lender's bid. OrderHash is the bid's
// content hash, so indexers can tie the fill back to the signed order.
type BidTaken struct {
	Deal      uint64
	OrderHash [32]byte
	Bidder    sign.Address // lender, buyer side
	Taker     sign.Address // borrower, seller side
	Nonce     uint64
}

func (e *BidTaken) EventType() EventType { return EventTypeBidTaken }
func (e *BidTaken) DealNumber() *uint64  { return &e.Deal }

// AskTaken records a taker filling a borrower's ask.
type AskTaken struct {
	Deal      uint64
	OrderHash [32]byte
	Asker     sign.Address // borrower, seller side
	Taker     sign.Address // lender, buyer side
	Nonce     uint64
}

func (e *AskTaken) EventType() EventType { return EventTypeAskTaken }
func (e *AskTaken) DealNumber() *uint64  { return &e.Deal }

// DealCreated carries the full initial terms of a new deal.
type DealCreated struct {
	Deal             uint64
	Buyer            sign.Address
	Seller           sign.Address
	CollateralToken  sign.Address
	BorrowToken      sign.Address
	CollateralAmount *big.Int
	BorrowAmount     *big.Int
	InterestRate     *big.Int // ray per second
	Hook             sign.Address
}

func (e *DealCreated) EventType() EventType { return EventTypeDealCreated }
func (e *DealCreated) DealNumber() *uint64  { return &e.Deal }

// LoanRepaid records a repayment after interest accrual.
type LoanRepaid struct {
	Deal            uint64
	Payer           sign.Address
	Amount          *big.Int // repaid, borrow token units
	RemainingDebt   *big.Int
	AccruedInterest *big.Int // interest folded in by this operation
}

func (e *LoanRepaid) EventType() EventType { return EventTypeLoanRepaid }
func (e *LoanRepaid) DealNumber() *uint64  { return &e.Deal }

// CollateralWithdrawn records the seller pulling free collateral.
type CollateralWithdrawn struct {
	Deal                uint64
	Seller              sign.Address
	Amount              *big.Int
	RemainingCollateral *big.Int
}

func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }
func (e *CollateralWithdrawn) DealNumber() *uint64  { return &e.Deal }

// Liquidated records a liquidator repaying debt and seizing collateral in
// one step.
type Liquidated struct {
	Deal             uint64
	Liquidator       sign.Address
	RepaidAmount     *big.Int // borrow token units
	SeizedCollateral *big.Int // collateral token units
	RemainingDebt    *big.Int
}

func (e *Liquidated) EventType() EventType { return EventTypeLiquidated }
func (e *Liquidated) DealNumber() *uint64  { return &e.Deal }

// DealBurned closes a deal. ResidualDebt is debt written off because the
// collateral ran out; zero for clean closes.
type DealBurned struct {
	Deal         uint64
	ResidualDebt *big.Int
}

func (e *DealBurned) EventType() EventType { return EventTypeDealBurned }
func (e *DealBurned) DealNumber() *uint64  { return &e.Deal }

// PositionTransferred records one side of a deal changing hands.
type PositionTransferred struct {
	Deal    uint64
	TokenID uint64
	From    sign.Address
	To      sign.Address
}

func (e *PositionTransferred) EventType() EventType { return EventTypePositionTransferred }
func (e *PositionTransferred) DealNumber() *uint64  { return &e.Deal }
