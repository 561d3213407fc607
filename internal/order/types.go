package order

import (
	"math/big"

	"dealbook/internal/sign"
)

// Bid is a lender's signed offer: the most it will lend, the least
// collateral it accepts, and the lowest interest rate it takes. Bids are
// immutable values; hashing lives in the codec, never on mutable state.
type Bid struct {
	CollateralToken     sign.Address
	MinCollateralAmount *big.Int
	BorrowToken         sign.Address
	MaxBorrowAmount     *big.Int
	InterestRateBid     *big.Int // ray-scaled per-second rate floor
	Hook                sign.Address
	Deadline            int64 // unix seconds, absolute expiry
}

// Ask is a borrower's signed request: the most collateral it will post, the
// least it needs to borrow, and the highest interest rate it accepts.
type Ask struct {
	CollateralToken     sign.Address
	MaxCollateralAmount *big.Int
	BorrowToken         sign.Address
	MinBorrowAmount     *big.Int
	InterestRateAsk     *big.Int // ray-scaled per-second rate ceiling
	Hook                sign.Address
	Deadline            int64
}

// BidWithAccount binds a bid to its author and the nonce it consumes.
// Account and Nonce are covered by the signing hash.
type BidWithAccount struct {
	Bid     Bid
	Account sign.Address
	Nonce   uint64
}

// AskWithAccount binds an ask to its author and nonce.
type AskWithAccount struct {
	Ask     Ask
	Account sign.Address
	Nonce   uint64
}

// Deal is an active loan. BorrowAmount carries principal plus checkpointed
// interest and only moves through the ledger's setters. Both amounts are
// non-negative; a deal whose collateral reaches zero is structurally closed.
type Deal struct {
	CollateralToken  sign.Address
	BorrowToken      sign.Address
	CollateralAmount *big.Int
	BorrowAmount     *big.Int
	InterestRate     *big.Int // ray-scaled per-second, fixed at creation
	Hook             sign.Address
}

// DealState is the mutable companion of a Deal: the two parties and the
// accrual high-water mark.
type DealState struct {
	Buyer       sign.Address // lender: supplied the borrowed asset, receives repayments
	Seller      sign.Address // borrower: posted collateral, owes BorrowAmount
	LastUpdated int64        // unix seconds of the last interest checkpoint
}

// Clone returns a deep copy so callers can't alias the ledger's amounts.
func (d Deal) Clone() Deal {
	out := d
	out.CollateralAmount = new(big.Int).Set(d.CollateralAmount)
	out.BorrowAmount = new(big.Int).Set(d.BorrowAmount)
	out.InterestRate = new(big.Int).Set(d.InterestRate)
	return out
}
