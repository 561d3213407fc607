package query

import (
	"time"

	"github.com/google/uuid"
)

// DealResponse is a lending deal as seen through the projections, with
// debt accrued forward to query time.
type DealResponse struct {
	DealNumber       uint64 `json:"deal_number"`
	CollateralToken  string `json:"collateral_token"`
	BorrowToken      string `json:"borrow_token"`
	CollateralAmount string `json:"collateral_amount"`
	BorrowAmount     string `json:"borrow_amount"` // checkpointed debt
	CurrentDebt      string `json:"current_debt"`  // derived at query time
	InterestRate     string `json:"interest_rate"` // ray per second
	AnnualizedRate   string `json:"annualized_rate,omitempty"`
	Hook             string `json:"hook"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	Status           string `json:"status"`
	ResidualDebt     string `json:"residual_debt"`
	UpdatedAt        int64  `json:"updated_at"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// PriceResponse is the current reference price for an asset.
type PriceResponse struct {
	Asset        string    `json:"asset"`
	MedianPrice  string    `json:"median_price"`
	SignerCount  int       `json:"signer_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// BadDebtResponse is the accumulated unrecoverable debt for one borrow
// token.
type BadDebtResponse struct {
	BorrowToken  string `json:"borrow_token"`
	Amount       string `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventResponse is a persisted event for history queries.
type EventResponse struct {
	Sequence   int64     `json:"sequence"`
	EventType  string    `json:"event_type"`
	CommandID  uuid.UUID `json:"command_id"`
	DealNumber *int64    `json:"deal_number,omitempty"`
	Payload    []byte    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	EventCount      int64   `json:"event_count"`
}
