package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeNonceConsumed
	EventTypeBidTaken
	EventTypeAskTaken
	EventTypeDealCreated
	EventTypeLoanRepaid
	EventTypeCollateralWithdrawn
	EventTypeLiquidated
	EventTypeDealBurned
	EventTypePriceUpdated
	EventTypePositionTransferred
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Command identity assigned at ingestion, stable dedup key
	CommandID uuid.UUID

	// Event type discriminator
	EventType EventType

	// Deal context (nullable for global events)
	DealNumber *uint64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Event-specific data
	Payload Event

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// IdempotencyKey returns the stable dedup key for the log.
func (e *Envelope) IdempotencyKey() string {
	return e.CommandID.String()
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// DealNumber returns the deal context (nil for global events)
	DealNumber() *uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeNonceConsumed:
		return "NonceConsumed"
	case EventTypeBidTaken:
		return "BidTaken"
	case EventTypeAskTaken:
		return "AskTaken"
	case EventTypeDealCreated:
		return "DealCreated"
	case EventTypeLoanRepaid:
		return "LoanRepaid"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeDealBurned:
		return "DealBurned"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypePositionTransferred:
		return "PositionTransferred"
	default:
		return "Unknown"
	}
}
