package event

import (
	"math/big"

	"dealbook/internal/sign"
)

// PriceUpdated records a new oracle median for one asset.
type PriceUpdated struct {
	Asset       sign.Address
	MedianPrice *big.Int // wad
	SignerCount int
}

func (e *PriceUpdated) EventType() EventType { return EventTypePriceUpdated }
func (e *PriceUpdated) DealNumber() *uint64  { return nil }
