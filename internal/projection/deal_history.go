package projection

import (
	"sync"
	"time"

	"dealbook/internal/event"
)

// DealHistoryEntry is one lifecycle step of a deal, kept for fast history
// queries without touching Postgres.
type DealHistoryEntry struct {
	Sequence   int64
	DealNumber uint64
	EventType  string
	Amount     string // operation-specific principal amount, empty when n/a
	Timestamp  time.Time
}

// DealHistory maintains a queryable in-memory lifecycle log per deal. It is
// bounded: the oldest entries fall off once maxEntries is reached, and the
// full record always remains in the event log.
type DealHistory struct {
	mu         sync.RWMutex
	entries    []DealHistoryEntry
	maxEntries int
}

func NewDealHistory(maxEntries int) *DealHistory {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &DealHistory{
		entries:    make([]DealHistoryEntry, 0),
		maxEntries: maxEntries,
	}
}

// Record appends the envelope's lifecycle step, if it concerns a deal.
func (h *DealHistory) Record(env *event.Envelope) {
	if env.DealNumber == nil {
		return
	}

	entry := DealHistoryEntry{
		Sequence:   env.Sequence,
		DealNumber: *env.DealNumber,
		EventType:  env.EventType.String(),
		Timestamp:  env.Timestamp,
	}
	switch p := env.Payload.(type) {
	case *event.DealCreated:
		entry.Amount = p.BorrowAmount.String()
	case *event.LoanRepaid:
		entry.Amount = p.Amount.String()
	case *event.CollateralWithdrawn:
		entry.Amount = p.Amount.String()
	case *event.Liquidated:
		entry.Amount = p.RepaidAmount.String()
	case *event.DealBurned:
		entry.Amount = p.ResidualDebt.String()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxEntries {
		h.entries = h.entries[len(h.entries)-h.maxEntries:]
	}
}

// QueryByDeal returns the most recent entries for a deal, newest first.
func (h *DealHistory) QueryByDeal(dealNumber uint64, limit int) []DealHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]DealHistoryEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].DealNumber == dealNumber {
			result = append(result, h.entries[i])
		}
	}
	return result
}
