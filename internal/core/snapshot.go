package core

import (
	"fmt"
	"math/big"

	"dealbook/internal/deal"
	"dealbook/internal/oracle"
	"dealbook/internal/sign"
	"dealbook/internal/token"
)

// SnapshotState is the engine's full in-memory state at a sequence
// boundary. Everything the engine mutates is here; hooks, keepers, and
// other configuration are re-wired by the orchestrator on boot.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Balances   []token.BalanceEntry
	Allowances []token.AllowanceEntry
	Supplies   []token.SupplyEntry

	Deals      []deal.Record
	NextDeal   uint64
	BadDebt    map[sign.Address]*big.Int
	Nonces     map[sign.Address]uint64
	References []oracle.Reference
}

// ExportState copies the engine's state for snapshotting. Callers must not
// run this concurrently with command application.
func (e *Engine) ExportState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &SnapshotState{
		Sequence:   e.sequence,
		StateHash:  e.hasher.GetPrevHash(),
		Balances:   e.tokens.Entries(),
		Allowances: e.tokens.AllowanceEntries(),
		Supplies:   e.tokens.SupplyEntries(),
		Deals:      e.deals.Records(),
		NextDeal:   e.deals.NextNumber(),
		BadDebt:    e.deals.BadDebts(),
		Nonces:     e.nonces.Snapshot(),
	}
	if e.oracle != nil {
		snap.References = e.oracle.References()
	}
	return snap
}

// RestoreState loads a snapshot into a freshly constructed engine. Restoring
// over live state is not supported.
func (e *Engine) RestoreState(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sequence != 0 {
		return fmt.Errorf("restore into non-empty engine at sequence %d", e.sequence)
	}

	for _, b := range snap.Balances {
		if err := e.tokens.RestoreBalance(b.Asset, b.Holder, b.Amount); err != nil {
			return fmt.Errorf("restore balance %s/%s: %w", b.Asset, b.Holder, err)
		}
	}
	for _, a := range snap.Allowances {
		if err := e.tokens.RestoreAllowance(a.Asset, a.Owner, a.Spender, a.Amount); err != nil {
			return fmt.Errorf("restore allowance %s/%s: %w", a.Asset, a.Owner, err)
		}
	}
	for _, s := range snap.Supplies {
		if err := e.tokens.RestoreSupply(s.Asset, s.Amount); err != nil {
			return fmt.Errorf("restore supply %s: %w", s.Asset, err)
		}
	}
	for _, rec := range snap.Deals {
		if err := e.deals.RestoreDeal(rec); err != nil {
			return fmt.Errorf("restore deal %d: %w", rec.Number, err)
		}
	}
	e.deals.RestoreNextNumber(snap.NextDeal)
	for tok, bd := range snap.BadDebt {
		if err := e.deals.RestoreBadDebt(tok, bd); err != nil {
			return fmt.Errorf("restore bad debt %s: %w", tok, err)
		}
	}
	for account, next := range snap.Nonces {
		e.nonces.Restore(account, next)
	}
	if e.oracle != nil {
		for _, ref := range snap.References {
			if err := e.oracle.RestoreReference(ref); err != nil {
				return fmt.Errorf("restore price %s: %w", ref.Asset, err)
			}
		}
	}

	e.sequence = snap.Sequence
	e.hasher.RestoreHash(snap.StateHash)
	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(snap.Sequence))
		e.metrics.DealsOpen.Set(float64(e.deals.Count()))
	}
	e.logger.Info().Int64("sequence", snap.Sequence).Int("deals", e.deals.Count()).Msg("state restored from snapshot")
	return nil
}

// WarmIdempotencyLRU preloads recently applied command IDs on restart.
func (e *Engine) WarmIdempotencyLRU(commandIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(commandIDs)
}
