package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/core"
	"dealbook/internal/deal"
	"dealbook/internal/oracle"
	"dealbook/internal/order"
	"dealbook/internal/sign"
	"dealbook/internal/token"
)

// SnapshotManager handles creating and loading state snapshots for
// recovery. Snapshots contain balances, allowances, deals, nonces, bad
// debt, reference prices, recent command IDs for LRU warming, and the
// state-hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of the engine's state. Amounts and
// rates travel as decimal strings so precision survives JSON.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	Balances   []BalanceSnap   `json:"balances"`
	Allowances []AllowanceSnap `json:"allowances"`
	Supplies   []SupplySnap    `json:"supplies"`

	Deals    []DealSnap        `json:"deals"`
	NextDeal uint64            `json:"next_deal"`
	BadDebt  map[string]string `json:"bad_debt"` // borrow token -> amount
	Nonces   map[string]uint64 `json:"nonces"`   // account -> next nonce
	Prices   []PriceSnap       `json:"prices"`

	IdempotencyKeys []string  `json:"idempotency_keys"` // Recent command IDs for LRU warming
	CreatedAt       time.Time `json:"created_at"`
}

// BalanceSnap is a serializable fungible balance.
type BalanceSnap struct {
	Asset  sign.Address `json:"asset"`
	Holder sign.Address `json:"holder"`
	Amount string       `json:"amount"`
}

// AllowanceSnap is a serializable approval.
type AllowanceSnap struct {
	Asset   sign.Address `json:"asset"`
	Owner   sign.Address `json:"owner"`
	Spender sign.Address `json:"spender"`
	Amount  string       `json:"amount"`
}

// SupplySnap is a serializable asset supply.
type SupplySnap struct {
	Asset  sign.Address `json:"asset"`
	Amount string       `json:"amount"`
}

// DealSnap is a serializable deal.
type DealSnap struct {
	Number           uint64       `json:"number"`
	CollateralToken  sign.Address `json:"collateral_token"`
	BorrowToken      sign.Address `json:"borrow_token"`
	CollateralAmount string       `json:"collateral_amount"`
	BorrowAmount     string       `json:"borrow_amount"`
	InterestRate     string       `json:"interest_rate"`
	Hook             sign.Address `json:"hook"`
	Buyer            sign.Address `json:"buyer"`
	Seller           sign.Address `json:"seller"`
	LastUpdated      int64        `json:"last_updated"`
}

// PriceSnap is a serializable oracle reference price.
type PriceSnap struct {
	Asset       sign.Address `json:"asset"`
	Price       string       `json:"price"`
	LastUpdate  int64        `json:"last_update"`
	HeartbeatMs int64        `json:"heartbeat_ms"`
}

// SnapshotFromState flattens an exported engine state for storage.
func SnapshotFromState(state *core.SnapshotState, idempotencyKeys []string) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       append([]byte(nil), state.StateHash[:]...),
		NextDeal:        state.NextDeal,
		BadDebt:         make(map[string]string, len(state.BadDebt)),
		Nonces:          make(map[string]uint64, len(state.Nonces)),
		IdempotencyKeys: idempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for _, b := range state.Balances {
		snap.Balances = append(snap.Balances, BalanceSnap{Asset: b.Asset, Holder: b.Holder, Amount: b.Amount.String()})
	}
	for _, a := range state.Allowances {
		snap.Allowances = append(snap.Allowances, AllowanceSnap{Asset: a.Asset, Owner: a.Owner, Spender: a.Spender, Amount: a.Amount.String()})
	}
	for _, s := range state.Supplies {
		snap.Supplies = append(snap.Supplies, SupplySnap{Asset: s.Asset, Amount: s.Amount.String()})
	}
	for _, rec := range state.Deals {
		snap.Deals = append(snap.Deals, DealSnap{
			Number:           rec.Number,
			CollateralToken:  rec.Deal.CollateralToken,
			BorrowToken:      rec.Deal.BorrowToken,
			CollateralAmount: rec.Deal.CollateralAmount.String(),
			BorrowAmount:     rec.Deal.BorrowAmount.String(),
			InterestRate:     rec.Deal.InterestRate.String(),
			Hook:             rec.Deal.Hook,
			Buyer:            rec.State.Buyer,
			Seller:           rec.State.Seller,
			LastUpdated:      rec.State.LastUpdated,
		})
	}
	for tok, bd := range state.BadDebt {
		snap.BadDebt[tok.String()] = bd.String()
	}
	for account, next := range state.Nonces {
		snap.Nonces[account.String()] = next
	}
	for _, ref := range state.References {
		snap.Prices = append(snap.Prices, PriceSnap{
			Asset:       ref.Asset,
			Price:       ref.Price.String(),
			LastUpdate:  ref.LastUpdate,
			HeartbeatMs: ref.Heartbeat.Milliseconds(),
		})
	}
	return snap
}

// ToState rebuilds an engine-ready state from the stored form.
func (sd *SnapshotData) ToState() (*core.SnapshotState, error) {
	state := &core.SnapshotState{
		Sequence: sd.Sequence,
		NextDeal: sd.NextDeal,
		BadDebt:  make(map[sign.Address]*big.Int, len(sd.BadDebt)),
		Nonces:   make(map[sign.Address]uint64, len(sd.Nonces)),
	}
	if len(sd.StateHash) != len(state.StateHash) {
		return nil, fmt.Errorf("snapshot state hash: want %d bytes, got %d", len(state.StateHash), len(sd.StateHash))
	}
	copy(state.StateHash[:], sd.StateHash)

	for _, b := range sd.Balances {
		amount, err := parseSnapAmount("balance", b.Amount)
		if err != nil {
			return nil, err
		}
		state.Balances = append(state.Balances, token.BalanceEntry{Asset: b.Asset, Holder: b.Holder, Amount: amount})
	}
	for _, a := range sd.Allowances {
		amount, err := parseSnapAmount("allowance", a.Amount)
		if err != nil {
			return nil, err
		}
		state.Allowances = append(state.Allowances, token.AllowanceEntry{Asset: a.Asset, Owner: a.Owner, Spender: a.Spender, Amount: amount})
	}
	for _, s := range sd.Supplies {
		amount, err := parseSnapAmount("supply", s.Amount)
		if err != nil {
			return nil, err
		}
		state.Supplies = append(state.Supplies, token.SupplyEntry{Asset: s.Asset, Amount: amount})
	}
	for _, d := range sd.Deals {
		coll, err := parseSnapAmount("collateral", d.CollateralAmount)
		if err != nil {
			return nil, err
		}
		borrow, err := parseSnapAmount("borrow", d.BorrowAmount)
		if err != nil {
			return nil, err
		}
		rate, err := parseSnapAmount("rate", d.InterestRate)
		if err != nil {
			return nil, err
		}
		state.Deals = append(state.Deals, deal.Record{
			Number: d.Number,
			Deal: order.Deal{
				CollateralToken:  d.CollateralToken,
				BorrowToken:      d.BorrowToken,
				CollateralAmount: coll,
				BorrowAmount:     borrow,
				InterestRate:     rate,
				Hook:             d.Hook,
			},
			State: order.DealState{
				Buyer:       d.Buyer,
				Seller:      d.Seller,
				LastUpdated: d.LastUpdated,
			},
		})
	}
	for tok, bd := range sd.BadDebt {
		addr, err := sign.ParseAddress(tok)
		if err != nil {
			return nil, fmt.Errorf("snapshot bad debt token: %w", err)
		}
		amount, err := parseSnapAmount("bad debt", bd)
		if err != nil {
			return nil, err
		}
		state.BadDebt[addr] = amount
	}
	for account, next := range sd.Nonces {
		addr, err := sign.ParseAddress(account)
		if err != nil {
			return nil, fmt.Errorf("snapshot nonce account: %w", err)
		}
		state.Nonces[addr] = next
	}
	for _, p := range sd.Prices {
		price, err := parseSnapAmount("price", p.Price)
		if err != nil {
			return nil, err
		}
		state.References = append(state.References, oracle.Reference{
			Asset:      p.Asset,
			Price:      price,
			LastUpdate: p.LastUpdate,
			Heartbeat:  time.Duration(p.HeartbeatMs) * time.Millisecond,
		})
	}
	return state, nil
}

func parseSnapAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("snapshot %s amount: bad value %q", field, s)
	}
	return v, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying the event log hash chain from the
// snapshot sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the latest snapshot then verify the hash chain from
// snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence, used to verify the
// hash chain after a snapshot restore and to feed projections on rebuild.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, command_id, deal_number, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.CommandID, &e.DealNumber,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
