package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/fpmath"
)

// ErrNotFound is returned when the requested row does not exist in the
// projections.
var ErrNotFound = errors.New("query: not found")

const secondsPerYear = 365 * 24 * 3600

// QueryService provides read-only access to projection tables and the
// event log. Queries never touch engine state: they read PostgreSQL
// projections, so every response carries AsOfSequence for freshness
// semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetDeal returns one deal with its debt accrued forward to now. The
// stored borrow_amount is a checkpoint; CurrentDebt compounds it over the
// time since updated_at.
func (qs *QueryService) GetDeal(ctx context.Context, dealNumber uint64, now time.Time) (*DealResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		d         DealResponse
		updatedAt time.Time
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT deal_number, collateral_token, borrow_token, collateral_amount::TEXT,
		       borrow_amount::TEXT, interest_rate::TEXT, hook, buyer, seller,
		       status, residual_debt::TEXT, updated_at
		FROM projections.deals
		WHERE deal_number = $1
	`, int64(dealNumber)).Scan(
		&d.DealNumber, &d.CollateralToken, &d.BorrowToken, &d.CollateralAmount,
		&d.BorrowAmount, &d.InterestRate, &d.Hook, &d.Buyer, &d.Seller,
		&d.Status, &d.ResidualDebt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.UpdatedAt = updatedAt.Unix()
	d.AsOfSequence = asOfSeq
	if err := qs.enrichAccrual(&d, updatedAt, now); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeals returns deals newest-first, optionally filtered by status
// ("open" or "closed") and by account (matches buyer or seller).
// Pagination is cursor-based on deal_number.
func (qs *QueryService) ListDeals(
	ctx context.Context,
	status *string,
	account *string,
	limit int,
	beforeDeal *uint64,
	now time.Time,
) ([]DealResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT deal_number, collateral_token, borrow_token, collateral_amount::TEXT,
		       borrow_amount::TEXT, interest_rate::TEXT, hook, buyer, seller,
		       status, residual_debt::TEXT, updated_at
		FROM projections.deals
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}
	if account != nil {
		query += fmt.Sprintf(" AND (buyer = $%d OR seller = $%d)", argIdx, argIdx)
		args = append(args, *account)
		argIdx++
	}
	if beforeDeal != nil {
		query += fmt.Sprintf(" AND deal_number < $%d", argIdx)
		args = append(args, int64(*beforeDeal))
		argIdx++
	}

	query += " ORDER BY deal_number DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []DealResponse
	for rows.Next() {
		var (
			d         DealResponse
			updatedAt time.Time
		)
		if err := rows.Scan(
			&d.DealNumber, &d.CollateralToken, &d.BorrowToken, &d.CollateralAmount,
			&d.BorrowAmount, &d.InterestRate, &d.Hook, &d.Buyer, &d.Seller,
			&d.Status, &d.ResidualDebt, &updatedAt,
		); err != nil {
			return nil, err
		}
		d.UpdatedAt = updatedAt.Unix()
		d.AsOfSequence = asOfSeq
		if err := qs.enrichAccrual(&d, updatedAt, now); err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}

	return deals, rows.Err()
}

// GetPrice returns the current reference price for an asset.
func (qs *QueryService) GetPrice(ctx context.Context, asset string) (*PriceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p PriceResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, median_price::TEXT, signer_count, updated_at
		FROM projections.prices
		WHERE asset = $1
	`, asset).Scan(&p.Asset, &p.MedianPrice, &p.SignerCount, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.AsOfSequence = asOfSeq
	return &p, nil
}

// ListBadDebt returns accumulated unrecoverable debt per borrow token.
func (qs *QueryService) ListBadDebt(ctx context.Context) ([]BadDebtResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT borrow_token, amount::TEXT
		FROM projections.bad_debt
		ORDER BY borrow_token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BadDebtResponse
	for rows.Next() {
		var r BadDebtResponse
		if err := rows.Scan(&r.BorrowToken, &r.Amount); err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetDealEvents returns the persisted event history for one deal,
// newest-first, with cursor-based pagination on sequence.
func (qs *QueryService) GetDealEvents(
	ctx context.Context,
	dealNumber uint64,
	limit int,
	beforeSequence *int64,
) ([]EventResponse, error) {
	query := `
		SELECT sequence, event_type, command_id, deal_number, payload, timestamp
		FROM event_log.events
		WHERE deal_number = $1
	`
	args := []interface{}{int64(dealNumber)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var (
			e         EventResponse
			commandID string
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &commandID, &e.DealNumber,
			&e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.CommandID, err = uuid.Parse(commandID)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad command id: %w", e.Sequence, err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// VerifyIntegrity checks hash chain continuity across the persisted event
// log. Admin API.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log.events
	`).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

// enrichAccrual fills CurrentDebt and AnnualizedRate. Closed deals carry
// their final checkpoint unchanged.
func (qs *QueryService) enrichAccrual(d *DealResponse, updatedAt, now time.Time) error {
	d.CurrentDebt = d.BorrowAmount
	if d.Status != "open" {
		return nil
	}

	principal, ok := new(big.Int).SetString(d.BorrowAmount, 10)
	if !ok {
		return fmt.Errorf("deal %d: bad borrow amount %q", d.DealNumber, d.BorrowAmount)
	}
	rate, ok := new(big.Int).SetString(d.InterestRate, 10)
	if !ok {
		return fmt.Errorf("deal %d: bad interest rate %q", d.DealNumber, d.InterestRate)
	}

	elapsed := now.Unix() - updatedAt.Unix()
	if elapsed < 0 {
		elapsed = 0
	}
	debt, err := fpmath.PrincipalPlusInterest(principal, rate, elapsed)
	if err != nil {
		return fmt.Errorf("deal %d: accrual: %w", d.DealNumber, err)
	}
	d.CurrentDebt = debt.String()

	annual, err := fpmath.RateForDuration(rate, secondsPerYear)
	if err != nil {
		return fmt.Errorf("deal %d: annualized rate: %w", d.DealNumber, err)
	}
	d.AnnualizedRate = annual.String()
	return nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
