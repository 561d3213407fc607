package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"dealbook/internal/core"
	"dealbook/internal/event"
)

// ProjectionWorker updates projection tables from applied events. The
// projection channel is non-blocking with drop: if projections fall behind,
// they can be rebuilt from the event log, so the engine never stalls on
// them.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *DealHistory
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, history *DealHistory) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v",
					output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			if pw.history != nil {
				pw.history.Record(output.Envelope)
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch p := env.Payload.(type) {
	case *event.DealCreated:
		err = pw.upsertDealCreated(ctx, tx, env.Sequence, env.Timestamp, p)
	case *event.LoanRepaid:
		err = pw.updateDebt(ctx, tx, env.Sequence, env.Timestamp, p.Deal, p.RemainingDebt.String())
	case *event.CollateralWithdrawn:
		err = pw.updateCollateral(ctx, tx, env.Sequence, p.Deal, p.RemainingCollateral.String())
	case *event.Liquidated:
		err = pw.applyLiquidation(ctx, tx, env.Sequence, env.Timestamp, p)
	case *event.DealBurned:
		err = pw.closeDeal(ctx, tx, env.Sequence, p)
	case *event.PositionTransferred:
		err = pw.transferPosition(ctx, tx, env.Sequence, p)
	case *event.PriceUpdated:
		err = pw.upsertPrice(ctx, tx, env.Sequence, p)
	default:
		// NonceConsumed, BidTaken, AskTaken carry no projected state.
	}
	if err != nil {
		return err
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) upsertDealCreated(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, p *event.DealCreated) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.deals
			(deal_number, collateral_token, borrow_token, collateral_amount,
			 borrow_amount, interest_rate, hook, buyer, seller, status,
			 residual_debt, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', '0', $10, $11)
		ON CONFLICT (deal_number) DO UPDATE SET
			collateral_amount = EXCLUDED.collateral_amount,
			borrow_amount = EXCLUDED.borrow_amount,
			buyer = EXCLUDED.buyer,
			seller = EXCLUDED.seller,
			status = 'open',
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, int64(p.Deal), p.CollateralToken.String(), p.BorrowToken.String(),
		p.CollateralAmount.String(), p.BorrowAmount.String(), p.InterestRate.String(),
		p.Hook.String(), p.Buyer.String(), p.Seller.String(), seq, ts)
	if err != nil {
		return fmt.Errorf("deal created projection: %w", err)
	}
	return nil
}

func (pw *ProjectionWorker) updateDebt(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, dealNumber uint64, remaining string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.deals
		SET borrow_amount = $2, last_sequence = $3, updated_at = $4
		WHERE deal_number = $1
	`, int64(dealNumber), remaining, seq, ts)
	if err != nil {
		return fmt.Errorf("debt projection: %w", err)
	}
	return nil
}

// updateCollateral leaves updated_at alone: withdrawals do not rebase the
// debt checkpoint, and compounding from the old checkpoint yields the same
// current debt.
func (pw *ProjectionWorker) updateCollateral(ctx context.Context, tx *sql.Tx, seq int64, dealNumber uint64, remaining string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.deals
		SET collateral_amount = $2, last_sequence = $3
		WHERE deal_number = $1
	`, int64(dealNumber), remaining, seq)
	if err != nil {
		return fmt.Errorf("collateral projection: %w", err)
	}
	return nil
}

func (pw *ProjectionWorker) applyLiquidation(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, p *event.Liquidated) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.deals
		SET borrow_amount = $2,
		    collateral_amount = collateral_amount - $3::NUMERIC,
		    last_sequence = $4,
		    updated_at = $5
		WHERE deal_number = $1
	`, int64(p.Deal), p.RemainingDebt.String(), p.SeizedCollateral.String(), seq, ts)
	if err != nil {
		return fmt.Errorf("liquidation projection: %w", err)
	}
	return nil
}

func (pw *ProjectionWorker) closeDeal(ctx context.Context, tx *sql.Tx, seq int64, p *event.DealBurned) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.deals
		SET status = 'closed', residual_debt = $2, last_sequence = $3
		WHERE deal_number = $1
	`, int64(p.Deal), p.ResidualDebt.String(), seq); err != nil {
		return fmt.Errorf("close projection: %w", err)
	}

	if p.ResidualDebt.Sign() > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.bad_debt (borrow_token, amount, last_sequence)
			SELECT borrow_token, $2, $3 FROM projections.deals WHERE deal_number = $1
			ON CONFLICT (borrow_token) DO UPDATE SET
				amount = projections.bad_debt.amount + EXCLUDED.amount,
				last_sequence = EXCLUDED.last_sequence
		`, int64(p.Deal), p.ResidualDebt.String(), seq); err != nil {
			return fmt.Errorf("bad debt projection: %w", err)
		}
	}
	return nil
}

func (pw *ProjectionWorker) transferPosition(ctx context.Context, tx *sql.Tx, seq int64, p *event.PositionTransferred) error {
	column := "buyer"
	if p.TokenID%2 == 1 {
		column = "seller"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE projections.deals
		SET %s = $2, last_sequence = $3
		WHERE deal_number = $1
	`, column), int64(p.Deal), p.To.String(), seq)
	if err != nil {
		return fmt.Errorf("transfer projection: %w", err)
	}
	return nil
}

func (pw *ProjectionWorker) upsertPrice(ctx context.Context, tx *sql.Tx, seq int64, p *event.PriceUpdated) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.prices (asset, median_price, signer_count, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			median_price = EXCLUDED.median_price,
			signer_count = EXCLUDED.signer_count,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`, p.Asset.String(), p.MedianPrice.String(), p.SignerCount, seq)
	if err != nil {
		return fmt.Errorf("price projection: %w", err)
	}
	return nil
}

// RebuildProjections truncates the projection tables so the worker can
// repopulate them by replaying the event log through the projection path.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.deals`,
		`TRUNCATE projections.prices`,
		`TRUNCATE projections.bad_debt`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	log.Println("INFO: projection tables truncated for rebuild")
	return nil
}
