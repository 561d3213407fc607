package hook

import (
	"errors"
	"fmt"
	"math/big"

	"dealbook/internal/fpmath"
	"dealbook/internal/order"
	"dealbook/internal/sign"
)

var (
	ErrInsufficientMargin      = errors.New("hook: margin above initial limit")
	ErrLiquidationNotAllowed   = errors.New("hook: position above maintenance margin")
	ErrLiquidationNotImproving = errors.New("hook: liquidation does not reduce margin")
	ErrTooBigBonus             = errors.New("hook: liquidator bonus exceeds cap")
)

// PriceSource quotes an asset in the common unit of account, wad-scaled.
type PriceSource interface {
	PriceOf(asset sign.Address) (*big.Int, error)
}

// Basic is the stock margin hook. Margin is the loan-to-value ratio,
// borrow value over collateral value, wad-scaled: 0 is fully
// overcollateralized, values past 1e18 are underwater.
//
//   - Creation and collateral withdrawal require margin <= InitialMargin.
//   - Liquidation requires margin > MaintenanceMargin before, a strictly
//     lower margin after, and a seizure bonus within MaxBonusRate.
type Basic struct {
	prices            PriceSource
	InitialMargin     *big.Int // wad
	MaintenanceMargin *big.Int // wad
	MaxBonusRate      *big.Int // wad, bonus over repaid value
}

// Stock parameter defaults: borrow at most half the collateral's value,
// liquidate past 80% loan-to-value, pay liquidators at most 5% over the
// debt they cover.
func NewBasic(prices PriceSource) *Basic {
	return &Basic{
		prices:            prices,
		InitialMargin:     new(big.Int).Div(fpmath.Wad, big.NewInt(2)),
		MaintenanceMargin: new(big.Int).Div(new(big.Int).Mul(fpmath.Wad, big.NewInt(4)), big.NewInt(5)),
		MaxBonusRate:      new(big.Int).Div(fpmath.Wad, big.NewInt(20)),
	}
}

// values returns (borrowValue, collateralValue) for a deal at current
// prices.
func (b *Basic) values(d order.Deal) (*big.Int, *big.Int, error) {
	pb, err := b.prices.PriceOf(d.BorrowToken)
	if err != nil {
		return nil, nil, fmt.Errorf("price of borrow token %s: %w", d.BorrowToken, err)
	}
	pc, err := b.prices.PriceOf(d.CollateralToken)
	if err != nil {
		return nil, nil, fmt.Errorf("price of collateral token %s: %w", d.CollateralToken, err)
	}
	bv, err := fpmath.MulDivWad(d.BorrowAmount, pb)
	if err != nil {
		return nil, nil, err
	}
	cv, err := fpmath.MulDivWad(d.CollateralAmount, pc)
	if err != nil {
		return nil, nil, err
	}
	return bv, cv, nil
}

// withinMargin reports borrowValue/collateralValue <= limit without
// dividing: bv * wad <= cv * limit. Zero collateral passes only with zero
// debt.
func withinMargin(bv, cv, limit *big.Int) bool {
	if cv.Sign() == 0 {
		return bv.Sign() == 0
	}
	lhs := new(big.Int).Mul(bv, fpmath.Wad)
	rhs := new(big.Int).Mul(cv, limit)
	return lhs.Cmp(rhs) <= 0
}

func (b *Basic) checkInitialMargin(d order.Deal) error {
	bv, cv, err := b.values(d)
	if err != nil {
		return err
	}
	if !withinMargin(bv, cv, b.InitialMargin) {
		return ErrInsufficientMargin
	}
	return nil
}

func (b *Basic) OnDealCreated(dealNumber uint64, d order.Deal) error {
	return b.checkInitialMargin(d)
}

func (b *Basic) OnDealCollateralWithdrawn(dealNumber uint64, d order.Deal) error {
	return b.checkInitialMargin(d)
}

// Repayment only ever lowers margin, so the hook has nothing to veto.
func (b *Basic) OnDealRepaid(dealNumber uint64, d order.Deal) error {
	return nil
}

func (b *Basic) OnDealLiquidated(dealNumber uint64, before, after order.Deal) error {
	bvB, cvB, err := b.values(before)
	if err != nil {
		return err
	}
	bvA, cvA, err := b.values(after)
	if err != nil {
		return err
	}

	// Only positions past the maintenance limit may be liquidated.
	if withinMargin(bvB, cvB, b.MaintenanceMargin) {
		return ErrLiquidationNotAllowed
	}

	// The seizure must strictly lower margin: bvA/cvA < bvB/cvB, compared
	// by cross multiplication. Exhausting the collateral closes the deal
	// (residual debt is written off), so it counts as acceptable; the
	// bonus cap below still bounds what the liquidator takes for it.
	improving := false
	switch {
	case bvA.Sign() == 0:
		improving = bvB.Sign() > 0 || cvA.Sign() > 0
	case cvA.Sign() == 0:
		improving = true
	default:
		lhs := new(big.Int).Mul(bvA, cvB)
		rhs := new(big.Int).Mul(bvB, cvA)
		improving = lhs.Cmp(rhs) < 0
	}
	if !improving {
		return ErrLiquidationNotImproving
	}

	// Bonus cap: collateral value seized may exceed debt value covered by
	// at most MaxBonusRate.
	repaid := new(big.Int).Sub(bvB, bvA)
	seized := new(big.Int).Sub(cvB, cvA)
	if repaid.Sign() <= 0 {
		if seized.Sign() > 0 {
			return ErrTooBigBonus
		}
		return nil
	}
	lhs := new(big.Int).Mul(seized, fpmath.Wad)
	rhs := new(big.Int).Mul(repaid, new(big.Int).Add(fpmath.Wad, b.MaxBonusRate))
	if lhs.Cmp(rhs) > 0 {
		return ErrTooBigBonus
	}
	return nil
}
