package hook

import (
	"errors"
	"math/big"
	"testing"

	"dealbook/internal/fpmath"
	"dealbook/internal/order"
	"dealbook/internal/sign"
)

func addr(b byte) sign.Address {
	var a sign.Address
	a[19] = b
	return a
}

var (
	collateralTok = addr(0xA0)
	borrowTok     = addr(0xB0)
	owner         = addr(0x01)
	stranger      = addr(0x02)
)

type fixedPrices map[sign.Address]*big.Int

func (p fixedPrices) PriceOf(asset sign.Address) (*big.Int, error) {
	price, ok := p[asset]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(price), nil
}

// parity prices both assets at 1.0 so amounts equal values.
func parity() fixedPrices {
	return fixedPrices{
		collateralTok: new(big.Int).Set(fpmath.Wad),
		borrowTok:     new(big.Int).Set(fpmath.Wad),
	}
}

func dealWith(collateral, borrow int64) order.Deal {
	return order.Deal{
		CollateralToken:  collateralTok,
		BorrowToken:      borrowTok,
		CollateralAmount: big.NewInt(collateral),
		BorrowAmount:     big.NewInt(borrow),
		InterestRate:     big.NewInt(0),
		Hook:             addr(0xC0),
	}
}

// ============================================================
// Initial margin
// ============================================================

func TestOnDealCreatedMarginMatrix(t *testing.T) {
	h := NewBasic(parity())

	tests := []struct {
		name       string
		collateral int64
		borrow     int64
		wantErr    error
	}{
		{"half collateral exactly", 1_000, 500, nil},
		{"well collateralized", 1_000, 100, nil},
		{"zero debt", 1_000, 0, nil},
		{"one over the limit", 1_000, 501, ErrInsufficientMargin},
		{"underwater", 1_000, 1_500, ErrInsufficientMargin},
		{"no collateral with debt", 0, 1, ErrInsufficientMargin},
		{"no collateral no debt", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.OnDealCreated(0, dealWith(tt.collateral, tt.borrow))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarginUsesPrices(t *testing.T) {
	// Collateral worth 4x the borrow asset: 1000 units cover 2000 borrow
	// units at the 0.5 limit.
	prices := parity()
	prices[collateralTok] = new(big.Int).Mul(fpmath.Wad, big.NewInt(4))
	h := NewBasic(prices)

	if err := h.OnDealCreated(0, dealWith(1_000, 2_000)); err != nil {
		t.Errorf("4x collateral price, borrow 2000: %v", err)
	}
	if err := h.OnDealCreated(0, dealWith(1_000, 2_001)); !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("borrow 2001: err = %v, want ErrInsufficientMargin", err)
	}
}

func TestOnDealCollateralWithdrawnSameLimit(t *testing.T) {
	h := NewBasic(parity())
	if err := h.OnDealCollateralWithdrawn(0, dealWith(1_000, 500)); err != nil {
		t.Errorf("at limit: %v", err)
	}
	if err := h.OnDealCollateralWithdrawn(0, dealWith(999, 500)); !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("past limit: err = %v, want ErrInsufficientMargin", err)
	}
}

func TestMissingPriceFailsClosed(t *testing.T) {
	h := NewBasic(fixedPrices{})
	if err := h.OnDealCreated(0, dealWith(1_000, 100)); err == nil {
		t.Error("missing price must veto the operation")
	}
}

// ============================================================
// Liquidation
// ============================================================

func TestLiquidationLifecycle(t *testing.T) {
	h := NewBasic(parity())
	before := dealWith(1_000, 900) // margin 0.9, past the 0.8 maintenance limit

	tests := []struct {
		name    string
		after   order.Deal
		wantErr error
	}{
		{"repay 450 seize 460, 2.2% bonus", dealWith(540, 450), nil},
		{"full repay at exact bonus cap", dealWith(55, 0), nil},
		{"full repay full seize overpays", dealWith(0, 0), ErrTooBigBonus},
		{"bonus over 5% cap", dealWith(520, 450), ErrTooBigBonus},
		{"seizure raises margin", dealWith(880, 800), ErrLiquidationNotImproving},
		{"margin unchanged", dealWith(500, 450), ErrLiquidationNotImproving},
		{"seize without repaying", dealWith(990, 900), ErrLiquidationNotImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.OnDealLiquidated(0, before, tt.after)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnderwaterClosureWritesOffDebt(t *testing.T) {
	// Collateral worth less than the debt: a closing seizure repays what
	// the collateral covers and the deal terminates with residual debt.
	h := NewBasic(parity())
	before := dealWith(500, 900)
	if err := h.OnDealLiquidated(0, before, dealWith(0, 400)); err != nil {
		t.Errorf("closing seizure: %v", err)
	}
	// Even a closure cannot overpay the liquidator.
	err := h.OnDealLiquidated(0, before, dealWith(0, 430))
	if !errors.Is(err, ErrTooBigBonus) {
		t.Errorf("err = %v, want ErrTooBigBonus", err)
	}
}

func TestHealthyPositionCannotBeLiquidated(t *testing.T) {
	h := NewBasic(parity())
	before := dealWith(1_000, 700) // margin 0.7, under maintenance
	err := h.OnDealLiquidated(0, before, dealWith(650, 350))
	if !errors.Is(err, ErrLiquidationNotAllowed) {
		t.Errorf("err = %v, want ErrLiquidationNotAllowed", err)
	}
}

func TestRepaidHasNothingToVeto(t *testing.T) {
	h := NewBasic(fixedPrices{}) // no prices needed
	if err := h.OnDealRepaid(0, dealWith(1_000, 900)); err != nil {
		t.Errorf("repay veto: %v", err)
	}
}

// ============================================================
// Registry
// ============================================================

func TestRegistryOwnerGate(t *testing.T) {
	r := NewRegistry(owner)
	h := NewBasic(parity())
	hookAddr := addr(0xC0)

	if err := r.Register(stranger, hookAddr, h); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger register err = %v, want ErrNotOwner", err)
	}
	if err := r.Register(owner, hookAddr, h); err != nil {
		t.Fatalf("owner register: %v", err)
	}
	if err := r.Register(owner, hookAddr, h); !errors.Is(err, ErrHookAlreadyExists) {
		t.Errorf("duplicate register err = %v, want ErrHookAlreadyExists", err)
	}

	got, err := r.Lookup(hookAddr)
	if err != nil || got != DealHook(h) {
		t.Errorf("lookup = %v, %v", got, err)
	}
}

func TestAssertRegistered(t *testing.T) {
	r := NewRegistry(owner)
	if err := r.AssertRegistered(sign.Address{}); err != nil {
		t.Errorf("zero hook address must pass: %v", err)
	}
	if err := r.AssertRegistered(addr(0xC0)); !errors.Is(err, ErrHookNotFound) {
		t.Errorf("unregistered err = %v, want ErrHookNotFound", err)
	}
}
