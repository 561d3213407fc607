package fpmath_test

import (
	"math/big"
	"testing"

	"dealbook/internal/fpmath"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

// ============================================================================
// Test: PrincipalPlusInterest
// ============================================================================

func TestPrincipalPlusInterest_ZeroPrincipal(t *testing.T) {
	got, err := fpmath.PrincipalPlusInterest(big.NewInt(0), big.NewInt(1_000_000), 3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("zero principal should accrue nothing, got %s", got)
	}
}

func TestPrincipalPlusInterest_ZeroDuration(t *testing.T) {
	principal := big.NewInt(1_000_000)
	got, err := fpmath.PrincipalPlusInterest(principal, big.NewInt(1_000_000), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(principal) != 0 {
		t.Errorf("zero duration should be identity: got %s, want %s", got, principal)
	}
}

func TestPrincipalPlusInterest_ZeroRate(t *testing.T) {
	principal := big.NewInt(777)
	got, err := fpmath.PrincipalPlusInterest(principal, big.NewInt(0), 1<<30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(principal) != 0 {
		t.Errorf("zero rate should be identity: got %s, want %s", got, principal)
	}
}

func TestPrincipalPlusInterest_OneSecond(t *testing.T) {
	// rate = 10% of RAY per second: after 1s, 1000 grows to exactly 1100.
	rate := new(big.Int).Quo(fpmath.Ray, big.NewInt(10))
	got, err := fpmath.PrincipalPlusInterest(big.NewInt(1000), rate, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(1100)) != 0 {
		t.Errorf("got %s, want 1100", got)
	}
}

func TestPrincipalPlusInterest_Compounds(t *testing.T) {
	// 10%/s over 2 seconds: 1000 -> 1210, not the simple-interest 1200.
	rate := new(big.Int).Quo(fpmath.Ray, big.NewInt(10))
	got, err := fpmath.PrincipalPlusInterest(big.NewInt(1000), rate, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(1210)) != 0 {
		t.Errorf("got %s, want 1210", got)
	}
}

func TestPrincipalPlusInterest_MonotonicInTime(t *testing.T) {
	principal := wad(5)
	rate := big.NewInt(3_170_979_198_376_458_650) // ~10% APR per second in ray

	prev := new(big.Int).Set(principal)
	for _, elapsed := range []int64{1, 60, 3600, 86_400, 604_800, 31_536_000} {
		got, err := fpmath.PrincipalPlusInterest(principal, rate, elapsed)
		if err != nil {
			t.Fatalf("elapsed=%d: %v", elapsed, err)
		}
		if got.Cmp(prev) < 0 {
			t.Errorf("accrual not monotonic: t=%d gave %s < previous %s", elapsed, got, prev)
		}
		prev = got
	}
}

func TestPrincipalPlusInterest_Overflow(t *testing.T) {
	// A full-ray per-second rate doubles the debt every second; 300 seconds
	// pushes the growth factor past the 256-bit domain.
	principal := wad(1)
	_, err := fpmath.PrincipalPlusInterest(principal, fpmath.Ray, 300)
	if err != fpmath.ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestPrincipalPlusInterest_NegativeInputs(t *testing.T) {
	if _, err := fpmath.PrincipalPlusInterest(big.NewInt(-1), big.NewInt(1), 1); err != fpmath.ErrNegativeInput {
		t.Errorf("negative principal: got %v", err)
	}
	if _, err := fpmath.PrincipalPlusInterest(big.NewInt(1), big.NewInt(-1), 1); err != fpmath.ErrNegativeInput {
		t.Errorf("negative rate: got %v", err)
	}
	if _, err := fpmath.PrincipalPlusInterest(big.NewInt(1), big.NewInt(1), -1); err != fpmath.ErrNegativeInput {
		t.Errorf("negative elapsed: got %v", err)
	}
}

// ============================================================================
// Test: InterestOnly / RateForDuration
// ============================================================================

func TestInterestOnly(t *testing.T) {
	rate := new(big.Int).Quo(fpmath.Ray, big.NewInt(10))
	got, err := fpmath.InterestOnly(big.NewInt(1000), rate, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(210)) != 0 {
		t.Errorf("got %s, want 210", got)
	}
}

func TestRateForDuration(t *testing.T) {
	// (1.1)^2 - 1 = 0.21 in ray.
	rate := new(big.Int).Quo(fpmath.Ray, big.NewInt(10))
	got, err := fpmath.RateForDuration(rate, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(big.Int).Quo(new(big.Int).Mul(fpmath.Ray, big.NewInt(21)), big.NewInt(100))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestRateForDuration_ZeroCases(t *testing.T) {
	got, err := fpmath.RateForDuration(big.NewInt(0), 1000)
	if err != nil || got.Sign() != 0 {
		t.Errorf("zero rate: got %s, %v", got, err)
	}
	got, err = fpmath.RateForDuration(big.NewInt(12345), 0)
	if err != nil || got.Sign() != 0 {
		t.Errorf("zero duration: got %s, %v", got, err)
	}
}

// ============================================================================
// Test: Median
// ============================================================================

func TestMedian_EvenCount(t *testing.T) {
	prices := []*big.Int{wad(100), wad(200), wad(300), wad(400)}
	got := fpmath.Median(prices)
	if got.Cmp(wad(250)) != 0 {
		t.Errorf("got %s, want %s", got, wad(250))
	}
}

func TestMedian_OddCount(t *testing.T) {
	prices := []*big.Int{wad(100), wad(300), wad(200)}
	got := fpmath.Median(prices)
	if got.Cmp(wad(200)) != 0 {
		t.Errorf("got %s, want %s", got, wad(200))
	}
}

func TestMedian_SingleOutlierResistance(t *testing.T) {
	// One compromised submission at 10x must not move the median off 100.
	prices := []*big.Int{wad(100), wad(100), wad(1000)}
	got := fpmath.Median(prices)
	if got.Cmp(wad(100)) != 0 {
		t.Errorf("got %s, want %s", got, wad(100))
	}
}

func TestMedian_DoesNotMutateInput(t *testing.T) {
	prices := []*big.Int{wad(300), wad(100), wad(200)}
	fpmath.Median(prices)
	if prices[0].Cmp(wad(300)) != 0 {
		t.Error("input slice was reordered or mutated")
	}
}

func TestMedian_Empty(t *testing.T) {
	if got := fpmath.Median(nil); got != nil {
		t.Errorf("empty input should return nil, got %s", got)
	}
}
