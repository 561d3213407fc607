package fpmath

import (
	"errors"
	"math/big"
	"sort"
)

// Fixed-point scales used across the protocol.
//
// Interest rates are ray-scaled (27 decimals): a per-second rate r means the
// debt grows by a factor of (1 + r/RAY) every second. Prices and margin
// ratios are wad-scaled (18 decimals). Token amounts carry their token's own
// decimals and are never rescaled here.
var (
	// Ray is the interest-rate scale, 1e27.
	Ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

	// Wad is the price/ratio scale, 1e18.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// maxUint256 bounds every intermediate product. The protocol's numeric
	// domain is 256-bit; exceeding it is an arithmetic error, never a wrap.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

var (
	ErrOverflow       = errors.New("fpmath: multiplication overflow")
	ErrNegativeInput  = errors.New("fpmath: negative input")
	ErrNegativeResult = errors.New("fpmath: negative result")
)

// checkedMul returns a*b, failing if the product leaves the 256-bit domain.
func checkedMul(a, b *big.Int) (*big.Int, error) {
	p := new(big.Int).Mul(a, b)
	if p.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return p, nil
}

// rayMul returns a*b/RAY (floor), with overflow detection on the product.
func rayMul(a, b *big.Int) (*big.Int, error) {
	p, err := checkedMul(a, b)
	if err != nil {
		return nil, err
	}
	return p.Quo(p, Ray), nil
}

// rpow computes base^n where base is ray-scaled, by squaring.
// Every squaring and multiplication step is overflow-checked.
func rpow(base *big.Int, n int64) (*big.Int, error) {
	result := new(big.Int).Set(Ray)
	acc := new(big.Int).Set(base)

	for n > 0 {
		if n&1 == 1 {
			r, err := rayMul(result, acc)
			if err != nil {
				return nil, err
			}
			result = r
		}
		n >>= 1
		if n > 0 {
			sq, err := rayMul(acc, acc)
			if err != nil {
				return nil, err
			}
			acc = sq
		}
	}

	return result, nil
}

// PrincipalPlusInterest computes principal * (1 + ratePerSecond)^elapsed.
// ratePerSecond is ray-scaled. Zero principal, zero rate, and zero elapsed
// time are identity operations.
func PrincipalPlusInterest(principal, ratePerSecond *big.Int, elapsed int64) (*big.Int, error) {
	if principal.Sign() < 0 || ratePerSecond.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if elapsed < 0 {
		return nil, ErrNegativeInput
	}
	if principal.Sign() == 0 || ratePerSecond.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(principal), nil
	}

	growth, err := rpow(new(big.Int).Add(Ray, ratePerSecond), elapsed)
	if err != nil {
		return nil, err
	}

	return rayMul(principal, growth)
}

// InterestOnly returns the accrued interest component alone.
func InterestOnly(principal, ratePerSecond *big.Int, elapsed int64) (*big.Int, error) {
	total, err := PrincipalPlusInterest(principal, ratePerSecond, elapsed)
	if err != nil {
		return nil, err
	}
	return total.Sub(total, principal), nil
}

// RateForDuration returns the compounded rate (1+r)^t - 1, ray-scaled.
// Used for effective-APY display.
func RateForDuration(ratePerSecond *big.Int, elapsed int64) (*big.Int, error) {
	if ratePerSecond.Sign() < 0 || elapsed < 0 {
		return nil, ErrNegativeInput
	}
	if ratePerSecond.Sign() == 0 || elapsed == 0 {
		return big.NewInt(0), nil
	}
	growth, err := rpow(new(big.Int).Add(Ray, ratePerSecond), elapsed)
	if err != nil {
		return nil, err
	}
	return growth.Sub(growth, Ray), nil
}

// MulDivWad returns a*b/WAD (floor) with overflow detection. Used for
// amount * price valuations.
func MulDivWad(a, b *big.Int) (*big.Int, error) {
	p, err := checkedMul(a, b)
	if err != nil {
		return nil, err
	}
	return p.Quo(p, Wad), nil
}

// Median aggregates submitted prices: the middle value for an odd count, the
// average of the two middle values for an even count. Median (not mean)
// keeps a single outlier submission from skewing the result. The input
// slice is not modified. Returns nil for an empty slice.
func Median(values []*big.Int) *big.Int {
	if len(values) == 0 {
		return nil
	}

	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}

	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}
