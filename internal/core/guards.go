package core

import (
	"errors"
	"math/big"
)

var (
	ErrDuplicateCommand   = errors.New("core: command already applied")
	ErrOrderExpired       = errors.New("core: order past its deadline")
	ErrTooBigInterestRate = errors.New("core: interest rate above engine ceiling")
	ErrNotSeller          = errors.New("core: caller does not hold the seller token")
	ErrNothingToDo        = errors.New("core: zero amount")
)

// DefaultMaxRatePerSecond caps orders at roughly 1000% APR. Anything above
// is assumed to be a fat-fingered or hostile order.
var DefaultMaxRatePerSecond, _ = new(big.Int).SetString("317097919837645865000", 10)

// callToken witnesses that the engine mutex is held. Every internal step
// takes one, so a step can never run outside a guarded entry point and an
// entry point can never re-enter itself through a hook.
type callToken struct{ _ byte }

// checkDeadline rejects orders whose deadline has passed. A deadline equal
// to now is still live.
func checkDeadline(deadline, now int64) error {
	if now > deadline {
		return ErrOrderExpired
	}
	return nil
}

// checkRateBound rejects rates above the engine ceiling.
func checkRateBound(rate, ceiling *big.Int) error {
	if rate.Cmp(ceiling) > 0 {
		return ErrTooBigInterestRate
	}
	return nil
}
