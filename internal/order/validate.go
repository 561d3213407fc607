package order

import "errors"

// Validation errors name the direction of the violated bound from the
// order author's point of view.
var (
	ErrCollateralTokenMismatch = errors.New("order: deal collateral token differs from order")
	ErrBorrowTokenMismatch     = errors.New("order: deal borrow token differs from order")
	ErrHookMismatch            = errors.New("order: deal hook differs from order")
	ErrCollateralBelowMinimum  = errors.New("order: deal collateral below bid minimum")
	ErrCollateralAboveMaximum  = errors.New("order: deal collateral above ask maximum")
	ErrBorrowAboveMaximum      = errors.New("order: deal borrow above bid maximum")
	ErrBorrowBelowMinimum      = errors.New("order: deal borrow below ask minimum")
	ErrRateBelowBid            = errors.New("order: deal rate below bid floor")
	ErrRateAboveAsk            = errors.New("order: deal rate above ask ceiling")
)

// ValidateAgainstBid accepts a deal only if it is at least as favorable to
// the bidder as the bid's stated bounds: collateral no lower, borrow no
// higher, rate no lower.
func ValidateAgainstBid(d Deal, b Bid) error {
	if d.CollateralToken != b.CollateralToken {
		return ErrCollateralTokenMismatch
	}
	if d.BorrowToken != b.BorrowToken {
		return ErrBorrowTokenMismatch
	}
	if d.Hook != b.Hook {
		return ErrHookMismatch
	}
	if d.CollateralAmount.Cmp(b.MinCollateralAmount) < 0 {
		return ErrCollateralBelowMinimum
	}
	if d.BorrowAmount.Cmp(b.MaxBorrowAmount) > 0 {
		return ErrBorrowAboveMaximum
	}
	if d.InterestRate.Cmp(b.InterestRateBid) < 0 {
		return ErrRateBelowBid
	}
	return nil
}

// ValidateAgainstAsk accepts a deal only if it is at least as favorable to
// the asker as the ask's bounds: collateral no higher, borrow no lower,
// rate no higher.
func ValidateAgainstAsk(d Deal, a Ask) error {
	if d.CollateralToken != a.CollateralToken {
		return ErrCollateralTokenMismatch
	}
	if d.BorrowToken != a.BorrowToken {
		return ErrBorrowTokenMismatch
	}
	if d.Hook != a.Hook {
		return ErrHookMismatch
	}
	if d.CollateralAmount.Cmp(a.MaxCollateralAmount) > 0 {
		return ErrCollateralAboveMaximum
	}
	if d.BorrowAmount.Cmp(a.MinBorrowAmount) < 0 {
		return ErrBorrowBelowMinimum
	}
	if d.InterestRate.Cmp(a.InterestRateAsk) > 0 {
		return ErrRateAboveAsk
	}
	return nil
}
