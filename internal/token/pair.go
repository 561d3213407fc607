package token

import (
	"errors"

	"dealbook/internal/sign"
)

var (
	ErrTokenNotFound  = errors.New("token: pair token not found")
	ErrNotTokenOwner  = errors.New("token: caller does not own pair token")
	ErrNotSellerToken = errors.New("token: token id is not a seller token")
)

// PairTokens issues deal ownership as a pair of non-fungible tokens: the
// buyer (lender) side at id 2N and the seller (borrower) side at id 2N+1,
// where N is the deal number. Either side can be transferred to hand off
// the position; the pair is always burned together when the deal closes.
//
// Not safe for concurrent use.
type PairTokens struct {
	next   uint64 // next deal number
	owners map[uint64]sign.Address
}

func NewPairTokens() *PairTokens {
	return &PairTokens{owners: make(map[uint64]sign.Address)}
}

// DealNumberOf maps a token id to its deal number.
func DealNumberOf(tokenID uint64) uint64 { return tokenID / 2 }

// BuyerTokenID is the lender-side token of a deal.
func BuyerTokenID(dealNumber uint64) uint64 { return dealNumber * 2 }

// SellerTokenID is the borrower-side token of a deal.
func SellerTokenID(dealNumber uint64) uint64 { return dealNumber*2 + 1 }

// IsSellerToken reports whether the id is a borrower-side token.
func IsSellerToken(tokenID uint64) bool { return tokenID%2 == 1 }

// NextDealNumber is the number the next MintPair will assign.
func (p *PairTokens) NextDealNumber() uint64 { return p.next }

// MintPair issues both sides of a new deal and returns its deal number.
func (p *PairTokens) MintPair(buyer, seller sign.Address) (uint64, error) {
	if buyer.IsZero() || seller.IsZero() {
		return 0, ErrZeroAddress
	}
	n := p.next
	p.next++
	p.owners[BuyerTokenID(n)] = buyer
	p.owners[SellerTokenID(n)] = seller
	return n, nil
}

// OwnerOf returns the current holder of a pair token.
func (p *PairTokens) OwnerOf(tokenID uint64) (sign.Address, error) {
	owner, ok := p.owners[tokenID]
	if !ok {
		return sign.Address{}, ErrTokenNotFound
	}
	return owner, nil
}

// Transfer hands one side of a deal to a new holder. Only the current
// owner may transfer.
func (p *PairTokens) Transfer(caller sign.Address, tokenID uint64, to sign.Address) error {
	owner, ok := p.owners[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if owner != caller {
		return ErrNotTokenOwner
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	p.owners[tokenID] = to
	return nil
}

// Restore reinstates both sides of a deal during recovery and advances the
// number counter past it.
func (p *PairTokens) Restore(dealNumber uint64, buyer, seller sign.Address) error {
	if buyer.IsZero() || seller.IsZero() {
		return ErrZeroAddress
	}
	p.owners[BuyerTokenID(dealNumber)] = buyer
	p.owners[SellerTokenID(dealNumber)] = seller
	if dealNumber >= p.next {
		p.next = dealNumber + 1
	}
	return nil
}

// RestoreNext forces the number counter during recovery. Closed deals leave
// no tokens behind, so Restore alone cannot recover the high-water mark.
func (p *PairTokens) RestoreNext(next uint64) {
	if next > p.next {
		p.next = next
	}
}

// BurnPair retires both sides of a deal. A deal with one live side is
// unrepresentable; the burn removes both or fails before touching either.
func (p *PairTokens) BurnPair(dealNumber uint64) error {
	bt, st := BuyerTokenID(dealNumber), SellerTokenID(dealNumber)
	if _, ok := p.owners[bt]; !ok {
		return ErrTokenNotFound
	}
	if _, ok := p.owners[st]; !ok {
		return ErrTokenNotFound
	}
	delete(p.owners, bt)
	delete(p.owners, st)
	return nil
}
