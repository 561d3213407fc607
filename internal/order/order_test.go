package order

import (
	"errors"
	"math/big"
	"testing"

	"dealbook/internal/sign"
)

func addr(b byte) sign.Address {
	var a sign.Address
	a[19] = b
	return a
}

func testBid() Bid {
	return Bid{
		CollateralToken:     addr(0x01),
		MinCollateralAmount: big.NewInt(1_000),
		BorrowToken:         addr(0x02),
		MaxBorrowAmount:     big.NewInt(500),
		InterestRateBid:     big.NewInt(3_170_979_198),
		Hook:                addr(0x03),
		Deadline:            1_900_000_000,
	}
}

func testAsk() Ask {
	return Ask{
		CollateralToken:     addr(0x01),
		MaxCollateralAmount: big.NewInt(1_000),
		BorrowToken:         addr(0x02),
		MinBorrowAmount:     big.NewInt(500),
		InterestRateAsk:     big.NewInt(3_170_979_198),
		Hook:                addr(0x03),
		Deadline:            1_900_000_000,
	}
}

// ============================================================
// Codec
// ============================================================

func TestEncodeBidRoundTrip(t *testing.T) {
	b := testBid()
	enc, err := EncodeBid(b)
	if err != nil {
		t.Fatalf("EncodeBid: %v", err)
	}
	if len(enc) != encodedOrderSize {
		t.Fatalf("encoded length = %d, want %d", len(enc), encodedOrderSize)
	}

	got, err := DecodeBid(enc)
	if err != nil {
		t.Fatalf("DecodeBid: %v", err)
	}
	if got.CollateralToken != b.CollateralToken || got.BorrowToken != b.BorrowToken || got.Hook != b.Hook {
		t.Errorf("addresses did not round trip: got %+v", got)
	}
	if got.MinCollateralAmount.Cmp(b.MinCollateralAmount) != 0 ||
		got.MaxBorrowAmount.Cmp(b.MaxBorrowAmount) != 0 ||
		got.InterestRateBid.Cmp(b.InterestRateBid) != 0 {
		t.Errorf("amounts did not round trip: got %+v", got)
	}
	if got.Deadline != b.Deadline {
		t.Errorf("deadline = %d, want %d", got.Deadline, b.Deadline)
	}
}

func TestEncodeAskRoundTrip(t *testing.T) {
	a := testAsk()
	enc, err := EncodeAsk(a)
	if err != nil {
		t.Fatalf("EncodeAsk: %v", err)
	}
	got, err := DecodeAsk(enc)
	if err != nil {
		t.Fatalf("DecodeAsk: %v", err)
	}
	if got.MaxCollateralAmount.Cmp(a.MaxCollateralAmount) != 0 ||
		got.MinBorrowAmount.Cmp(a.MinBorrowAmount) != 0 {
		t.Errorf("amounts did not round trip: got %+v", got)
	}
}

func TestEncodeRejectsNegativeAmount(t *testing.T) {
	b := testBid()
	b.MaxBorrowAmount = big.NewInt(-1)
	if _, err := EncodeBid(b); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("err = %v, want ErrValueOutOfRange", err)
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := DecodeBid(make([]byte, encodedOrderSize-1)); !errors.Is(err, ErrBadEncoding) {
		t.Errorf("short input: err = %v, want ErrBadEncoding", err)
	}
	if _, err := DecodeAsk(make([]byte, encodedOrderSize+1)); !errors.Is(err, ErrBadEncoding) {
		t.Errorf("long input: err = %v, want ErrBadEncoding", err)
	}
}

func TestContentHashIsStable(t *testing.T) {
	h1, err := ContentHashBid(testBid())
	if err != nil {
		t.Fatalf("ContentHashBid: %v", err)
	}
	h2, _ := ContentHashBid(testBid())
	if h1 != h2 {
		t.Error("identical bids hashed differently")
	}

	changed := testBid()
	changed.MaxBorrowAmount = big.NewInt(501)
	h3, _ := ContentHashBid(changed)
	if h1 == h3 {
		t.Error("distinct bids share a content hash")
	}
}

func TestBidAndAskHashDomainsDisjoint(t *testing.T) {
	// The same field bytes under the two tags must never collide.
	bh, _ := ContentHashBid(testBid())
	ah, _ := ContentHashAsk(testAsk())
	if bh == ah {
		t.Error("bid and ask content hashes collide")
	}
}

// ============================================================
// Signing hashes
// ============================================================

func testDomain() Domain {
	return Domain{Name: "dealbook", Version: "1", ChainID: 31337, Engine: addr(0xEE)}
}

func TestSigningHashCoversNonce(t *testing.T) {
	d := testDomain()
	b := BidWithAccount{Bid: testBid(), Account: addr(0x0A), Nonce: 0}
	h0, err := SigningHashBid(d, b)
	if err != nil {
		t.Fatalf("SigningHashBid: %v", err)
	}
	b.Nonce = 1
	h1, _ := SigningHashBid(d, b)
	if h0 == h1 {
		t.Error("nonce change did not change the signing hash")
	}
}

func TestSigningHashCoversAccount(t *testing.T) {
	d := testDomain()
	b := BidWithAccount{Bid: testBid(), Account: addr(0x0A), Nonce: 7}
	h0, _ := SigningHashBid(d, b)
	b.Account = addr(0x0B)
	h1, _ := SigningHashBid(d, b)
	if h0 == h1 {
		t.Error("account change did not change the signing hash")
	}
}

func TestSigningHashDomainSeparation(t *testing.T) {
	b := BidWithAccount{Bid: testBid(), Account: addr(0x0A), Nonce: 7}

	d1 := testDomain()
	d2 := testDomain()
	d2.ChainID = 1
	h1, _ := SigningHashBid(d1, b)
	h2, _ := SigningHashBid(d2, b)
	if h1 == h2 {
		t.Error("different chain IDs produced the same signing hash")
	}

	d3 := testDomain()
	d3.Engine = addr(0xFF)
	h3, _ := SigningHashBid(d1, b)
	h4, _ := SigningHashBid(d3, b)
	if h3 == h4 {
		t.Error("different engine addresses produced the same signing hash")
	}
}

func TestCancelDigestDistinctPerNonce(t *testing.T) {
	d := testDomain()
	c0 := CancelDigest(d, addr(0x0A), 0)
	c1 := CancelDigest(d, addr(0x0A), 1)
	if c0 == c1 {
		t.Error("cancel digests for different nonces collide")
	}
	other := CancelDigest(d, addr(0x0B), 0)
	if c0 == other {
		t.Error("cancel digests for different accounts collide")
	}
}

// ============================================================
// Deal construction
// ============================================================

func TestCreateDealFromBid(t *testing.T) {
	b := testBid()
	d := CreateDealFromBid(b)
	if d.CollateralAmount.Cmp(b.MinCollateralAmount) != 0 {
		t.Errorf("collateral = %v, want bid minimum %v", d.CollateralAmount, b.MinCollateralAmount)
	}
	if d.BorrowAmount.Cmp(b.MaxBorrowAmount) != 0 {
		t.Errorf("borrow = %v, want bid maximum %v", d.BorrowAmount, b.MaxBorrowAmount)
	}
	if d.InterestRate.Cmp(b.InterestRateBid) != 0 {
		t.Errorf("rate = %v, want bid rate %v", d.InterestRate, b.InterestRateBid)
	}
	if err := ValidateAgainstBid(d, b); err != nil {
		t.Errorf("deal from bid failed its own bid validation: %v", err)
	}

	// The constructed deal must not alias the bid's amounts.
	d.BorrowAmount.Add(d.BorrowAmount, big.NewInt(1))
	if b.MaxBorrowAmount.Cmp(big.NewInt(500)) != 0 {
		t.Error("mutating the deal mutated the bid")
	}
}

func TestCreateDealFromAsk(t *testing.T) {
	a := testAsk()
	d := CreateDealFromAsk(a)
	if d.CollateralAmount.Cmp(a.MaxCollateralAmount) != 0 {
		t.Errorf("collateral = %v, want ask maximum %v", d.CollateralAmount, a.MaxCollateralAmount)
	}
	if d.BorrowAmount.Cmp(a.MinBorrowAmount) != 0 {
		t.Errorf("borrow = %v, want ask minimum %v", d.BorrowAmount, a.MinBorrowAmount)
	}
	if err := ValidateAgainstAsk(d, a); err != nil {
		t.Errorf("deal from ask failed its own ask validation: %v", err)
	}
}

// ============================================================
// Validation
// ============================================================

func TestValidateAgainstBid(t *testing.T) {
	b := testBid()
	base := CreateDealFromBid(b)

	tests := []struct {
		name    string
		mutate  func(*Deal)
		wantErr error
	}{
		{"exact bounds pass", func(d *Deal) {}, nil},
		{"more collateral passes", func(d *Deal) { d.CollateralAmount = big.NewInt(2_000) }, nil},
		{"less borrow passes", func(d *Deal) { d.BorrowAmount = big.NewInt(100) }, nil},
		{"higher rate passes", func(d *Deal) { d.InterestRate = big.NewInt(4_000_000_000) }, nil},
		{"collateral below minimum", func(d *Deal) { d.CollateralAmount = big.NewInt(999) }, ErrCollateralBelowMinimum},
		{"borrow above maximum", func(d *Deal) { d.BorrowAmount = big.NewInt(501) }, ErrBorrowAboveMaximum},
		{"rate below floor", func(d *Deal) { d.InterestRate = big.NewInt(3_170_979_197) }, ErrRateBelowBid},
		{"collateral token mismatch", func(d *Deal) { d.CollateralToken = addr(0x09) }, ErrCollateralTokenMismatch},
		{"borrow token mismatch", func(d *Deal) { d.BorrowToken = addr(0x09) }, ErrBorrowTokenMismatch},
		{"hook mismatch", func(d *Deal) { d.Hook = addr(0x09) }, ErrHookMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base.Clone()
			tt.mutate(&d)
			err := ValidateAgainstBid(d, b)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAgainstAsk(t *testing.T) {
	a := testAsk()
	base := CreateDealFromAsk(a)

	tests := []struct {
		name    string
		mutate  func(*Deal)
		wantErr error
	}{
		{"exact bounds pass", func(d *Deal) {}, nil},
		{"less collateral passes", func(d *Deal) { d.CollateralAmount = big.NewInt(100) }, nil},
		{"more borrow passes", func(d *Deal) { d.BorrowAmount = big.NewInt(1_000) }, nil},
		{"lower rate passes", func(d *Deal) { d.InterestRate = big.NewInt(1) }, nil},
		{"collateral above maximum", func(d *Deal) { d.CollateralAmount = big.NewInt(1_001) }, ErrCollateralAboveMaximum},
		{"borrow below minimum", func(d *Deal) { d.BorrowAmount = big.NewInt(499) }, ErrBorrowBelowMinimum},
		{"rate above ceiling", func(d *Deal) { d.InterestRate = big.NewInt(3_170_979_199) }, ErrRateAboveAsk},
		{"hook mismatch", func(d *Deal) { d.Hook = addr(0x09) }, ErrHookMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base.Clone()
			tt.mutate(&d)
			err := ValidateAgainstAsk(d, a)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
