package order

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"

	"dealbook/internal/sign"
)

// Canonical binary layout. Field order is fixed, amounts are 32-byte
// big-endian unsigned words, addresses are raw 20 bytes, deadlines are
// little-endian int64. Two independently produced encodings of the same
// order are byte-identical, so content hashes are stable.

const (
	wordSize = 32

	// address(20) + word(32) + address(20) + word(32) + word(32) + address(20) + int64(8)
	encodedOrderSize = 164
)

// Type tags keep the four signed payload kinds in disjoint hash domains.
const (
	tagBid    byte = 0x01
	tagAsk    byte = 0x02
	tagCancel byte = 0x03
	tagPrice  byte = 0x04
)

var (
	ErrValueOutOfRange = errors.New("order: value outside unsigned 256-bit range")
	ErrBadEncoding     = errors.New("order: malformed encoding")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func appendWord(buf []byte, v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, ErrValueOutOfRange
	}
	var word [wordSize]byte
	v.FillBytes(word[:])
	return append(buf, word[:]...), nil
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// EncodeBid renders a bid into its canonical 164-byte form.
func EncodeBid(b Bid) ([]byte, error) {
	buf := make([]byte, 0, encodedOrderSize)
	buf = append(buf, b.CollateralToken[:]...)
	buf, err := appendWord(buf, b.MinCollateralAmount)
	if err != nil {
		return nil, err
	}
	buf = append(buf, b.BorrowToken[:]...)
	if buf, err = appendWord(buf, b.MaxBorrowAmount); err != nil {
		return nil, err
	}
	if buf, err = appendWord(buf, b.InterestRateBid); err != nil {
		return nil, err
	}
	buf = append(buf, b.Hook[:]...)
	buf = appendInt64(buf, b.Deadline)
	return buf, nil
}

// EncodeAsk renders an ask. The layout mirrors EncodeBid with the ask's
// bound directions in the same slots.
func EncodeAsk(a Ask) ([]byte, error) {
	buf := make([]byte, 0, encodedOrderSize)
	buf = append(buf, a.CollateralToken[:]...)
	buf, err := appendWord(buf, a.MaxCollateralAmount)
	if err != nil {
		return nil, err
	}
	buf = append(buf, a.BorrowToken[:]...)
	if buf, err = appendWord(buf, a.MinBorrowAmount); err != nil {
		return nil, err
	}
	if buf, err = appendWord(buf, a.InterestRateAsk); err != nil {
		return nil, err
	}
	buf = append(buf, a.Hook[:]...)
	buf = appendInt64(buf, a.Deadline)
	return buf, nil
}

func decodeFields(data []byte) (tok1 sign.Address, amt1 *big.Int, tok2 sign.Address, amt2, rate *big.Int, hook sign.Address, deadline int64, err error) {
	if len(data) != encodedOrderSize {
		err = ErrBadEncoding
		return
	}
	off := 0
	copy(tok1[:], data[off:off+20])
	off += 20
	amt1 = new(big.Int).SetBytes(data[off : off+wordSize])
	off += wordSize
	copy(tok2[:], data[off:off+20])
	off += 20
	amt2 = new(big.Int).SetBytes(data[off : off+wordSize])
	off += wordSize
	rate = new(big.Int).SetBytes(data[off : off+wordSize])
	off += wordSize
	copy(hook[:], data[off:off+20])
	off += 20
	deadline = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	return
}

// DecodeBid inverts EncodeBid. Length is strict.
func DecodeBid(data []byte) (Bid, error) {
	tok1, amt1, tok2, amt2, rate, hook, deadline, err := decodeFields(data)
	if err != nil {
		return Bid{}, err
	}
	return Bid{
		CollateralToken:     tok1,
		MinCollateralAmount: amt1,
		BorrowToken:         tok2,
		MaxBorrowAmount:     amt2,
		InterestRateBid:     rate,
		Hook:                hook,
		Deadline:            deadline,
	}, nil
}

// DecodeAsk inverts EncodeAsk.
func DecodeAsk(data []byte) (Ask, error) {
	tok1, amt1, tok2, amt2, rate, hook, deadline, err := decodeFields(data)
	if err != nil {
		return Ask{}, err
	}
	return Ask{
		CollateralToken:     tok1,
		MaxCollateralAmount: amt1,
		BorrowToken:         tok2,
		MinBorrowAmount:     amt2,
		InterestRateAsk:     rate,
		Hook:                hook,
		Deadline:            deadline,
	}, nil
}

// ContentHashBid identifies a bid independently of signer and nonce. Cancel
// records key off this hash.
func ContentHashBid(b Bid) ([32]byte, error) {
	enc, err := EncodeBid(b)
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte{tagBid})
	h.Write(enc)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ContentHashAsk identifies an ask independently of signer and nonce.
func ContentHashAsk(a Ask) ([32]byte, error) {
	enc, err := EncodeAsk(a)
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte{tagAsk})
	h.Write(enc)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Domain scopes signatures to one deployment. Signatures produced for one
// domain never verify under another, so replaying an order across chains or
// engine instances fails at the digest.
type Domain struct {
	Name    string
	Version string
	ChainID int64
	Engine  sign.Address
}

// Separator hashes the domain with length-prefixed strings so no two
// distinct domains collide on concatenation.
func (d Domain) Separator() [32]byte {
	h := sha256.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(d.Name)))
	h.Write(n[:])
	h.Write([]byte(d.Name))
	binary.LittleEndian.PutUint64(n[:], uint64(len(d.Version)))
	h.Write(n[:])
	h.Write([]byte(d.Version))
	binary.LittleEndian.PutUint64(n[:], uint64(d.ChainID))
	h.Write(n[:])
	h.Write(d.Engine[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func signingHash(sep [32]byte, structHash [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x19, 0x01})
	h.Write(sep[:])
	h.Write(structHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func structHash(tag byte, content [32]byte, account sign.Address, nonce uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte{tag})
	h.Write(content[:])
	h.Write(account[:])
	h.Write(appendUint64(nil, nonce))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SigningHashBid is the digest a bidder signs: domain-separated over the
// bid content, the bidder account, and the nonce.
func SigningHashBid(d Domain, b BidWithAccount) ([32]byte, error) {
	content, err := ContentHashBid(b.Bid)
	if err != nil {
		return [32]byte{}, err
	}
	return signingHash(d.Separator(), structHash(tagBid, content, b.Account, b.Nonce)), nil
}

// SigningHashAsk is the digest an asker signs.
func SigningHashAsk(d Domain, a AskWithAccount) ([32]byte, error) {
	content, err := ContentHashAsk(a.Ask)
	if err != nil {
		return [32]byte{}, err
	}
	return signingHash(d.Separator(), structHash(tagAsk, content, a.Account, a.Nonce)), nil
}

// CancelDigest is the digest signed to burn a nonce without filling an
// order.
func CancelDigest(d Domain, account sign.Address, nonce uint64) [32]byte {
	return signingHash(d.Separator(), structHash(tagCancel, [32]byte{}, account, nonce))
}

// PriceDigest is the digest a keeper signs over a canonical price payload.
// The payload bytes are produced by the oracle package; the tag keeps price
// attestations out of the order hash domains.
func PriceDigest(d Domain, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{tagPrice})
	h.Write(payload)
	var content [32]byte
	copy(content[:], h.Sum(nil))
	return signingHash(d.Separator(), content)
}

// CreateDealFromBid builds the deal a taker accepts when filling a bid at
// its worst-for-taker terms: minimum collateral, maximum borrow, the bid's
// rate floor.
func CreateDealFromBid(b Bid) Deal {
	return Deal{
		CollateralToken:  b.CollateralToken,
		BorrowToken:      b.BorrowToken,
		CollateralAmount: new(big.Int).Set(b.MinCollateralAmount),
		BorrowAmount:     new(big.Int).Set(b.MaxBorrowAmount),
		InterestRate:     new(big.Int).Set(b.InterestRateBid),
		Hook:             b.Hook,
	}
}

// CreateDealFromAsk builds the deal a taker accepts when filling an ask:
// maximum collateral, minimum borrow, the ask's rate ceiling.
func CreateDealFromAsk(a Ask) Deal {
	return Deal{
		CollateralToken:  a.CollateralToken,
		BorrowToken:      a.BorrowToken,
		CollateralAmount: new(big.Int).Set(a.MaxCollateralAmount),
		BorrowAmount:     new(big.Int).Set(a.MinBorrowAmount),
		InterestRate:     new(big.Int).Set(a.InterestRateAsk),
		Hook:             a.Hook,
	}
}
