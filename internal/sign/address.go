package sign

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec"
)

// AddressSize is the size of an account address in bytes.
const AddressSize = 20

// Address identifies an account, token, or policy module. It is the
// truncated SHA-256 of a compressed secp256k1 public key for key-controlled
// accounts; programmable accounts and token identities use the same shape.
type Address [AddressSize]byte

// ZeroAddress is the empty address.
var ZeroAddress Address

// AddressFromPubKey derives an address from a public key.
func AddressFromPubKey(pub *btcec.PublicKey) Address {
	h := sha256.Sum256(pub.SerializeCompressed())
	var a Address
	copy(a[:], h[:AddressSize])
	return a
}

// ParseAddress decodes a hex address, with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != AddressSize {
		return Address{}, fmt.Errorf("parse address: want %d bytes, got %d", AddressSize, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler for JSON map keys and fields.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
