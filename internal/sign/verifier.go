package sign

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// SignatureSize is the length of a compact recoverable signature:
// 1 header byte plus 32-byte R and 32-byte S.
const SignatureSize = 65

// ValidSignatureMarker is the value a programmable account must return from
// IsValidSignature for the signature to be accepted.
const ValidSignatureMarker uint32 = 0x1626ba7e

var (
	ErrInvalidSignature = errors.New("sign: invalid signature")
)

// SmartAccount is a programmable account that validates signatures itself
// instead of exposing a recoverable key. Implementations return
// ValidSignatureMarker for signatures they accept.
type SmartAccount interface {
	IsValidSignature(digest [32]byte, signature []byte) (uint32, error)
}

// PrivateKey wraps a secp256k1 key for signing protocol digests.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte representation.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	k, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return &PrivateKey{key: k}
}

// Sign produces a 65-byte compact recoverable signature over digest.
func (p *PrivateKey) Sign(digest [32]byte) ([]byte, error) {
	sig, err := btcec.SignCompact(btcec.S256(), p.key, digest[:], true)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Address returns the account address controlled by this key.
func (p *PrivateKey) Address() Address {
	return AddressFromPubKey(p.key.PubKey())
}

// Verifier validates account signatures. Key-controlled accounts are
// verified by public-key recovery; registered programmable accounts are
// asked to validate the signature themselves.
type Verifier struct {
	accounts map[Address]SmartAccount
}

func NewVerifier() *Verifier {
	return &Verifier{
		accounts: make(map[Address]SmartAccount),
	}
}

// RegisterAccount attaches a programmable validator to an address. Further
// signatures claiming that address are delegated to it.
func (v *Verifier) RegisterAccount(addr Address, account SmartAccount) error {
	if account == nil {
		return fmt.Errorf("sign: nil smart account for %s", addr)
	}
	if _, exists := v.accounts[addr]; exists {
		return fmt.Errorf("sign: account %s already registered", addr)
	}
	v.accounts[addr] = account
	return nil
}

// Verify checks that signature over digest was produced by expectedSigner.
// Pure: no state is mutated.
func (v *Verifier) Verify(digest [32]byte, signature []byte, expectedSigner Address) error {
	if account, ok := v.accounts[expectedSigner]; ok {
		marker, err := account.IsValidSignature(digest, signature)
		if err != nil || marker != ValidSignatureMarker {
			return ErrInvalidSignature
		}
		return nil
	}

	if len(signature) != SignatureSize {
		return ErrInvalidSignature
	}

	pub, _, err := btcec.RecoverCompact(btcec.S256(), signature, digest[:])
	if err != nil {
		return ErrInvalidSignature
	}
	if AddressFromPubKey(pub) != expectedSigner {
		return ErrInvalidSignature
	}
	return nil
}
