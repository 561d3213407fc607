package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"dealbook/internal/fpmath"
	"dealbook/internal/order"
	"dealbook/internal/sign"
)

var (
	ErrNotOwner         = errors.New("oracle: caller is not the owner")
	ErrNotKeeper        = errors.New("oracle: signer is not a keeper")
	ErrPaused           = errors.New("oracle: paused")
	ErrPriceNotFound    = errors.New("oracle: no price for asset")
	ErrPriceNotUpdated  = errors.New("oracle: price older than heartbeat")
	ErrTooFewSigners    = errors.New("oracle: below minimum signer count")
	ErrDuplicateSigner  = errors.New("oracle: signer attested twice")
	ErrWrongAsset       = errors.New("oracle: attestation for a different asset")
	ErrWrongChain       = errors.New("oracle: attestation for a different chain")
	ErrStaleAttestation = errors.New("oracle: attestation timestamp outside window")
)

// DefaultFreshWindow bounds how far an attestation's timestamp may lag the
// oracle's clock.
const DefaultFreshWindow = 10 * time.Second

// DefaultHeartbeat is how long a stored price stays servable.
const DefaultHeartbeat = time.Hour

// PriceMessage is what a keeper signs: one asset's wad-scaled price, bound
// to a chain and a moment in time.
type PriceMessage struct {
	Asset     sign.Address
	Price     *big.Int // wad
	ChainID   int64
	Timestamp int64 // unix seconds
}

// CanonicalBytes renders the message for hashing: asset(20) price(32)
// chainID(8 LE) timestamp(8 LE).
func (m PriceMessage) CanonicalBytes() ([]byte, error) {
	if m.Price == nil || m.Price.Sign() < 0 {
		return nil, order.ErrValueOutOfRange
	}
	buf := make([]byte, 0, 68)
	buf = append(buf, m.Asset[:]...)
	var word [32]byte
	if m.Price.BitLen() > 256 {
		return nil, order.ErrValueOutOfRange
	}
	m.Price.FillBytes(word[:])
	buf = append(buf, word[:]...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(m.ChainID))
	buf = append(buf, n[:]...)
	binary.LittleEndian.PutUint64(n[:], uint64(m.Timestamp))
	buf = append(buf, n[:]...)
	return buf, nil
}

// Digest is the domain-separated hash a keeper signs.
func (m PriceMessage) Digest(d order.Domain) ([32]byte, error) {
	payload, err := m.CanonicalBytes()
	if err != nil {
		return [32]byte{}, err
	}
	return order.PriceDigest(d, payload), nil
}

// SignedPrice pairs a message with one keeper's compact signature.
type SignedPrice struct {
	Message   PriceMessage
	Signer    sign.Address
	Signature []byte
}

type referenceData struct {
	lastPrice  *big.Int
	lastUpdate int64
	heartbeat  time.Duration
}

// Oracle stores one median price per asset, fed by quorums of keeper
// attestations. Reads fail closed: a paused oracle or a price older than
// its heartbeat serves nothing.
//
// Safe for single-writer use only; the engine serializes access.
type Oracle struct {
	owner      sign.Address
	domain     order.Domain
	verifier   *sign.Verifier
	keepers    map[sign.Address]bool
	minSigners int

	freshWindow      time.Duration
	defaultHeartbeat time.Duration
	refs             map[sign.Address]*referenceData
	paused           bool

	now func() time.Time
}

func New(owner sign.Address, domain order.Domain, verifier *sign.Verifier, minSigners int) *Oracle {
	if minSigners < 1 {
		minSigners = 1
	}
	return &Oracle{
		owner:            owner,
		domain:           domain,
		verifier:         verifier,
		keepers:          make(map[sign.Address]bool),
		minSigners:       minSigners,
		freshWindow:      DefaultFreshWindow,
		defaultHeartbeat: DefaultHeartbeat,
		refs:             make(map[sign.Address]*referenceData),
		now:              time.Now,
	}
}

// SetClock swaps the time source. Tests only.
func (o *Oracle) SetClock(now func() time.Time) { o.now = now }

// UpdatePrice verifies a quorum of attestations for one asset and stores
// their median. The caller must itself be an authorized keeper, and every
// attestation must name the same asset and the oracle's chain, carry a
// fresh timestamp, and be signed by a distinct keeper. One bad attestation
// rejects the whole batch.
func (o *Oracle) UpdatePrice(caller, asset sign.Address, attestations []SignedPrice) (*big.Int, error) {
	if o.paused {
		return nil, ErrPaused
	}
	if !o.keepers[caller] {
		return nil, fmt.Errorf("caller %s: %w", caller, ErrNotKeeper)
	}
	if len(attestations) < o.minSigners {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrTooFewSigners, len(attestations), o.minSigners)
	}

	now := o.now().Unix()
	seen := make(map[sign.Address]bool, len(attestations))
	prices := make([]*big.Int, 0, len(attestations))
	for i, a := range attestations {
		if a.Message.Asset != asset {
			return nil, fmt.Errorf("attestation %d: %w", i, ErrWrongAsset)
		}
		if a.Message.ChainID != o.domain.ChainID {
			return nil, fmt.Errorf("attestation %d: %w", i, ErrWrongChain)
		}
		age := now - a.Message.Timestamp
		if age < 0 || time.Duration(age)*time.Second > o.freshWindow {
			return nil, fmt.Errorf("attestation %d: %w", i, ErrStaleAttestation)
		}
		if !o.keepers[a.Signer] {
			return nil, fmt.Errorf("attestation %d from %s: %w", i, a.Signer, ErrNotKeeper)
		}
		if seen[a.Signer] {
			return nil, fmt.Errorf("attestation %d from %s: %w", i, a.Signer, ErrDuplicateSigner)
		}
		seen[a.Signer] = true

		digest, err := a.Message.Digest(o.domain)
		if err != nil {
			return nil, fmt.Errorf("attestation %d: %w", i, err)
		}
		if err := o.verifier.Verify(digest, a.Signature, a.Signer); err != nil {
			return nil, fmt.Errorf("attestation %d: %w", i, err)
		}
		prices = append(prices, a.Message.Price)
	}

	median := fpmath.Median(prices)
	ref, ok := o.refs[asset]
	if !ok {
		ref = &referenceData{heartbeat: o.defaultHeartbeat}
		o.refs[asset] = ref
	}
	ref.lastPrice = median
	ref.lastUpdate = now
	return new(big.Int).Set(median), nil
}

// PriceOf serves the stored median, failing on pause, absence, or
// staleness past the asset's heartbeat.
func (o *Oracle) PriceOf(asset sign.Address) (*big.Int, error) {
	if o.paused {
		return nil, ErrPaused
	}
	ref, ok := o.refs[asset]
	if !ok || ref.lastPrice == nil {
		return nil, fmt.Errorf("asset %s: %w", asset, ErrPriceNotFound)
	}
	age := o.now().Unix() - ref.lastUpdate
	if time.Duration(age)*time.Second > ref.heartbeat {
		return nil, fmt.Errorf("asset %s: %w", asset, ErrPriceNotUpdated)
	}
	return new(big.Int).Set(ref.lastPrice), nil
}

// Reference is a point-in-time copy of one asset's stored price, for
// snapshots.
type Reference struct {
	Asset      sign.Address
	Price      *big.Int
	LastUpdate int64
	Heartbeat  time.Duration
}

// References copies every stored reference price in stable asset order.
func (o *Oracle) References() []Reference {
	out := make([]Reference, 0, len(o.refs))
	for asset, ref := range o.refs {
		if ref.lastPrice == nil {
			continue
		}
		out = append(out, Reference{
			Asset:      asset,
			Price:      new(big.Int).Set(ref.lastPrice),
			LastUpdate: ref.lastUpdate,
			Heartbeat:  ref.heartbeat,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// RestoreReference reinstates one asset's price during recovery.
func (o *Oracle) RestoreReference(ref Reference) error {
	if ref.Price == nil || ref.Price.Sign() < 0 {
		return fmt.Errorf("asset %s: bad restored price", ref.Asset)
	}
	hb := ref.Heartbeat
	if hb <= 0 {
		hb = o.defaultHeartbeat
	}
	o.refs[ref.Asset] = &referenceData{
		lastPrice:  new(big.Int).Set(ref.Price),
		lastUpdate: ref.LastUpdate,
		heartbeat:  hb,
	}
	return nil
}

// LastUpdate returns when the asset's price was last written.
func (o *Oracle) LastUpdate(asset sign.Address) (int64, error) {
	ref, ok := o.refs[asset]
	if !ok {
		return 0, fmt.Errorf("asset %s: %w", asset, ErrPriceNotFound)
	}
	return ref.lastUpdate, nil
}

// ============================================================
// Administration, owner-gated
// ============================================================

func (o *Oracle) requireOwner(caller sign.Address) error {
	if caller != o.owner {
		return ErrNotOwner
	}
	return nil
}

func (o *Oracle) AddKeeper(caller, keeper sign.Address) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	o.keepers[keeper] = true
	return nil
}

func (o *Oracle) RemoveKeeper(caller, keeper sign.Address) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	delete(o.keepers, keeper)
	return nil
}

// SetHeartbeat adjusts staleness tolerance for one asset, creating its
// record if the asset is new.
func (o *Oracle) SetHeartbeat(caller, asset sign.Address, heartbeat time.Duration) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	ref, ok := o.refs[asset]
	if !ok {
		ref = &referenceData{heartbeat: heartbeat}
		o.refs[asset] = ref
		return nil
	}
	ref.heartbeat = heartbeat
	return nil
}

func (o *Oracle) SetMinSigners(caller sign.Address, n int) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	if n < 1 {
		n = 1
	}
	o.minSigners = n
	return nil
}

func (o *Oracle) Pause(caller sign.Address) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	o.paused = true
	return nil
}

func (o *Oracle) Unpause(caller sign.Address) error {
	if err := o.requireOwner(caller); err != nil {
		return err
	}
	o.paused = false
	return nil
}
