package nonce

import (
	"errors"
	"fmt"

	"dealbook/internal/sign"
)

// ErrWrongNonce signals a replay or an out-of-order order submission. The
// caller must resynchronize against Current and resubmit.
var ErrWrongNonce = errors.New("nonce: wrong nonce")

// Registry tracks a strictly sequential counter per account. An order signed
// with nonce k settles only while k is the account's current counter value;
// consuming k advances the counter, invalidating every other order signed at
// k. Cancellation is expressed by consuming the nonce directly.
//
// Not thread-safe — only accessed under the matching engine's call guard.
type Registry struct {
	counters map[sign.Address]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[sign.Address]uint64),
	}
}

// Consume advances account's counter if expected matches it exactly.
// Skipping ahead is as invalid as replaying.
func (r *Registry) Consume(account sign.Address, expected uint64) error {
	current := r.counters[account]
	if expected != current {
		return fmt.Errorf("%w: account=%s expected=%d got=%d",
			ErrWrongNonce, account, current, expected)
	}
	r.counters[account] = current + 1
	return nil
}

// Current returns the next nonce the account must sign with.
func (r *Registry) Current(account sign.Address) uint64 {
	return r.counters[account]
}

// Restore sets an account's counter during recovery.
func (r *Registry) Restore(account sign.Address, value uint64) {
	r.counters[account] = value
}

// Snapshot copies all counters for persistence.
func (r *Registry) Snapshot() map[sign.Address]uint64 {
	out := make(map[sign.Address]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}
