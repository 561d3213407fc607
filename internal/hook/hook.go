package hook

import (
	"errors"

	"dealbook/internal/order"
	"dealbook/internal/sign"
)

var (
	ErrHookNotFound      = errors.New("hook: not registered")
	ErrHookAlreadyExists = errors.New("hook: address already registered")
	ErrNotOwner          = errors.New("hook: caller is not the registry owner")
)

// DealHook is consulted at every deal lifecycle transition. Each callback
// receives the state the deal will have if the operation commits; an error
// from the hook vetoes the whole operation before anything is written.
type DealHook interface {
	OnDealCreated(dealNumber uint64, d order.Deal) error
	OnDealCollateralWithdrawn(dealNumber uint64, d order.Deal) error
	OnDealRepaid(dealNumber uint64, d order.Deal) error
	// OnDealLiquidated sees the deal before and after the proposed
	// liquidation and must reject seizures that don't improve the
	// position or that overpay the liquidator.
	OnDealLiquidated(dealNumber uint64, before, after order.Deal) error
}

// Registry maps hook addresses to implementations. Orders commit to a hook
// address; the engine resolves it here at execution time, so an order
// naming an unregistered hook cannot be filled.
type Registry struct {
	owner sign.Address
	hooks map[sign.Address]DealHook
}

func NewRegistry(owner sign.Address) *Registry {
	return &Registry{owner: owner, hooks: make(map[sign.Address]DealHook)}
}

// Register binds an address to a hook. Owner only; re-binding an address
// fails so a live order's hook can never be swapped underneath it.
func (r *Registry) Register(caller, addr sign.Address, h DealHook) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	if addr.IsZero() || h == nil {
		return ErrHookNotFound
	}
	if _, exists := r.hooks[addr]; exists {
		return ErrHookAlreadyExists
	}
	r.hooks[addr] = h
	return nil
}

// Lookup resolves a hook address. The zero address means "no hook" and is
// the caller's branch to take before calling here.
func (r *Registry) Lookup(addr sign.Address) (DealHook, error) {
	h, ok := r.hooks[addr]
	if !ok {
		return nil, ErrHookNotFound
	}
	return h, nil
}

// AssertRegistered fails when a non-zero hook address has no binding.
func (r *Registry) AssertRegistered(addr sign.Address) error {
	if addr.IsZero() {
		return nil
	}
	_, err := r.Lookup(addr)
	return err
}
