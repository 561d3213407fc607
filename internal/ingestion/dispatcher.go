package ingestion

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/oracle"
	"dealbook/internal/order"
	"dealbook/internal/sign"
)

// Applier is the slice of the engine the dispatcher drives. Each method is
// one command kind; the engine's own guards decide whether the command lands.
type Applier interface {
	TakeBid(cmdID uuid.UUID, caller sign.Address, bid order.BidWithAccount, sig []byte, proposed order.Deal, now time.Time) (uint64, error)
	TakeAsk(cmdID uuid.UUID, caller sign.Address, ask order.AskWithAccount, sig []byte, proposed order.Deal, now time.Time) (uint64, error)
	Execute(cmdID uuid.UUID, bid order.BidWithAccount, bidSig []byte, ask order.AskWithAccount, askSig []byte, proposed order.Deal, now time.Time) (uint64, error)
	Cancel(cmdID uuid.UUID, account sign.Address, nonce uint64, sig []byte, now time.Time) error
	Repay(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, amount *big.Int, now time.Time) (*big.Int, error)
	WithdrawCollateral(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, amount *big.Int, now time.Time) (*big.Int, error)
	Liquidate(cmdID uuid.UUID, caller sign.Address, dealNumber uint64, repayAmount, seizeAmount *big.Int, now time.Time) error
	TransferPosition(cmdID uuid.UUID, caller sign.Address, tokenID uint64, to sign.Address, now time.Time) error
	PostPrice(cmdID uuid.UUID, caller, asset sign.Address, attestations []oracle.SignedPrice, now time.Time) (*big.Int, error)
}

// ApplyCommand routes a typed command to the matching engine operation.
// The command's own timestamp is the engine's clock input, so replaying the
// same command stream reproduces the same state.
func ApplyCommand(eng Applier, cmd Command) error {
	switch c := cmd.(type) {
	case *TakeBidCommand:
		_, err := eng.TakeBid(c.ID(), c.Caller, c.Bid, c.Signature, c.Proposed, c.When())
		return err
	case *TakeAskCommand:
		_, err := eng.TakeAsk(c.ID(), c.Caller, c.Ask, c.Signature, c.Proposed, c.When())
		return err
	case *ExecuteCommand:
		_, err := eng.Execute(c.ID(), c.Bid, c.BidSignature, c.Ask, c.AskSignature, c.Proposed, c.When())
		return err
	case *CancelCommand:
		return eng.Cancel(c.ID(), c.Account, c.Nonce, c.Signature, c.When())
	case *RepayCommand:
		_, err := eng.Repay(c.ID(), c.Caller, c.Deal, c.Amount, c.When())
		return err
	case *WithdrawCollateralCommand:
		_, err := eng.WithdrawCollateral(c.ID(), c.Caller, c.Deal, c.Amount, c.When())
		return err
	case *LiquidateCommand:
		return eng.Liquidate(c.ID(), c.Caller, c.Deal, c.Repay, c.Seize, c.When())
	case *TransferPositionCommand:
		return eng.TransferPosition(c.ID(), c.Caller, c.TokenID, c.To, c.When())
	case *PostPriceCommand:
		_, err := eng.PostPrice(c.ID(), c.Caller, c.Asset, c.Attestations, c.When())
		return err
	default:
		return fmt.Errorf("unhandled command kind: %s", cmd.Kind())
	}
}

// ResolveCommandKind finds the command kind for a NATS subject by matching
// the longest configured prefix. Subjects use ">" wildcards, so matching
// strips the trailing ".>" from each configured subject.
func ResolveCommandKind(subject string, subjects []SubjectConfig) string {
	bestMatch := ""
	bestKind := ""
	for _, cfg := range subjects {
		prefix := cfg.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestKind = cfg.Command
			}
		}
	}
	return bestKind
}
