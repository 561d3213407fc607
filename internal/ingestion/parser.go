package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/oracle"
	"dealbook/internal/order"
	"dealbook/internal/sign"
)

// Command is a typed, validated instruction for the engine. The Kind string
// matches the SubjectConfig.Command it arrived under.
type Command interface {
	Kind() string
	ID() uuid.UUID
	When() time.Time
}

type commandBase struct {
	CommandID uuid.UUID
	Timestamp time.Time
}

func (c commandBase) ID() uuid.UUID   { return c.CommandID }
func (c commandBase) When() time.Time { return c.Timestamp }

type TakeBidCommand struct {
	commandBase
	Caller    sign.Address
	Bid       order.BidWithAccount
	Signature []byte
	Proposed  order.Deal
}

func (TakeBidCommand) Kind() string { return "TakeBid" }

type TakeAskCommand struct {
	commandBase
	Caller    sign.Address
	Ask       order.AskWithAccount
	Signature []byte
	Proposed  order.Deal
}

func (TakeAskCommand) Kind() string { return "TakeAsk" }

type ExecuteCommand struct {
	commandBase
	Bid          order.BidWithAccount
	BidSignature []byte
	Ask          order.AskWithAccount
	AskSignature []byte
	Proposed     order.Deal
}

func (ExecuteCommand) Kind() string { return "Execute" }

type CancelCommand struct {
	commandBase
	Account   sign.Address
	Nonce     uint64
	Signature []byte
}

func (CancelCommand) Kind() string { return "Cancel" }

type RepayCommand struct {
	commandBase
	Caller sign.Address
	Deal   uint64
	Amount *big.Int
}

func (RepayCommand) Kind() string { return "Repay" }

type WithdrawCollateralCommand struct {
	commandBase
	Caller sign.Address
	Deal   uint64
	Amount *big.Int
}

func (WithdrawCollateralCommand) Kind() string { return "WithdrawCollateral" }

type LiquidateCommand struct {
	commandBase
	Caller sign.Address
	Deal   uint64
	Repay  *big.Int
	Seize  *big.Int
}

func (LiquidateCommand) Kind() string { return "Liquidate" }

type TransferPositionCommand struct {
	commandBase
	Caller  sign.Address
	TokenID uint64
	To      sign.Address
}

func (TransferPositionCommand) Kind() string { return "TransferPosition" }

type PostPriceCommand struct {
	commandBase
	Caller       sign.Address
	Asset        sign.Address
	Attestations []oracle.SignedPrice
}

func (PostPriceCommand) Kind() string { return "PostPrice" }

// ParseRawCommand converts a RawCommand (JSON bytes + command kind) into a
// typed Command. The shell validates and parses here so the engine only ever
// sees well-formed values.
func ParseRawCommand(raw RawCommand, kind string) (Command, error) {
	switch kind {
	case "TakeBid":
		return parseTakeBid(raw.Data)
	case "TakeAsk":
		return parseTakeAsk(raw.Data)
	case "Execute":
		return parseExecute(raw.Data)
	case "Cancel":
		return parseCancel(raw.Data)
	case "Repay":
		return parseRepay(raw.Data)
	case "WithdrawCollateral":
		return parseWithdrawCollateral(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "TransferPosition":
		return parseTransferPosition(raw.Data)
	case "PostPrice":
		return parsePostPrice(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", kind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Token amounts and
// rates travel as decimal strings so producers never lose precision to
// floating point.

type bidJSON struct {
	CollateralToken     sign.Address `json:"collateral_token"`
	MinCollateralAmount string       `json:"min_collateral_amount"`
	BorrowToken         sign.Address `json:"borrow_token"`
	MaxBorrowAmount     string       `json:"max_borrow_amount"`
	InterestRate        string       `json:"interest_rate"`
	Hook                sign.Address `json:"hook"`
	Deadline            int64        `json:"deadline"`
	Account             sign.Address `json:"account"`
	Nonce               uint64       `json:"nonce"`
}

type askJSON struct {
	CollateralToken     sign.Address `json:"collateral_token"`
	MaxCollateralAmount string       `json:"max_collateral_amount"`
	BorrowToken         sign.Address `json:"borrow_token"`
	MinBorrowAmount     string       `json:"min_borrow_amount"`
	InterestRate        string       `json:"interest_rate"`
	Hook                sign.Address `json:"hook"`
	Deadline            int64        `json:"deadline"`
	Account             sign.Address `json:"account"`
	Nonce               uint64       `json:"nonce"`
}

type dealJSON struct {
	CollateralToken  sign.Address `json:"collateral_token"`
	BorrowToken      sign.Address `json:"borrow_token"`
	CollateralAmount string       `json:"collateral_amount"`
	BorrowAmount     string       `json:"borrow_amount"`
	InterestRate     string       `json:"interest_rate"`
	Hook             sign.Address `json:"hook"`
}

type takeBidJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	Bid         bidJSON      `json:"bid"`
	Signature   []byte       `json:"signature"`
	Deal        dealJSON     `json:"deal"`
	TimestampUs int64        `json:"timestamp_us"`
}

type takeAskJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	Ask         askJSON      `json:"ask"`
	Signature   []byte       `json:"signature"`
	Deal        dealJSON     `json:"deal"`
	TimestampUs int64        `json:"timestamp_us"`
}

type executeJSON struct {
	CommandID    string   `json:"command_id"`
	Bid          bidJSON  `json:"bid"`
	BidSignature []byte   `json:"bid_signature"`
	Ask          askJSON  `json:"ask"`
	AskSignature []byte   `json:"ask_signature"`
	Deal         dealJSON `json:"deal"`
	TimestampUs  int64    `json:"timestamp_us"`
}

type cancelJSON struct {
	CommandID   string       `json:"command_id"`
	Account     sign.Address `json:"account"`
	Nonce       uint64       `json:"nonce"`
	Signature   []byte       `json:"signature"`
	TimestampUs int64        `json:"timestamp_us"`
}

type repayJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	Deal        uint64       `json:"deal"`
	Amount      string       `json:"amount"`
	TimestampUs int64        `json:"timestamp_us"`
}

type withdrawJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	Deal        uint64       `json:"deal"`
	Amount      string       `json:"amount"`
	TimestampUs int64        `json:"timestamp_us"`
}

type liquidateJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	Deal        uint64       `json:"deal"`
	RepayAmount string       `json:"repay_amount"`
	SeizeAmount string       `json:"seize_amount"`
	TimestampUs int64        `json:"timestamp_us"`
}

type transferPositionJSON struct {
	CommandID   string       `json:"command_id"`
	Caller      sign.Address `json:"caller"`
	TokenID     uint64       `json:"token_id"`
	To          sign.Address `json:"to"`
	TimestampUs int64        `json:"timestamp_us"`
}

type attestationJSON struct {
	Asset     sign.Address `json:"asset"`
	Price     string       `json:"price"`
	ChainID   int64        `json:"chain_id"`
	Timestamp int64        `json:"timestamp"`
	Signer    sign.Address `json:"signer"`
	Signature []byte       `json:"signature"`
}

type postPriceJSON struct {
	CommandID    string            `json:"command_id"`
	Caller       sign.Address      `json:"caller"`
	Asset        sign.Address      `json:"asset"`
	Attestations []attestationJSON `json:"attestations"`
	TimestampUs  int64             `json:"timestamp_us"`
}

// parseAmount parses a non-negative decimal string into a big.Int.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: negative: %q", field, s)
	}
	return v, nil
}

func parseBase(commandID string, timestampUs int64) (commandBase, error) {
	id, err := uuid.Parse(commandID)
	if err != nil {
		return commandBase{}, fmt.Errorf("parse command_id: %w", err)
	}
	return commandBase{CommandID: id, Timestamp: time.UnixMicro(timestampUs)}, nil
}

func parseBidWire(j bidJSON) (order.BidWithAccount, error) {
	minColl, err := parseAmount("min_collateral_amount", j.MinCollateralAmount)
	if err != nil {
		return order.BidWithAccount{}, err
	}
	maxBorrow, err := parseAmount("max_borrow_amount", j.MaxBorrowAmount)
	if err != nil {
		return order.BidWithAccount{}, err
	}
	rate, err := parseAmount("interest_rate", j.InterestRate)
	if err != nil {
		return order.BidWithAccount{}, err
	}
	return order.BidWithAccount{
		Bid: order.Bid{
			CollateralToken:     j.CollateralToken,
			MinCollateralAmount: minColl,
			BorrowToken:         j.BorrowToken,
			MaxBorrowAmount:     maxBorrow,
			InterestRateBid:     rate,
			Hook:                j.Hook,
			Deadline:            j.Deadline,
		},
		Account: j.Account,
		Nonce:   j.Nonce,
	}, nil
}

func parseAskWire(j askJSON) (order.AskWithAccount, error) {
	maxColl, err := parseAmount("max_collateral_amount", j.MaxCollateralAmount)
	if err != nil {
		return order.AskWithAccount{}, err
	}
	minBorrow, err := parseAmount("min_borrow_amount", j.MinBorrowAmount)
	if err != nil {
		return order.AskWithAccount{}, err
	}
	rate, err := parseAmount("interest_rate", j.InterestRate)
	if err != nil {
		return order.AskWithAccount{}, err
	}
	return order.AskWithAccount{
		Ask: order.Ask{
			CollateralToken:     j.CollateralToken,
			MaxCollateralAmount: maxColl,
			BorrowToken:         j.BorrowToken,
			MinBorrowAmount:     minBorrow,
			InterestRateAsk:     rate,
			Hook:                j.Hook,
			Deadline:            j.Deadline,
		},
		Account: j.Account,
		Nonce:   j.Nonce,
	}, nil
}

func parseDealWire(j dealJSON) (order.Deal, error) {
	coll, err := parseAmount("collateral_amount", j.CollateralAmount)
	if err != nil {
		return order.Deal{}, err
	}
	borrow, err := parseAmount("borrow_amount", j.BorrowAmount)
	if err != nil {
		return order.Deal{}, err
	}
	rate, err := parseAmount("interest_rate", j.InterestRate)
	if err != nil {
		return order.Deal{}, err
	}
	return order.Deal{
		CollateralToken:  j.CollateralToken,
		BorrowToken:      j.BorrowToken,
		CollateralAmount: coll,
		BorrowAmount:     borrow,
		InterestRate:     rate,
		Hook:             j.Hook,
	}, nil
}

func parseTakeBid(data []byte) (*TakeBidCommand, error) {
	var j takeBidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TakeBid: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	bid, err := parseBidWire(j.Bid)
	if err != nil {
		return nil, err
	}
	deal, err := parseDealWire(j.Deal)
	if err != nil {
		return nil, err
	}
	if len(j.Signature) != sign.SignatureSize {
		return nil, fmt.Errorf("parse signature: want %d bytes, got %d", sign.SignatureSize, len(j.Signature))
	}
	return &TakeBidCommand{
		commandBase: base,
		Caller:      j.Caller,
		Bid:         bid,
		Signature:   j.Signature,
		Proposed:    deal,
	}, nil
}

func parseTakeAsk(data []byte) (*TakeAskCommand, error) {
	var j takeAskJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TakeAsk: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	ask, err := parseAskWire(j.Ask)
	if err != nil {
		return nil, err
	}
	deal, err := parseDealWire(j.Deal)
	if err != nil {
		return nil, err
	}
	if len(j.Signature) != sign.SignatureSize {
		return nil, fmt.Errorf("parse signature: want %d bytes, got %d", sign.SignatureSize, len(j.Signature))
	}
	return &TakeAskCommand{
		commandBase: base,
		Caller:      j.Caller,
		Ask:         ask,
		Signature:   j.Signature,
		Proposed:    deal,
	}, nil
}

func parseExecute(data []byte) (*ExecuteCommand, error) {
	var j executeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Execute: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	bid, err := parseBidWire(j.Bid)
	if err != nil {
		return nil, err
	}
	ask, err := parseAskWire(j.Ask)
	if err != nil {
		return nil, err
	}
	deal, err := parseDealWire(j.Deal)
	if err != nil {
		return nil, err
	}
	if len(j.BidSignature) != sign.SignatureSize {
		return nil, fmt.Errorf("parse bid_signature: want %d bytes, got %d", sign.SignatureSize, len(j.BidSignature))
	}
	if len(j.AskSignature) != sign.SignatureSize {
		return nil, fmt.Errorf("parse ask_signature: want %d bytes, got %d", sign.SignatureSize, len(j.AskSignature))
	}
	return &ExecuteCommand{
		commandBase:  base,
		Bid:          bid,
		BidSignature: j.BidSignature,
		Ask:          ask,
		AskSignature: j.AskSignature,
		Proposed:     deal,
	}, nil
}

func parseCancel(data []byte) (*CancelCommand, error) {
	var j cancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Cancel: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	if len(j.Signature) != sign.SignatureSize {
		return nil, fmt.Errorf("parse signature: want %d bytes, got %d", sign.SignatureSize, len(j.Signature))
	}
	return &CancelCommand{
		commandBase: base,
		Account:     j.Account,
		Nonce:       j.Nonce,
		Signature:   j.Signature,
	}, nil
}

func parseRepay(data []byte) (*RepayCommand, error) {
	var j repayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &RepayCommand{
		commandBase: base,
		Caller:      j.Caller,
		Deal:        j.Deal,
		Amount:      amount,
	}, nil
}

func parseWithdrawCollateral(data []byte) (*WithdrawCollateralCommand, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCollateral: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &WithdrawCollateralCommand{
		commandBase: base,
		Caller:      j.Caller,
		Deal:        j.Deal,
		Amount:      amount,
	}, nil
}

func parseLiquidate(data []byte) (*LiquidateCommand, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	repay, err := parseAmount("repay_amount", j.RepayAmount)
	if err != nil {
		return nil, err
	}
	seize, err := parseAmount("seize_amount", j.SeizeAmount)
	if err != nil {
		return nil, err
	}
	return &LiquidateCommand{
		commandBase: base,
		Caller:      j.Caller,
		Deal:        j.Deal,
		Repay:       repay,
		Seize:       seize,
	}, nil
}

func parseTransferPosition(data []byte) (*TransferPositionCommand, error) {
	var j transferPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferPosition: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	return &TransferPositionCommand{
		commandBase: base,
		Caller:      j.Caller,
		TokenID:     j.TokenID,
		To:          j.To,
	}, nil
}

func parsePostPrice(data []byte) (*PostPriceCommand, error) {
	var j postPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PostPrice: %w", err)
	}
	base, err := parseBase(j.CommandID, j.TimestampUs)
	if err != nil {
		return nil, err
	}
	attestations := make([]oracle.SignedPrice, 0, len(j.Attestations))
	for i, a := range j.Attestations {
		price, err := parseAmount("price", a.Price)
		if err != nil {
			return nil, fmt.Errorf("attestation %d: %w", i, err)
		}
		if len(a.Signature) != sign.SignatureSize {
			return nil, fmt.Errorf("attestation %d: want %d byte signature, got %d", i, sign.SignatureSize, len(a.Signature))
		}
		attestations = append(attestations, oracle.SignedPrice{
			Message: oracle.PriceMessage{
				Asset:     a.Asset,
				Price:     price,
				ChainID:   a.ChainID,
				Timestamp: a.Timestamp,
			},
			Signer:    a.Signer,
			Signature: a.Signature,
		})
	}
	return &PostPriceCommand{
		commandBase:  base,
		Caller:       j.Caller,
		Asset:        j.Asset,
		Attestations: attestations,
	}, nil
}
