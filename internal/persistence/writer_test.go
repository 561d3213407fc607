package persistence

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/event"
)

func TestRowFromEnvelope(t *testing.T) {
	deal := uint64(12)
	cmdID := uuid.New()
	ts := time.Unix(1_700_000_000, 0)

	env := &event.Envelope{
		Sequence:   42,
		CommandID:  cmdID,
		EventType:  event.EventTypeLoanRepaid,
		DealNumber: &deal,
		Timestamp:  ts,
		Payload: &event.LoanRepaid{
			Deal:            deal,
			Amount:          big.NewInt(300),
			RemainingDebt:   big.NewInt(700),
			AccruedInterest: big.NewInt(0),
		},
	}
	env.StateHash[0] = 0xAA
	env.PrevHash[0] = 0xBB

	row, err := RowFromEnvelope(env)
	if err != nil {
		t.Fatalf("row from envelope: %v", err)
	}

	if row.Sequence != 42 {
		t.Errorf("sequence = %d, want 42", row.Sequence)
	}
	if row.EventType != "LoanRepaid" {
		t.Errorf("event type = %q, want %q", row.EventType, "LoanRepaid")
	}
	if row.CommandID != cmdID.String() {
		t.Errorf("command id = %q, want %q", row.CommandID, cmdID)
	}
	if row.DealNumber == nil || *row.DealNumber != 12 {
		t.Errorf("deal number = %v, want 12", row.DealNumber)
	}
	if !row.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", row.Timestamp, ts)
	}
	if len(row.StateHash) != 32 || row.StateHash[0] != 0xAA {
		t.Errorf("state hash = %x", row.StateHash)
	}
	if len(row.PrevHash) != 32 || row.PrevHash[0] != 0xBB {
		t.Errorf("prev hash = %x", row.PrevHash)
	}

	var decoded event.LoanRepaid
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Amount.Cmp(big.NewInt(300)) != 0 || decoded.RemainingDebt.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("payload = %+v, want amount 300 remaining 700", decoded)
	}

	// Hash slices are copies, not views into the envelope.
	env.StateHash[0] = 0x00
	if row.StateHash[0] != 0xAA {
		t.Error("state hash aliases the envelope array")
	}
}

func TestRowFromEnvelopeGlobalEvent(t *testing.T) {
	env := &event.Envelope{
		Sequence:  1,
		CommandID: uuid.New(),
		EventType: event.EventTypeNonceConsumed,
		Timestamp: time.Unix(1_700_000_000, 0),
		Payload:   &event.NonceConsumed{Nonce: 5},
	}

	row, err := RowFromEnvelope(env)
	if err != nil {
		t.Fatalf("row from envelope: %v", err)
	}
	if row.DealNumber != nil {
		t.Errorf("deal number = %v, want nil for global events", *row.DealNumber)
	}
	if !bytes.Contains(row.Payload, []byte(`"Nonce":5`)) {
		t.Errorf("payload = %s, want Nonce field", row.Payload)
	}
}
