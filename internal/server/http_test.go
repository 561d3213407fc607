package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"dealbook/internal/event"
	"dealbook/internal/ingestion"
	"dealbook/internal/projection"
)

func newTestServer(t *testing.T, commands chan ingestion.RawCommand, history *projection.DealHistory) *Server {
	t.Helper()
	return NewServer(":0", &Deps{
		History:     history,
		CommandChan: commands,
		Feed:        NewEventFeed(),
	})
}

// ============================================================
// Command submission
// ============================================================

func TestSubmitStampsCommandID(t *testing.T) {
	commands := make(chan ingestion.RawCommand, 1)
	srv := newTestServer(t, commands, nil)

	body := `{"caller": "0x1111111111111111111111111111111111111111", "deal": 7, "amount": "100"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/loans/repay", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "accepted" {
		t.Errorf("status = %q, want %q", resp.Status, "accepted")
	}
	if _, err := uuid.Parse(resp.CommandID); err != nil {
		t.Errorf("command_id %q is not a UUID: %v", resp.CommandID, err)
	}

	select {
	case raw := <-commands:
		if raw.Subject != "deal.loans.repay.http" {
			t.Errorf("subject = %q, want %q", raw.Subject, "deal.loans.repay.http")
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw.Data, &fields); err != nil {
			t.Fatalf("decode queued command: %v", err)
		}
		if _, ok := fields["command_id"]; !ok {
			t.Error("queued command missing command_id")
		}
		if _, ok := fields["timestamp_us"]; !ok {
			t.Error("queued command missing timestamp_us")
		}
	default:
		t.Fatal("no command queued")
	}
}

func TestSubmitKeepsCallerCommandID(t *testing.T) {
	commands := make(chan ingestion.RawCommand, 1)
	srv := newTestServer(t, commands, nil)

	id := "0e07c461-8762-4d8e-b228-7bb625b0e2a5"
	body := `{"command_id": "` + id + `", "timestamp_us": 1700000000000000, "deal": 1, "amount": "5"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/loans/repay", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CommandID != id {
		t.Errorf("command_id = %q, want %q", resp.CommandID, id)
	}
	<-commands
}

func TestSubmitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"command_id not string", `{"command_id": 42}`},
		{"command_id not uuid", `{"command_id": "nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands := make(chan ingestion.RawCommand, 1)
			srv := newTestServer(t, commands, nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/orders/cancel", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.httpServer.Handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			select {
			case <-commands:
				t.Error("rejected command was queued")
			default:
			}
		})
	}
}

// ============================================================
// Deal history
// ============================================================

func TestDealHistoryEndpoint(t *testing.T) {
	history := projection.NewDealHistory(100)
	deal := uint64(3)
	history.Record(&event.Envelope{
		Sequence:   1,
		CommandID:  uuid.New(),
		EventType:  event.EventTypeDealCreated,
		DealNumber: &deal,
		Timestamp:  time.Unix(1_700_000_000, 0),
		Payload: &event.DealCreated{
			Deal:             deal,
			CollateralAmount: big.NewInt(1_000),
			BorrowAmount:     big.NewInt(500),
			InterestRate:     big.NewInt(0),
		},
	})

	srv := newTestServer(t, make(chan ingestion.RawCommand, 1), history)

	req := httptest.NewRequest(http.MethodGet, "/v1/deals/3/history", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp struct {
		History []historyEntry `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(resp.History))
	}
	got := resp.History[0]
	if got.EventType != "DealCreated" {
		t.Errorf("event type = %q, want %q", got.EventType, "DealCreated")
	}
	if got.Amount != "500" {
		t.Errorf("amount = %q, want %q", got.Amount, "500")
	}
	if got.Timestamp != 1_700_000_000 {
		t.Errorf("timestamp = %d, want 1700000000", got.Timestamp)
	}
}

func TestDealHistoryRejectsBadNumber(t *testing.T) {
	srv := newTestServer(t, make(chan ingestion.RawCommand, 1), projection.NewDealHistory(10))

	req := httptest.NewRequest(http.MethodGet, "/v1/deals/abc/history", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
