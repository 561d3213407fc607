package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"dealbook/internal/ingestion"
	"dealbook/internal/observability"
	"dealbook/internal/projection"
	"dealbook/internal/query"
)

const (
	maxBodyBytes     = 1 << 20
	submitTimeout    = 5 * time.Second
	defaultPageLimit = 50
	maxPageLimit     = 500
	shutdownGrace    = 10 * time.Second
	historyPageLimit = 200
)

// Server is the HTTP surface: command submission, projection queries, the
// websocket event feed, and health endpoints. Submission is asynchronous:
// commands are accepted onto the same channel the NATS subscriber feeds,
// and the response only acknowledges queueing, not application.
type Server struct {
	httpServer *http.Server
	qs         *query.QueryService
	history    *projection.DealHistory
	commands   chan<- ingestion.RawCommand
	feed       *EventFeed
	health     *observability.HealthChecker
}

// Deps holds the server's dependencies.
type Deps struct {
	QueryService *query.QueryService
	History      *projection.DealHistory
	CommandChan  chan<- ingestion.RawCommand
	Feed         *EventFeed
	Health       *observability.HealthChecker
}

func NewServer(addr string, deps *Deps) *Server {
	s := &Server{
		qs:       deps.QueryService,
		history:  deps.History,
		commands: deps.CommandChan,
		feed:     deps.Feed,
		health:   deps.Health,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		// Command submission. The trailing "http" token marks the origin;
		// subject prefixes decide the command kind either way.
		r.Post("/orders/take-bid", s.submitHandler("deal.orders.take_bid.http"))
		r.Post("/orders/take-ask", s.submitHandler("deal.orders.take_ask.http"))
		r.Post("/orders/execute", s.submitHandler("deal.orders.execute.http"))
		r.Post("/orders/cancel", s.submitHandler("deal.orders.cancel.http"))
		r.Post("/loans/repay", s.submitHandler("deal.loans.repay.http"))
		r.Post("/loans/withdraw", s.submitHandler("deal.loans.withdraw.http"))
		r.Post("/loans/liquidate", s.submitHandler("deal.loans.liquidate.http"))
		r.Post("/positions/transfer", s.submitHandler("deal.positions.transfer.http"))
		r.Post("/prices", s.submitHandler("deal.prices.post.http"))

		// Queries.
		r.Get("/deals", s.listDeals)
		r.Get("/deals/{number}", s.getDeal)
		r.Get("/deals/{number}/events", s.getDealEvents)
		r.Get("/deals/{number}/history", s.getDealHistory)
		r.Get("/prices/{asset}", s.getPrice)
		r.Get("/bad-debt", s.listBadDebt)

		// Admin.
		r.Get("/admin/integrity", s.verifyIntegrity)
	})

	if deps.Feed != nil {
		r.Get("/ws", deps.Feed.Handler())
	}
	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- command submission ---

type submitResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

// submitHandler accepts a command body, stamps command_id and timestamp_us
// when the caller left them out, and queues it for the ingestion loop.
func (s *Server) submitHandler(subject string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var fields map[string]json.RawMessage
		if err := json.NewDecoder(body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		cmdID := uuid.NewString()
		if raw, ok := fields["command_id"]; ok {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				writeError(w, http.StatusBadRequest, "command_id must be a string")
				return
			}
			if _, err := uuid.Parse(id); err != nil {
				writeError(w, http.StatusBadRequest, "command_id must be a UUID")
				return
			}
			cmdID = id
		} else {
			fields["command_id"] = mustMarshal(cmdID)
		}
		if _, ok := fields["timestamp_us"]; !ok {
			fields["timestamp_us"] = mustMarshal(time.Now().UnixMicro())
		}

		data, err := json.Marshal(fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode command")
			return
		}

		raw := ingestion.RawCommand{
			Subject:   subject,
			Data:      data,
			Timestamp: time.Now(),
			AckFunc:   func() {},
			NakFunc:   func() {},
		}

		select {
		case s.commands <- raw:
		case <-time.After(submitTimeout):
			writeError(w, http.StatusServiceUnavailable, "ingestion backlogged")
			return
		case <-r.Context().Done():
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(submitResponse{Status: "accepted", CommandID: cmdID})
	}
}

// --- queries ---

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	number, err := parseDealNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deal, err := s.qs.GetDeal(r.Context(), number, time.Now())
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	if err != nil {
		log.Printf("ERROR: get deal %d: %v", number, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, deal)
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	var status, account *string
	if v := r.URL.Query().Get("status"); v != "" {
		if v != "open" && v != "closed" {
			writeError(w, http.StatusBadRequest, "status must be open or closed")
			return
		}
		status = &v
	}
	if v := r.URL.Query().Get("account"); v != "" {
		account = &v
	}

	limit := queryLimit(r, defaultPageLimit)

	var before *uint64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a deal number")
			return
		}
		before = &n
	}

	deals, err := s.qs.ListDeals(r.Context(), status, account, limit, before, time.Now())
	if err != nil {
		log.Printf("ERROR: list deals: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, map[string]interface{}{"deals": deals})
}

func (s *Server) getDealEvents(w http.ResponseWriter, r *http.Request) {
	number, err := parseDealNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := queryLimit(r, defaultPageLimit)

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a sequence number")
			return
		}
		before = &n
	}

	events, err := s.qs.GetDealEvents(r.Context(), number, limit, before)
	if err != nil {
		log.Printf("ERROR: deal %d events: %v", number, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, map[string]interface{}{"events": events})
}

type historyEntry struct {
	Sequence   int64  `json:"sequence"`
	DealNumber uint64 `json:"deal_number"`
	EventType  string `json:"event_type"`
	Amount     string `json:"amount,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) getDealHistory(w http.ResponseWriter, r *http.Request) {
	number, err := parseDealNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history not enabled")
		return
	}

	entries := s.history.QueryByDeal(number, historyPageLimit)
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			Sequence:   e.Sequence,
			DealNumber: e.DealNumber,
			EventType:  e.EventType,
			Amount:     e.Amount,
			Timestamp:  e.Timestamp.Unix(),
		})
	}

	writeJSON(w, map[string]interface{}{"history": out})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	price, err := s.qs.GetPrice(r.Context(), asset)
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no price for asset")
		return
	}
	if err != nil {
		log.Printf("ERROR: get price %s: %v", asset, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, price)
}

func (s *Server) listBadDebt(w http.ResponseWriter, r *http.Request) {
	results, err := s.qs.ListBadDebt(r.Context())
	if err != nil {
		log.Printf("ERROR: list bad debt: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, map[string]interface{}{"bad_debt": results})
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.qs.VerifyIntegrity(r.Context())
	if err != nil {
		log.Printf("ERROR: verify integrity: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, report)
}

// --- helpers ---

func parseDealNumber(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "number")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deal number %q", raw)
	}
	return n, nil
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
