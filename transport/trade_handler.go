package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"Brokerage/internal/domain/models"
	"Brokerage/internal/domain/models/transport"
	"Brokerage/internal/kraken"
	"Brokerage/internal/services/execution"
	"Brokerage/internal/services/ledger"
	"Brokerage/internal/storage/postgres"
)

// TradeHandler is the thin boundary over the execution engine. It owns
// request parsing, schema validation and error-kind to status-code
// mapping; authentication lives in middleware outside this layer.
type TradeHandler struct {
	log      *slog.Logger
	engine   executionEngine
	pairs    pairLister
	validate *validator.Validate
}

type executionEngine interface {
	Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error)
	Simulate(ctx context.Context, req models.TradeRequest) (models.Simulation, error)
}

type pairLister interface {
	ListTradingPairs(ctx context.Context, activeOnly bool) ([]models.TradingPair, error)
}

func NewTradeHandler(log *slog.Logger, engine executionEngine, pairs pairLister, validate *validator.Validate) *TradeHandler {
	return &TradeHandler{
		log:      log,
		engine:   engine,
		pairs:    pairs,
		validate: validate,
	}
}

func (h *TradeHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Route("/api/trade", func(router chi.Router) {
		router.Post("/execute", h.PostExecute)
		router.Post("/simulate", h.PostSimulate)
		router.Get("/pairs", h.GetPairs)
	})

	return router
}

func (h *TradeHandler) PostExecute(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.ExecuteTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	trade, err := h.engine.Execute(r.Context(), models.TradeRequest{
		Username:  req.Username,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Amount:    req.Amount,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := transport.ExecuteTradeResponse{
		TradeId:          trade.Id,
		Symbol:           req.Symbol,
		Side:             trade.Side,
		Amount:           trade.Amount,
		ClientPrice:      trade.ClientPrice,
		ExecutionPrice:   trade.ExecutionPrice,
		TotalValue:       trade.TotalValue,
		FeeAmount:        trade.FeeAmount,
		Status:           trade.Status,
		ExchangeOrderIds: trade.ExchangeOrderIds,
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *TradeHandler) PostSimulate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.SimulateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	sim, err := h.engine.Simulate(r.Context(), models.TradeRequest{
		Username:  req.Username,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Amount:    req.Amount,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.SimulateTradeResponse{
		EstimatedPrice: sim.EstimatedPrice,
		EstimatedTotal: sim.EstimatedTotal,
		EstimatedFee:   sim.EstimatedFee,
		Warnings:       sim.Warnings,
	})
}

func (h *TradeHandler) GetPairs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	pairs, err := h.pairs.ListTradingPairs(r.Context(), true)
	if err != nil {
		h.log.Error("failed to list trading pairs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "failed to list trading pairs")
		return
	}

	resp := make([]transport.TradingPairResponse, 0, len(pairs))
	for _, p := range pairs {
		resp = append(resp, transport.TradingPairResponse{
			Symbol:           p.Symbol,
			BaseCurrency:     p.BaseCurrency,
			QuoteCurrency:    p.QuoteCurrency,
			MinTradeAmount:   p.MinTradeAmount,
			MaxTradeAmount:   p.MaxTradeAmount,
			SpreadPercentage: p.SpreadPercentage,
			IsActive:         p.IsActive,
		})
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// writeEngineError maps the execution error taxonomy onto transport
// status codes. Reconciliation failures never claim success or failure
// of the ledger; validation failures are safe to report verbatim.
func (h *TradeHandler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		validationErr *execution.ValidationError
		reconErr      *execution.ReconciliationError
		symbolErr     *kraken.UnknownSymbolError
		authErr       *kraken.AuthenticationError
		rateErr       *kraken.RateLimitError
		orderErr      *kraken.OrderError
	)

	switch {
	// reconciliation first: its cause may wrap ledger errors that
	// would otherwise match the branches below
	case errors.As(err, &reconErr):
		h.log.Error("reconciliation required surfaced to caller", "order_ids", reconErr.OrderIds)
		h.writeError(w, http.StatusInternalServerError, "reconciliation_required",
			"execution status unknown, contact support")
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "validation", validationErr.Error())
	case errors.As(err, &symbolErr):
		h.writeError(w, http.StatusBadRequest, "unknown_symbol", symbolErr.Error())
	case errors.Is(err, postgres.ErrUserNotExists), errors.Is(err, postgres.ErrTradingPairNotExists):
		h.writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		h.writeError(w, http.StatusBadRequest, "insufficient_funds", "insufficient available funds")
	case errors.As(err, &authErr):
		h.writeError(w, http.StatusBadGateway, "authentication", "exchange rejected credentials")
	case errors.As(err, &rateErr):
		h.writeError(w, http.StatusServiceUnavailable, "rate_limit", "exchange rate limit exceeded")
	case errors.As(err, &orderErr):
		h.writeError(w, http.StatusBadGateway, "order_rejected", "execution failed")
	default:
		h.log.Error("trade execution failed", "error", err)
		h.writeError(w, http.StatusBadGateway, "exchange", "execution failed")
	}
}

func (h *TradeHandler) writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(transport.ErrorResponse{Error: msg, Kind: kind})
}
