package transport

import (
	"Brokerage/internal/domain/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type ExecuteTradeRequest struct {
	Username  string           `json:"username" validate:"required"`
	Symbol    string           `json:"symbol" validate:"required"`
	Side      models.Side      `json:"side" validate:"required,oneof=buy sell"`
	OrderType models.OrderType `json:"order_type" validate:"required"`
	Amount    decimal.Decimal  `json:"amount" validate:"required"`
}

type ExecuteTradeResponse struct {
	TradeId          uuid.UUID          `json:"trade_id"`
	Symbol           string             `json:"symbol"`
	Side             models.Side        `json:"side"`
	Amount           decimal.Decimal    `json:"amount"`
	ClientPrice      decimal.Decimal    `json:"client_price"`
	ExecutionPrice   decimal.Decimal    `json:"execution_price"`
	TotalValue       decimal.Decimal    `json:"total_value"`
	FeeAmount        decimal.Decimal    `json:"fee_amount"`
	Status           models.TradeStatus `json:"status"`
	ExchangeOrderIds []string           `json:"exchange_order_ids"`
}

type SimulateTradeRequest struct {
	Username  string           `json:"username" validate:"required"`
	Symbol    string           `json:"symbol" validate:"required"`
	Side      models.Side      `json:"side" validate:"required,oneof=buy sell"`
	OrderType models.OrderType `json:"order_type" validate:"required"`
	Amount    decimal.Decimal  `json:"amount" validate:"required"`
}

type SimulateTradeResponse struct {
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	EstimatedFee   decimal.Decimal `json:"estimated_fee"`
	Warnings       []string        `json:"warnings"`
}

type TradingPairResponse struct {
	Symbol           string          `json:"symbol"`
	BaseCurrency     string          `json:"base_currency"`
	QuoteCurrency    string          `json:"quote_currency"`
	MinTradeAmount   decimal.Decimal `json:"min_trade_amount"`
	MaxTradeAmount   decimal.Decimal `json:"max_trade_amount"`
	SpreadPercentage decimal.Decimal `json:"spread_percentage"`
	IsActive         bool            `json:"is_active"`
}
