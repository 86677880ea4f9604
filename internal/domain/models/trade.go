package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type TradeStatus string

const (
	TradeCompleted              TradeStatus = "completed"
	TradeFailed                 TradeStatus = "failed"
	TradeReconciliationRequired TradeStatus = "reconciliation_required"
)

// TradeRequest is the immutable input to one execution. Amount is an
// exact decimal; floating point never touches money in this codebase.
type TradeRequest struct {
	Username  string
	Symbol    string
	Side      Side
	OrderType OrderType
	Amount    decimal.Decimal
}

type Trade struct {
	Id                 uuid.UUID
	UserId             int64
	PairId             int64
	Side               Side
	Amount             decimal.Decimal
	ClientPrice        decimal.Decimal
	ExecutionPrice     decimal.Decimal
	TotalValue         decimal.Decimal
	FeeAmount          decimal.Decimal
	SpreadAmount       decimal.Decimal
	Status             TradeStatus
	ExchangeOrderIds   []string
	BaseTransactionId  uuid.UUID
	QuoteTransactionId uuid.UUID
	CreatedAt          time.Time
}

// ExchangeExecution captures what the exchange actually did for one
// order placement attempt. Immutable once built.
type ExchangeExecution struct {
	OrderIds        []string
	ExecutionPrice  decimal.Decimal
	ExecutedVolume  decimal.Decimal
	ExchangeFee     decimal.Decimal
	Status          string
	RawOrderStatus  json.RawMessage
	RawTradeHistory json.RawMessage
	Timestamp       time.Time
}

type SpreadResult struct {
	ClientPrice   decimal.Decimal
	SpreadPerUnit decimal.Decimal
}

// OrderAck is the exchange's acknowledgement of a placed order.
type OrderAck struct {
	OrderIds    []string
	Description string
}

// OrderInfo is the exchange-reported state of a single order.
type OrderInfo struct {
	Status         string
	Price          decimal.Decimal
	VolumeExecuted decimal.Decimal
	Cost           decimal.Decimal
	Fee            decimal.Decimal
}

// Fill is one constituent trade of an order.
type Fill struct {
	OrderId string
	Price   decimal.Decimal
	Volume  decimal.Decimal
	Cost    decimal.Decimal
	Fee     decimal.Decimal
}

type Simulation struct {
	EstimatedPrice decimal.Decimal
	EstimatedTotal decimal.Decimal
	EstimatedFee   decimal.Decimal
	Warnings       []string
}
