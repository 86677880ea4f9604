package models

import "github.com/shopspring/decimal"

// TradingPair configuration is owned by the persistence layer and read
// at execution time; the execution core never mutates it.
type TradingPair struct {
	Id               int64
	Symbol           string
	BaseCurrency     string
	QuoteCurrency    string
	MinTradeAmount   decimal.Decimal
	MaxTradeAmount   decimal.Decimal
	PricePrecision   int32
	AmountPrecision  int32
	SpreadPercentage decimal.Decimal
	IsActive         bool
}
