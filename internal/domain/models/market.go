package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketPrice is an ephemeral snapshot of the venue's ticker. It is
// fetched fresh per execution and never cached across an order's
// lifetime.
type MarketPrice struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Mid       decimal.Decimal
	Last      decimal.Decimal
	Volume24h decimal.Decimal
	VWAP24h   decimal.Decimal
	Trades24h int64
	Low24h    decimal.Decimal
	High24h   decimal.Decimal
	FetchedAt time.Time
}

// PriceUpdate is the shape pushed through the stream cache and broker
// by the market feed.
type PriceUpdate struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}
