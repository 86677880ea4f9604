package execution

import (
	"Brokerage/internal/domain/models"

	"github.com/shopspring/decimal"
)

// priceScale is the fixed scale for client-facing amounts. Rounding is
// half-up at this scale everywhere money leaves this package.
const priceScale = 8

// SpreadPolicy derives the client-facing price from the venue's
// execution price.
type SpreadPolicy interface {
	Adjust(executionPrice, spreadPct decimal.Decimal, side models.Side) models.SpreadResult
}

// PercentSpread marks a buy up and a sell down by a flat percentage
// of the execution price.
type PercentSpread struct{}

func (PercentSpread) Adjust(executionPrice, spreadPct decimal.Decimal, side models.Side) models.SpreadResult {
	one := decimal.NewFromInt(1)

	var client decimal.Decimal
	if side == models.Buy {
		client = executionPrice.Mul(one.Add(spreadPct))
	} else {
		client = executionPrice.Mul(one.Sub(spreadPct))
	}
	client = roundHalfUp(client)

	return models.SpreadResult{
		ClientPrice:   client,
		SpreadPerUnit: client.Sub(executionPrice).Abs(),
	}
}

// Fee is charged on the client-facing total.
func Fee(clientTotal, feeRate decimal.Decimal) decimal.Decimal {
	return roundHalfUp(clientTotal.Mul(feeRate))
}

func roundHalfUp(d decimal.Decimal) decimal.Decimal {
	// decimal.Round is half away from zero, which is half-up for the
	// non-negative amounts this package deals in.
	return d.Round(priceScale)
}
