package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"Brokerage/internal/domain/models"
	"Brokerage/internal/kraken"
	"Brokerage/internal/services/ledger"
	"Brokerage/internal/storage/postgres"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	user models.User
	pair models.TradingPair
}

func (s *fakeStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	if username != s.user.Username {
		return models.User{}, fmt.Errorf("user does not exist")
	}
	return s.user, nil
}

func (s *fakeStore) GetTradingPair(ctx context.Context, symbol string) (models.TradingPair, error) {
	if symbol != s.pair.Symbol {
		return models.TradingPair{}, fmt.Errorf("trading pair does not exist")
	}
	return s.pair, nil
}

type fakeGateway struct {
	tickerCalls int
	placeCalls  int
	statusCalls int
	tradesCalls int

	ticker    models.MarketPrice
	tickerErr error

	ack      models.OrderAck
	placeErr error

	statuses  map[string]models.OrderInfo
	statusErr error

	fills     []models.Fill
	tradesErr error
}

func (g *fakeGateway) GetTicker(ctx context.Context, symbol string) (models.MarketPrice, error) {
	g.tickerCalls++
	return g.ticker, g.tickerErr
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, volume decimal.Decimal) (models.OrderAck, error) {
	g.placeCalls++
	return g.ack, g.placeErr
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, orderIds []string) (map[string]models.OrderInfo, json.RawMessage, error) {
	g.statusCalls++
	return g.statuses, json.RawMessage(`{}`), g.statusErr
}

func (g *fakeGateway) GetTradeHistory(ctx context.Context, orderIds []string) ([]models.Fill, json.RawMessage, error) {
	g.tradesCalls++
	return g.fills, json.RawMessage(`{}`), g.tradesErr
}

func (g *fakeGateway) totalCalls() int {
	return g.tickerCalls + g.placeCalls + g.statusCalls + g.tradesCalls
}

type fakeLedger struct {
	calls  int
	trade  models.Trade
	debit  models.LedgerEntry
	credit models.LedgerEntry
	err    error

	available decimal.Decimal
	balErr    error
}

func (l *fakeLedger) SettleTrade(ctx context.Context, trade models.Trade, debit, credit models.LedgerEntry) (models.Trade, error) {
	l.calls++
	l.trade, l.debit, l.credit = trade, debit, credit
	if l.err != nil {
		return models.Trade{}, l.err
	}
	return trade, nil
}

func (l *fakeLedger) GetBalance(ctx context.Context, userId int64, currency string) (models.Balance, error) {
	if l.balErr != nil {
		return models.Balance{}, l.balErr
	}
	return models.Balance{UserId: userId, Currency: currency, Available: l.available}, nil
}

type fakeEvents struct {
	completed      []models.Trade
	reconciliation [][]string
}

func (e *fakeEvents) PublishTradeCompleted(ctx context.Context, trade models.Trade) error {
	e.completed = append(e.completed, trade)
	return nil
}

func (e *fakeEvents) PublishReconciliation(ctx context.Context, username, symbol string, orderIds []string) error {
	e.reconciliation = append(e.reconciliation, orderIds)
	return nil
}

func btcPair() models.TradingPair {
	return models.TradingPair{
		Id:               1,
		Symbol:           "BTC/USD",
		BaseCurrency:     "BTC",
		QuoteCurrency:    "USD",
		MinTradeAmount:   dec("0.01"),
		MaxTradeAmount:   dec("100"),
		PricePrecision:   1,
		AmountPrecision:  8,
		SpreadPercentage: dec("0.02"),
		IsActive:         true,
	}
}

func marketAt(mid string) models.MarketPrice {
	m := dec(mid)
	return models.MarketPrice{Bid: m, Ask: m, Mid: m, FetchedAt: time.Now()}
}

func newTestEngine(gw *fakeGateway, ledger *fakeLedger) *Engine {
	if ledger.available.IsZero() {
		ledger.available = dec("100000000")
	}
	store := &fakeStore{
		user: models.User{Id: 7, Username: "alice"},
		pair: btcPair(),
	}
	return New(
		testLogger(),
		store,
		gw,
		TickerPricing{Gateway: gw},
		PercentSpread{},
		ledger,
		Config{
			FeeRate:         dec("0.0026"),
			ConfirmAttempts: 3,
			ConfirmInterval: time.Millisecond,
		},
	)
}

func buyRequest(amount string) models.TradeRequest {
	return models.TradeRequest{
		Username:  "alice",
		Symbol:    "BTC/USD",
		Side:      models.Buy,
		OrderType: models.Market,
		Amount:    dec(amount),
	}
}

func TestExecute_BuyHappyPath(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("50000"),
		ack:    models.OrderAck{OrderIds: []string{"OID1"}},
		statuses: map[string]models.OrderInfo{
			"OID1": {Status: "closed", Price: dec("50000"), VolumeExecuted: dec("1.5")},
		},
		fills: []models.Fill{
			{OrderId: "OID1", Price: dec("50000"), Volume: dec("1.5"), Fee: dec("120")},
		},
	}
	ledger := &fakeLedger{}
	events := &fakeEvents{}
	engine := newTestEngine(gw, ledger).WithEvents(events)

	trade, err := engine.Execute(context.Background(), buyRequest("1.5"))
	require.NoError(t, err)

	require.True(t, trade.ExecutionPrice.Equal(dec("50000")))
	require.True(t, trade.ClientPrice.Equal(dec("51000")), "client price 50000 x 1.02")
	require.True(t, trade.SpreadAmount.Equal(dec("1500")), "1000 per unit x 1.5")
	require.True(t, trade.TotalValue.Equal(dec("76500")), "1.5 x 51000")
	require.True(t, trade.FeeAmount.Equal(dec("198.9")), "76500 x 0.0026")
	require.Equal(t, models.TradeCompleted, trade.Status)
	require.Equal(t, []string{"OID1"}, trade.ExchangeOrderIds)

	// buy debits quote by total+fee, credits base by amount
	require.Equal(t, 1, ledger.calls)
	require.Equal(t, "USD", ledger.debit.Currency)
	require.True(t, ledger.debit.Amount.Equal(dec("-76698.9")))
	require.Equal(t, models.TxTradeBuy, ledger.debit.Type)
	require.Equal(t, "BTC", ledger.credit.Currency)
	require.True(t, ledger.credit.Amount.Equal(dec("1.5")))

	require.Len(t, events.completed, 1)
	require.Empty(t, events.reconciliation)
}

func TestExecute_SellHappyPath(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("50000"),
		ack:    models.OrderAck{OrderIds: []string{"OID1"}},
		statuses: map[string]models.OrderInfo{
			"OID1": {Status: "closed", Price: dec("50000"), VolumeExecuted: dec("2")},
		},
		fills: []models.Fill{
			{OrderId: "OID1", Price: dec("50000"), Volume: dec("2")},
		},
	}
	ledger := &fakeLedger{}
	engine := newTestEngine(gw, ledger)

	req := buyRequest("2")
	req.Side = models.Sell

	trade, err := engine.Execute(context.Background(), req)
	require.NoError(t, err)

	require.True(t, trade.ClientPrice.Equal(dec("49000")), "sell marks the price down")
	require.True(t, trade.TotalValue.Equal(dec("98000")))
	require.True(t, trade.FeeAmount.Equal(dec("254.8")))

	// sell debits base by amount, credits quote by total-fee
	require.Equal(t, "BTC", ledger.debit.Currency)
	require.True(t, ledger.debit.Amount.Equal(dec("-2")))
	require.Equal(t, "USD", ledger.credit.Currency)
	require.True(t, ledger.credit.Amount.Equal(dec("97745.2")))
	require.Equal(t, models.TxTradeSell, ledger.credit.Type)
}

func TestExecute_ValidationRejectsBeforeAnyNetworkCall(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.TradeRequest)
	}{
		{"amount below pair minimum", func(r *models.TradeRequest) { r.Amount = dec("0.001") }},
		{"amount above pair maximum", func(r *models.TradeRequest) { r.Amount = dec("500") }},
		{"zero amount", func(r *models.TradeRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *models.TradeRequest) { r.Amount = dec("-1") }},
		{"limit order", func(r *models.TradeRequest) { r.OrderType = models.Limit }},
		{"bad side", func(r *models.TradeRequest) { r.Side = "hold" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			ledger := &fakeLedger{}
			engine := newTestEngine(gw, ledger)

			req := buyRequest("1")
			tt.mutate(&req)

			_, err := engine.Execute(context.Background(), req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Zero(t, gw.totalCalls(), "validation failures must precede any exchange call")
			require.Zero(t, ledger.calls)
		})
	}
}

func TestExecute_InactivePair(t *testing.T) {
	gw := &fakeGateway{}
	engine := newTestEngine(gw, &fakeLedger{})
	pair := btcPair()
	pair.IsActive = false
	engine.store = &fakeStore{user: models.User{Id: 7, Username: "alice"}, pair: pair}

	_, err := engine.Execute(context.Background(), buyRequest("1"))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Zero(t, gw.totalCalls())
}

func TestExecute_SubmitFailureIsPlainFailure(t *testing.T) {
	gw := &fakeGateway{
		ticker:   marketAt("50000"),
		placeErr: errors.New("venue rejected the order"),
	}
	ledger := &fakeLedger{}
	events := &fakeEvents{}
	engine := newTestEngine(gw, ledger).WithEvents(events)

	_, err := engine.Execute(context.Background(), buyRequest("1"))
	require.Error(t, err)

	var rErr *ReconciliationError
	require.False(t, errors.As(err, &rErr), "nothing executed yet, so no reconciliation")
	require.Zero(t, ledger.calls)
	require.Empty(t, events.reconciliation)
}

func TestExecute_BuyRejectedOnInsufficientQuoteFunds(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	fl := &fakeLedger{available: dec("100")} // buying 1 BTC needs ~51132.6 USD
	engine := newTestEngine(gw, fl)

	_, err := engine.Execute(context.Background(), buyRequest("1"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Zero(t, gw.placeCalls, "an unfunded order must never reach the venue")
}

func TestExecute_SellRejectedOnInsufficientBaseFunds(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	fl := &fakeLedger{available: dec("0.5")}
	engine := newTestEngine(gw, fl)

	req := buyRequest("2")
	req.Side = models.Sell

	_, err := engine.Execute(context.Background(), req)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Zero(t, gw.placeCalls)
}

func TestExecute_MissingBalanceRowRejectsOrder(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	fl := &fakeLedger{balErr: fmt.Errorf("storage.GetBalance: %w", postgres.ErrBalanceNotExists)}
	engine := newTestEngine(gw, fl)

	_, err := engine.Execute(context.Background(), buyRequest("1"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds,
		"no balance row reads the same as a zero balance")
	require.Zero(t, gw.placeCalls)
}

func TestExecute_UnknownSubmitOutcomeRequiresReconciliation(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("50000"),
		placeErr: &kraken.OrderOutcomeUnknownError{
			Endpoint: "/0/private/AddOrder",
			Err:      errors.New("request timed out"),
		},
	}
	fl := &fakeLedger{}
	events := &fakeEvents{}
	engine := newTestEngine(gw, fl).WithEvents(events)

	_, err := engine.Execute(context.Background(), buyRequest("1"))

	var rErr *ReconciliationError
	require.ErrorAs(t, err, &rErr, "the venue may hold a live order we never acked")
	require.Empty(t, rErr.OrderIds, "no order ids were ever received")
	require.Zero(t, fl.calls)
	require.Len(t, events.reconciliation, 1)
}

func TestExecute_ConfirmFailureRequiresReconciliation(t *testing.T) {
	gw := &fakeGateway{
		ticker:    marketAt("50000"),
		ack:       models.OrderAck{OrderIds: []string{"OID1", "OID2"}},
		statusErr: errors.New("status query timed out"),
	}
	ledger := &fakeLedger{}
	events := &fakeEvents{}
	engine := newTestEngine(gw, ledger).WithEvents(events)

	_, err := engine.Execute(context.Background(), buyRequest("1"))

	var rErr *ReconciliationError
	require.ErrorAs(t, err, &rErr, "a failure after submit is never a plain failure")
	require.Equal(t, []string{"OID1", "OID2"}, rErr.OrderIds)
	require.Equal(t, "alice", rErr.Username)
	require.Zero(t, ledger.calls, "no ledger write without a confirmed execution")
	require.Len(t, events.reconciliation, 1)
	require.Equal(t, []string{"OID1", "OID2"}, events.reconciliation[0])
}

func TestExecute_SettleFailureRequiresReconciliation(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("50000"),
		ack:    models.OrderAck{OrderIds: []string{"OID1"}},
		statuses: map[string]models.OrderInfo{
			"OID1": {Status: "closed", Price: dec("50000"), VolumeExecuted: dec("1")},
		},
		fills: []models.Fill{
			{OrderId: "OID1", Price: dec("50000"), Volume: dec("1")},
		},
	}
	ledger := &fakeLedger{err: errors.New("database gone")}
	events := &fakeEvents{}
	engine := newTestEngine(gw, ledger).WithEvents(events)

	_, err := engine.Execute(context.Background(), buyRequest("1"))

	var rErr *ReconciliationError
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, []string{"OID1"}, rErr.OrderIds)
	require.Len(t, events.reconciliation, 1)
}

func TestExecute_VWAPAcrossFills(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("101"),
		ack:    models.OrderAck{OrderIds: []string{"OID1"}},
		statuses: map[string]models.OrderInfo{
			"OID1": {Status: "closed", VolumeExecuted: dec("3")},
		},
		fills: []models.Fill{
			{OrderId: "OID1", Price: dec("100"), Volume: dec("2")},
			{OrderId: "OID1", Price: dec("103"), Volume: dec("1")},
		},
	}
	ledger := &fakeLedger{}
	engine := newTestEngine(gw, ledger)

	trade, err := engine.Execute(context.Background(), buyRequest("3"))
	require.NoError(t, err)
	require.True(t, trade.ExecutionPrice.Equal(dec("101")),
		"(100x2 + 103x1) / 3 = 101, got %s", trade.ExecutionPrice)
}

func TestExecute_ZeroVolumeFallsBackToQuotedPrice(t *testing.T) {
	gw := &fakeGateway{
		ticker: marketAt("250"),
		ack:    models.OrderAck{OrderIds: []string{"OID1"}},
		statuses: map[string]models.OrderInfo{
			"OID1": {Status: "closed", Price: dec("250")},
		},
		fills: nil,
	}
	ledger := &fakeLedger{}
	engine := newTestEngine(gw, ledger)

	trade, err := engine.Execute(context.Background(), buyRequest("1"))
	require.NoError(t, err)
	require.True(t, trade.ExecutionPrice.Equal(dec("250")))
}

func TestExecute_ConfirmPollsWhilePending(t *testing.T) {
	gw := &pendingGateway{
		fakeGateway: fakeGateway{
			ticker: marketAt("50000"),
			ack:    models.OrderAck{OrderIds: []string{"OID1"}},
			fills: []models.Fill{
				{OrderId: "OID1", Price: dec("50000"), Volume: dec("1")},
			},
		},
		pendingFor: 2,
	}
	ledger := &fakeLedger{}
	engine := newTestEngine(&gw.fakeGateway, ledger)
	engine.gateway = gw

	trade, err := engine.Execute(context.Background(), buyRequest("1"))
	require.NoError(t, err)
	require.Equal(t, 3, gw.statusCalls, "two pending polls then a terminal one")
	require.True(t, trade.ExecutionPrice.Equal(dec("50000")))
}

// pendingGateway reports "pending" for the first N status queries.
type pendingGateway struct {
	fakeGateway
	pendingFor int
}

func (g *pendingGateway) GetOrderStatus(ctx context.Context, orderIds []string) (map[string]models.OrderInfo, json.RawMessage, error) {
	g.statusCalls++
	if g.statusCalls <= g.pendingFor {
		return map[string]models.OrderInfo{"OID1": {Status: "pending"}}, json.RawMessage(`{}`), nil
	}
	return map[string]models.OrderInfo{"OID1": {Status: "closed", VolumeExecuted: dec("1")}}, json.RawMessage(`{}`), nil
}

func TestSimulate_NeverSubmits(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	ledger := &fakeLedger{}
	engine := newTestEngine(gw, ledger)

	sim, err := engine.Simulate(context.Background(), buyRequest("1.5"))
	require.NoError(t, err)

	require.True(t, sim.EstimatedPrice.Equal(dec("51000")))
	require.True(t, sim.EstimatedTotal.Equal(dec("76500")))
	require.True(t, sim.EstimatedFee.Equal(dec("198.9")))

	require.Equal(t, 1, gw.tickerCalls)
	require.Zero(t, gw.placeCalls, "simulate stops at pricing")
	require.Zero(t, ledger.calls)
}

type fakeCache struct {
	price decimal.Decimal
	err   error
}

func (c *fakeCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return c.price, c.err
}

func TestSimulate_PriceDriftWarning(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	engine := newTestEngine(gw, &fakeLedger{})
	engine.cfg.PriceDriftWarnPct = dec("0.01")
	engine.WithStreamCache(&fakeCache{price: dec("45000")})

	sim, err := engine.Simulate(context.Background(), buyRequest("1"))
	require.NoError(t, err)
	require.NotEmpty(t, sim.Warnings)
}

func TestSimulate_AmountNearMinimumWarning(t *testing.T) {
	gw := &fakeGateway{ticker: marketAt("50000")}
	engine := newTestEngine(gw, &fakeLedger{})

	sim, err := engine.Simulate(context.Background(), buyRequest("0.01"))
	require.NoError(t, err)
	require.NotEmpty(t, sim.Warnings)
}
