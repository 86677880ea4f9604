package execution

import (
	"Brokerage/internal/domain/models"
	"Brokerage/internal/kraken"
	"Brokerage/internal/services/ledger"
	"Brokerage/internal/storage/postgres"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// State names for one execution's lifecycle. Failed is reachable from
// every state; ReconciliationRequired whenever the venue may hold a
// live execution the local ledger has not recorded: a confirm or
// settle failure, or a submission whose outcome stayed unresolved.
type State string

const (
	StateValidating             State = "validating"
	StatePricing                State = "pricing"
	StateSubmitting             State = "submitting"
	StateConfirming             State = "confirming"
	StateSettling               State = "settling"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
	StateReconciliationRequired State = "reconciliation_required"
)

// ExchangeGateway is the venue surface the engine drives. Implemented
// by kraken.Client.
type ExchangeGateway interface {
	GetTicker(ctx context.Context, symbol string) (models.MarketPrice, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, volume decimal.Decimal) (models.OrderAck, error)
	GetOrderStatus(ctx context.Context, orderIds []string) (map[string]models.OrderInfo, json.RawMessage, error)
	GetTradeHistory(ctx context.Context, orderIds []string) ([]models.Fill, json.RawMessage, error)
}

// PricingStrategy produces the market snapshot an execution prices
// against.
type PricingStrategy interface {
	Price(ctx context.Context, symbol string) (models.MarketPrice, error)
}

// TickerPricing prices off the venue's own ticker.
type TickerPricing struct {
	Gateway ExchangeGateway
}

func (p TickerPricing) Price(ctx context.Context, symbol string) (models.MarketPrice, error) {
	return p.Gateway.GetTicker(ctx, symbol)
}

// Store is the read side of the persistence layer the engine needs.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetTradingPair(ctx context.Context, symbol string) (models.TradingPair, error)
}

// Settler applies one trade's balance mutations and record inserts as
// a single atomic unit, and serves balance reads for the pre-submit
// funds check.
type Settler interface {
	SettleTrade(ctx context.Context, trade models.Trade, debit, credit models.LedgerEntry) (models.Trade, error)
	GetBalance(ctx context.Context, userId int64, currency string) (models.Balance, error)
}

// EventPublisher fan-outs trade lifecycle events. Optional; a nil
// publisher disables publishing.
type EventPublisher interface {
	PublishTradeCompleted(ctx context.Context, trade models.Trade) error
	PublishReconciliation(ctx context.Context, username, symbol string, orderIds []string) error
}

// StreamCache serves the last streamed price, used by Simulate to warn
// about drift between REST and stream prices. Optional.
type StreamCache interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Config struct {
	FeeRate           decimal.Decimal
	ConfirmAttempts   int
	ConfirmInterval   time.Duration
	PriceDriftWarnPct decimal.Decimal
}

// Engine orchestrates one market-order execution end to end:
// validate, price, submit, confirm, settle. Repeated calls with the
// same TradeRequest are not deduplicated; callers needing exactly-once
// semantics must manage their own idempotency keys.
type Engine struct {
	log     *slog.Logger
	store   Store
	gateway ExchangeGateway
	pricing PricingStrategy
	spread  SpreadPolicy
	ledger  Settler
	events  EventPublisher
	cache   StreamCache
	cfg     Config
}

func New(log *slog.Logger, store Store, gateway ExchangeGateway, pricing PricingStrategy, spread SpreadPolicy, ledger Settler, cfg Config) *Engine {
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 5
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = time.Second
	}
	return &Engine{
		log:     log,
		store:   store,
		gateway: gateway,
		pricing: pricing,
		spread:  spread,
		ledger:  ledger,
		cfg:     cfg,
	}
}

// WithEvents attaches an event publisher.
func (e *Engine) WithEvents(events EventPublisher) *Engine {
	e.events = events
	return e
}

// WithStreamCache attaches a stream-price cache for simulation
// warnings.
func (e *Engine) WithStreamCache(cache StreamCache) *Engine {
	e.cache = cache
	return e
}

// Execute runs the full state machine for one trade request.
func (e *Engine) Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	const op = "execution.Execute"
	log := e.log.With("op", op, "user", req.Username, "symbol", req.Symbol, "side", req.Side)

	// Validating: no side effects.
	user, pair, err := e.validate(ctx, req)
	if err != nil {
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}

	// Pricing.
	mp, err := e.pricing.Price(ctx, req.Symbol)
	if err != nil {
		log.Error("pricing failed", "error", err)
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}

	// Pre-submit funds check off the market snapshot, so an order the
	// ledger can never settle is rejected before it reaches the venue.
	if err := e.checkFunds(ctx, req, user, pair, mp); err != nil {
		log.Warn("funds check rejected the order", "error", err)
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}

	// Submitting: a rejection reported by the venue means nothing
	// executed. An undetermined outcome is routed to reconciliation,
	// because the order may be live without us holding its ids.
	ack, err := e.gateway.PlaceMarketOrder(ctx, req.Symbol, req.Side, req.Amount)
	if err != nil {
		var unknown *kraken.OrderOutcomeUnknownError
		if errors.As(err, &unknown) {
			return models.Trade{}, e.reconciliationFailure(ctx, req, nil, err)
		}
		log.Error("order submission failed", "error", err)
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}

	// Confirming: from here on the venue may hold real value, so a
	// failure is a reconciliation case, never a plain failure.
	exec, err := e.confirm(ctx, ack)
	if err != nil {
		return models.Trade{}, e.reconciliationFailure(ctx, req, ack.OrderIds, err)
	}

	// Settling.
	trade, debit, credit := e.buildSettlement(req, user, pair, exec)
	settled, err := e.ledger.SettleTrade(ctx, trade, debit, credit)
	if err != nil {
		return models.Trade{}, e.reconciliationFailure(ctx, req, ack.OrderIds, err)
	}

	if e.events != nil {
		if err := e.events.PublishTradeCompleted(ctx, settled); err != nil {
			log.Warn("failed to publish completed trade", "trade_id", settled.Id, "error", err)
		}
	}

	log.Info("trade completed",
		"trade_id", settled.Id,
		"execution_price", settled.ExecutionPrice,
		"client_price", settled.ClientPrice,
		"total", settled.TotalValue)
	return settled, nil
}

// Simulate performs Pricing only and reports the client-facing
// estimate. Never submits anything.
func (e *Engine) Simulate(ctx context.Context, req models.TradeRequest) (models.Simulation, error) {
	const op = "execution.Simulate"

	_, pair, err := e.validate(ctx, req)
	if err != nil {
		return models.Simulation{}, fmt.Errorf("%s: %w", op, err)
	}

	mp, err := e.pricing.Price(ctx, req.Symbol)
	if err != nil {
		return models.Simulation{}, fmt.Errorf("%s: %w", op, err)
	}

	sr := e.spread.Adjust(mp.Mid, pair.SpreadPercentage, req.Side)
	total := roundHalfUp(req.Amount.Mul(sr.ClientPrice))
	fee := Fee(total, e.cfg.FeeRate)

	sim := models.Simulation{
		EstimatedPrice: sr.ClientPrice,
		EstimatedTotal: total,
		EstimatedFee:   fee,
		Warnings:       e.simulationWarnings(ctx, req, pair, mp),
	}
	return sim, nil
}

func (e *Engine) simulationWarnings(ctx context.Context, req models.TradeRequest, pair models.TradingPair, mp models.MarketPrice) []string {
	var warnings []string

	if e.cache != nil && e.cfg.PriceDriftWarnPct.IsPositive() {
		if stream, err := e.cache.GetPrice(ctx, req.Symbol); err == nil && stream.IsPositive() {
			drift := mp.Mid.Sub(stream).Abs().Div(stream)
			if drift.GreaterThan(e.cfg.PriceDriftWarnPct) {
				warnings = append(warnings, fmt.Sprintf(
					"rest price %s diverges from stream price %s by more than %s%%",
					mp.Mid, stream, e.cfg.PriceDriftWarnPct.Mul(decimal.NewFromInt(100))))
			}
		}
	}

	margin := pair.MinTradeAmount.Mul(decimal.NewFromFloat(1.1))
	if req.Amount.LessThanOrEqual(margin) {
		warnings = append(warnings, "amount is close to the pair minimum")
	}
	if pair.MaxTradeAmount.IsPositive() {
		upper := pair.MaxTradeAmount.Mul(decimal.NewFromFloat(0.9))
		if req.Amount.GreaterThanOrEqual(upper) {
			warnings = append(warnings, "amount is close to the pair maximum")
		}
	}
	return warnings
}

func (e *Engine) validate(ctx context.Context, req models.TradeRequest) (models.User, models.TradingPair, error) {
	if req.Side != models.Buy && req.Side != models.Sell {
		return models.User{}, models.TradingPair{}, &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if req.OrderType != models.Market {
		return models.User{}, models.TradingPair{}, &ValidationError{Field: "order_type", Reason: "only market orders are supported"}
	}
	if !req.Amount.IsPositive() {
		return models.User{}, models.TradingPair{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	user, err := e.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return models.User{}, models.TradingPair{}, err
	}

	pair, err := e.store.GetTradingPair(ctx, req.Symbol)
	if err != nil {
		return models.User{}, models.TradingPair{}, err
	}
	if !pair.IsActive {
		return models.User{}, models.TradingPair{}, &ValidationError{Field: "symbol", Reason: "trading pair is not active"}
	}
	if req.Amount.LessThan(pair.MinTradeAmount) {
		return models.User{}, models.TradingPair{}, &ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("below pair minimum %s", pair.MinTradeAmount),
		}
	}
	if pair.MaxTradeAmount.IsPositive() && req.Amount.GreaterThan(pair.MaxTradeAmount) {
		return models.User{}, models.TradingPair{}, &ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("above pair maximum %s", pair.MaxTradeAmount),
		}
	}

	return user, pair, nil
}

// checkFunds estimates the settlement requirement from the market
// snapshot and rejects the order when the available balance cannot
// cover it. The authoritative check still runs inside the settlement
// transaction under the row lock.
func (e *Engine) checkFunds(ctx context.Context, req models.TradeRequest, user models.User, pair models.TradingPair, mp models.MarketPrice) error {
	currency := pair.BaseCurrency
	need := req.Amount
	if req.Side == models.Buy {
		sr := e.spread.Adjust(mp.Mid, pair.SpreadPercentage, models.Buy)
		total := roundHalfUp(req.Amount.Mul(sr.ClientPrice))
		currency = pair.QuoteCurrency
		need = total.Add(Fee(total, e.cfg.FeeRate))
	}

	balance, err := e.ledger.GetBalance(ctx, user.Id, currency)
	if err != nil {
		if errors.Is(err, postgres.ErrBalanceNotExists) {
			return fmt.Errorf("no %s balance: %w", currency, ledger.ErrInsufficientFunds)
		}
		return err
	}
	if balance.Available.LessThan(need) {
		return fmt.Errorf("%s available %s, need %s: %w", currency, balance.Available, need, ledger.ErrInsufficientFunds)
	}
	return nil
}

// confirm polls order status and trade history until the order
// reaches a terminal state, then computes the volume-weighted average
// execution price across its fills. A timeout here is an unknown
// outcome, not a failure: the caller routes it to reconciliation.
func (e *Engine) confirm(ctx context.Context, ack models.OrderAck) (models.ExchangeExecution, error) {
	const op = "execution.confirm"
	log := e.log.With("op", op, "order_ids", ack.OrderIds)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.ConfirmAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return models.ExchangeExecution{}, fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(e.cfg.ConfirmInterval):
			}
		}

		statuses, rawStatus, err := e.gateway.GetOrderStatus(ctx, ack.OrderIds)
		if err != nil {
			lastErr = err
			log.Warn("order status query failed", "attempt", attempt, "error", err)
			continue
		}

		if pending(statuses) && attempt < e.cfg.ConfirmAttempts {
			lastErr = fmt.Errorf("order still pending")
			continue
		}

		fills, rawTrades, err := e.gateway.GetTradeHistory(ctx, ack.OrderIds)
		if err != nil {
			lastErr = err
			log.Warn("trade history query failed", "attempt", attempt, "error", err)
			continue
		}

		return buildExecution(ack, statuses, fills, rawStatus, rawTrades)
	}

	return models.ExchangeExecution{}, fmt.Errorf("%s: confirmation not resolved after %d attempts: %w", op, e.cfg.ConfirmAttempts, lastErr)
}

func pending(statuses map[string]models.OrderInfo) bool {
	for _, s := range statuses {
		if s.Status == "pending" || s.Status == "open" {
			return true
		}
	}
	return false
}

// buildExecution computes the VWAP across constituent fills, falling
// back to the order's quoted price when nothing filled yet.
func buildExecution(ack models.OrderAck, statuses map[string]models.OrderInfo, fills []models.Fill, rawStatus, rawTrades json.RawMessage) (models.ExchangeExecution, error) {
	var totalCost, totalVolume, totalFee decimal.Decimal
	for _, f := range fills {
		totalCost = totalCost.Add(f.Price.Mul(f.Volume))
		totalVolume = totalVolume.Add(f.Volume)
		totalFee = totalFee.Add(f.Fee)
	}

	exec := models.ExchangeExecution{
		OrderIds:        ack.OrderIds,
		ExecutedVolume:  totalVolume,
		ExchangeFee:     totalFee,
		RawOrderStatus:  rawStatus,
		RawTradeHistory: rawTrades,
		Timestamp:       time.Now(),
	}

	for _, s := range statuses {
		exec.Status = s.Status
		break
	}

	if totalVolume.IsPositive() {
		exec.ExecutionPrice = totalCost.Div(totalVolume)
		return exec, nil
	}

	for _, s := range statuses {
		if s.Price.IsPositive() {
			exec.ExecutionPrice = s.Price
			return exec, nil
		}
	}
	return models.ExchangeExecution{}, fmt.Errorf("no fills and no quoted price for orders %v", ack.OrderIds)
}

// buildSettlement derives the client-facing amounts and the two ledger
// legs. Debit leg first, credit leg second.
func (e *Engine) buildSettlement(req models.TradeRequest, user models.User, pair models.TradingPair, exec models.ExchangeExecution) (models.Trade, models.LedgerEntry, models.LedgerEntry) {
	sr := e.spread.Adjust(exec.ExecutionPrice, pair.SpreadPercentage, req.Side)
	clientTotal := roundHalfUp(req.Amount.Mul(sr.ClientPrice))
	fee := Fee(clientTotal, e.cfg.FeeRate)

	trade := models.Trade{
		UserId:           user.Id,
		PairId:           pair.Id,
		Side:             req.Side,
		Amount:           req.Amount,
		ClientPrice:      sr.ClientPrice,
		ExecutionPrice:   exec.ExecutionPrice,
		TotalValue:       clientTotal,
		FeeAmount:        fee,
		SpreadAmount:     roundHalfUp(sr.SpreadPerUnit.Mul(req.Amount)),
		Status:           models.TradeCompleted,
		ExchangeOrderIds: exec.OrderIds,
		CreatedAt:        time.Now(),
	}

	var debit, credit models.LedgerEntry
	if req.Side == models.Buy {
		// debit quote by total+fee, credit base by amount
		debit = models.LedgerEntry{
			UserId:   user.Id,
			Currency: pair.QuoteCurrency,
			Amount:   clientTotal.Add(fee).Neg(),
			Type:     models.TxTradeBuy,
		}
		credit = models.LedgerEntry{
			UserId:   user.Id,
			Currency: pair.BaseCurrency,
			Amount:   req.Amount,
			Type:     models.TxTradeBuy,
		}
	} else {
		// debit base by amount, credit quote by total-fee
		debit = models.LedgerEntry{
			UserId:   user.Id,
			Currency: pair.BaseCurrency,
			Amount:   req.Amount.Neg(),
			Type:     models.TxTradeSell,
		}
		credit = models.LedgerEntry{
			UserId:   user.Id,
			Currency: pair.QuoteCurrency,
			Amount:   clientTotal.Sub(fee),
			Type:     models.TxTradeSell,
		}
	}
	return trade, debit, credit
}

// reconciliationFailure marks the distinguished terminal state where
// the venue executed but the ledger did not record. Logged on its own
// critical line so it can be alerted on separately, never retried.
func (e *Engine) reconciliationFailure(ctx context.Context, req models.TradeRequest, orderIds []string, cause error) error {
	rerr := &ReconciliationError{
		Username: req.Username,
		Symbol:   req.Symbol,
		OrderIds: orderIds,
		Err:      cause,
	}

	e.log.Error("RECONCILIATION REQUIRED: exchange executed but local ledger not updated",
		"user", req.Username,
		"symbol", req.Symbol,
		"side", req.Side,
		"amount", req.Amount,
		"exchange_order_ids", orderIds,
		"cause", cause)

	if e.events != nil {
		if err := e.events.PublishReconciliation(ctx, req.Username, req.Symbol, orderIds); err != nil {
			e.log.Error("failed to publish reconciliation event", "order_ids", orderIds, "error", err)
		}
	}
	return rerr
}
