package kraken

import (
	"Brokerage/internal/domain/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	endpointTime         = "/0/public/Time"
	endpointSystemStatus = "/0/public/SystemStatus"
	endpointTicker       = "/0/public/Ticker"
	endpointAddOrder     = "/0/private/AddOrder"
	endpointQueryOrders  = "/0/private/QueryOrders"
	endpointOpenOrders   = "/0/private/OpenOrders"
	endpointClosedOrders = "/0/private/ClosedOrders"
	endpointTrades       = "/0/private/TradesHistory"
	endpointBalance      = "/0/private/Balance"
)

// Client is the façade over the venue's REST API: market data, order
// placement, order/trade status and balances.
type Client struct {
	transport *Transport
	symbols   *SymbolMapper
	log       *slog.Logger
	userref   atomic.Int64
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	c := &Client{
		transport: NewTransport(cfg, log),
		symbols:   NewSymbolMapper(),
		log:       log,
	}
	c.userref.Store(time.Now().Unix())
	return c
}

// nextUserref returns a client-side reference id attached to every
// submitted order, so an order whose response was lost can still be
// located on the venue.
func (c *Client) nextUserref() int64 {
	return c.userref.Add(1)
}

func (c *Client) Close() {
	c.transport.Close()
}

// Transport exposes the underlying transport for collaborators that
// share it, such as the token manager.
func (c *Client) Transport() *Transport {
	return c.transport
}

func (c *Client) Symbols() *SymbolMapper {
	return c.symbols
}

type tickerPayload struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	VWAP   []string `json:"p"`
	Trades []int64  `json:"t"`
	Low    []string `json:"l"`
	High   []string `json:"h"`
}

// GetTicker fetches a fresh market snapshot for one symbol. Snapshots
// are ephemeral; callers must not reuse one across an order lifetime.
func (c *Client) GetTicker(ctx context.Context, symbol string) (models.MarketPrice, error) {
	const op = "kraken.GetTicker"
	log := c.log.With("op", op, "symbol", symbol)

	pair, err := c.symbols.ToExchange(symbol)
	if err != nil {
		return models.MarketPrice{}, fmt.Errorf("%s: %w", op, err)
	}

	params := url.Values{"pair": {pair}}
	raw, err := c.transport.Request(ctx, http.MethodGet, endpointTicker, params, false)
	if err != nil {
		log.Error("ticker request failed", "error", err)
		return models.MarketPrice{}, fmt.Errorf("%s: %w", op, err)
	}

	var result map[string]tickerPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.MarketPrice{}, fmt.Errorf("%s: decode ticker: %w", op, err)
	}

	for _, t := range result {
		return parseTicker(t)
	}
	return models.MarketPrice{}, &ExchangeError{Endpoint: endpointTicker, Message: "empty ticker result for " + pair}
}

func parseTicker(t tickerPayload) (models.MarketPrice, error) {
	bid, err := firstDecimal(t.Bid, "b")
	if err != nil {
		return models.MarketPrice{}, err
	}
	ask, err := firstDecimal(t.Ask, "a")
	if err != nil {
		return models.MarketPrice{}, err
	}
	last, err := firstDecimal(t.Last, "c")
	if err != nil {
		return models.MarketPrice{}, err
	}

	mp := models.MarketPrice{
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		Last:      last,
		FetchedAt: time.Now(),
	}
	if v, err := secondDecimal(t.Volume); err == nil {
		mp.Volume24h = v
	}
	if v, err := secondDecimal(t.VWAP); err == nil {
		mp.VWAP24h = v
	}
	if len(t.Trades) > 1 {
		mp.Trades24h = t.Trades[1]
	}
	if v, err := secondDecimal(t.Low); err == nil {
		mp.Low24h = v
	}
	if v, err := secondDecimal(t.High); err == nil {
		mp.High24h = v
	}
	return mp, nil
}

func firstDecimal(values []string, field string) (decimal.Decimal, error) {
	if len(values) == 0 {
		return decimal.Zero, fmt.Errorf("ticker field %q is empty", field)
	}
	return decimal.NewFromString(values[0])
}

func secondDecimal(values []string) (decimal.Decimal, error) {
	if len(values) < 2 {
		return decimal.Zero, fmt.Errorf("ticker field has no 24h value")
	}
	return decimal.NewFromString(values[1])
}

// GetCurrentPrice returns the mid price (bid+ask)/2 for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	mp, err := c.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return mp.Mid, nil
}

// PlaceMarketOrder submits a market order. The submission goes out
// exactly once: placement is not idempotent, and a request that timed
// out may already have executed. When the transport cannot say whether
// the order reached the venue, the outcome is resolved by looking the
// order up via its userref instead of assuming failure.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, volume decimal.Decimal) (models.OrderAck, error) {
	const op = "kraken.PlaceMarketOrder"
	log := c.log.With("op", op, "symbol", symbol, "side", side)

	pair, err := c.symbols.ToExchange(symbol)
	if err != nil {
		return models.OrderAck{}, fmt.Errorf("%s: %w", op, err)
	}

	userref := c.nextUserref()
	params := url.Values{
		"pair":      {pair},
		"type":      {string(side)},
		"ordertype": {"market"},
		"volume":    {volume.String()},
		"userref":   {strconv.FormatInt(userref, 10)},
	}
	raw, err := c.transport.RequestOnce(ctx, http.MethodPost, endpointAddOrder, params, true)
	if err != nil {
		if !submitOutcomeUnknown(err) {
			log.Error("order placement rejected", "error", err)
			return models.OrderAck{}, fmt.Errorf("%s: %w", op, err)
		}

		ids, resolveErr := c.findOrdersByUserref(ctx, userref)
		if resolveErr != nil {
			log.Error("order submission unresolved", "userref", userref, "submit_error", err, "resolve_error", resolveErr)
			return models.OrderAck{}, &OrderOutcomeUnknownError{Endpoint: endpointAddOrder, Err: err}
		}
		if len(ids) == 0 {
			log.Warn("order submission failed before reaching the venue", "error", err)
			return models.OrderAck{}, fmt.Errorf("%s: %w", op, err)
		}

		log.Warn("order submission resolved after transport failure", "userref", userref, "txids", ids)
		return models.OrderAck{OrderIds: ids}, nil
	}

	var result struct {
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.OrderAck{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if len(result.TxID) == 0 {
		return models.OrderAck{}, &OrderError{Endpoint: endpointAddOrder, Message: "venue returned no transaction ids"}
	}

	log.Info("order placed", "txids", result.TxID, "descr", result.Descr.Order)
	return models.OrderAck{OrderIds: result.TxID, Description: result.Descr.Order}, nil
}

// submitOutcomeUnknown reports whether a submission failure leaves the
// venue-side outcome undetermined: the request may have been processed
// even though its response never arrived.
func submitOutcomeUnknown(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// findOrdersByUserref queries open and closed orders for the given
// userref to determine whether a submission reached the venue.
func (c *Client) findOrdersByUserref(ctx context.Context, userref int64) ([]string, error) {
	const op = "kraken.findOrdersByUserref"

	var ids []string
	for _, endpoint := range []string{endpointOpenOrders, endpointClosedOrders} {
		params := url.Values{"userref": {strconv.FormatInt(userref, 10)}}
		raw, err := c.transport.Request(ctx, http.MethodPost, endpoint, params, true)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		var result struct {
			Open   map[string]json.RawMessage `json:"open"`
			Closed map[string]json.RawMessage `json:"closed"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
		for id := range result.Open {
			ids = append(ids, id)
		}
		for id := range result.Closed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type orderPayload struct {
	Status  string          `json:"status"`
	Price   decimal.Decimal `json:"price"`
	VolExec decimal.Decimal `json:"vol_exec"`
	Cost    decimal.Decimal `json:"cost"`
	Fee     decimal.Decimal `json:"fee"`
}

// GetOrderStatus queries the state of one or more orders. The raw
// payload is returned alongside the parsed view for audit storage.
func (c *Client) GetOrderStatus(ctx context.Context, orderIds []string) (map[string]models.OrderInfo, json.RawMessage, error) {
	const op = "kraken.GetOrderStatus"

	params := url.Values{"txid": {strings.Join(orderIds, ",")}, "trades": {"true"}}
	raw, err := c.transport.Request(ctx, http.MethodPost, endpointQueryOrders, params, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	var result map[string]orderPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("%s: decode response: %w", op, err)
	}

	statuses := make(map[string]models.OrderInfo, len(result))
	for id, o := range result {
		statuses[id] = models.OrderInfo{
			Status:         o.Status,
			Price:          o.Price,
			VolumeExecuted: o.VolExec,
			Cost:           o.Cost,
			Fee:            o.Fee,
		}
	}
	return statuses, raw, nil
}

type tradePayload struct {
	OrderTxID string          `json:"ordertxid"`
	Price     decimal.Decimal `json:"price"`
	Vol       decimal.Decimal `json:"vol"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
}

// GetTradeHistory returns the fills belonging to the given orders. The
// order ids go into the signed body so the venue scopes the result to
// them; the client-side filter drops unrelated fills sharing a page.
func (c *Client) GetTradeHistory(ctx context.Context, orderIds []string) ([]models.Fill, json.RawMessage, error) {
	const op = "kraken.GetTradeHistory"

	params := url.Values{"txid": {strings.Join(orderIds, ",")}}
	raw, err := c.transport.Request(ctx, http.MethodPost, endpointTrades, params, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	var result struct {
		Trades map[string]tradePayload `json:"trades"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("%s: decode response: %w", op, err)
	}

	wanted := make(map[string]bool, len(orderIds))
	for _, id := range orderIds {
		wanted[id] = true
	}

	var fills []models.Fill
	for _, t := range result.Trades {
		if !wanted[t.OrderTxID] {
			continue
		}
		fills = append(fills, models.Fill{
			OrderId: t.OrderTxID,
			Price:   t.Price,
			Volume:  t.Vol,
			Cost:    t.Cost,
			Fee:     t.Fee,
		})
	}
	return fills, raw, nil
}

// GetAccountBalance returns the venue-side balance per asset.
func (c *Client) GetAccountBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	const op = "kraken.GetAccountBalance"

	raw, err := c.transport.Request(ctx, http.MethodPost, endpointBalance, nil, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var result map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return result, nil
}

// SystemStatus returns the venue's reported operational status.
func (c *Client) SystemStatus(ctx context.Context) (string, error) {
	const op = "kraken.SystemStatus"

	raw, err := c.transport.Request(ctx, http.MethodGet, endpointSystemStatus, nil, false)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	return result.Status, nil
}

// ValidateConnection probes the public Time endpoint, then a private
// endpoint when credentials are configured. nil means both reachable.
func (c *Client) ValidateConnection(ctx context.Context) error {
	const op = "kraken.ValidateConnection"
	log := c.log.With("op", op)

	if _, err := c.transport.Request(ctx, http.MethodGet, endpointTime, nil, false); err != nil {
		log.Error("public endpoint probe failed", "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	if !c.transport.HasCredentials() {
		log.Warn("no credentials configured, skipping private endpoint probe")
		return nil
	}

	if _, err := c.transport.Request(ctx, http.MethodPost, endpointBalance, nil, true); err != nil {
		log.Error("private endpoint probe failed", "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("exchange connection validated")
	return nil
}
