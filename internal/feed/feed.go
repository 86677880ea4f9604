package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"Brokerage/internal/domain/models"
	"Brokerage/internal/kraken"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	reconnectDelay   = 5 * time.Second
)

// PriceSink receives every ticker update the feed decodes.
type PriceSink interface {
	SavePrice(ctx context.Context, symbol string, price decimal.Decimal) error
}

// PricePublisher republishes updates on the broker. Optional.
type PricePublisher interface {
	PublishPrice(ctx context.Context, update models.PriceUpdate) error
}

// Feed consumes the venue's public ticker stream for the configured
// pairs and pushes last prices into the cache and the broker. When a
// token manager is attached it also follows the private ownTrades
// stream on the authenticated endpoint.
type Feed struct {
	log       *slog.Logger
	url       string
	authURL   string
	pairs     []string
	symbols   *kraken.SymbolMapper
	tokens    *kraken.TokenManager
	cache     PriceSink
	publisher PricePublisher
}

func New(log *slog.Logger, url string, pairs []string, symbols *kraken.SymbolMapper, cache PriceSink, publisher PricePublisher) *Feed {
	return &Feed{
		log:       log,
		url:       url,
		pairs:     pairs,
		symbols:   symbols,
		cache:     cache,
		publisher: publisher,
	}
}

// WithOwnTrades enables the authenticated ownTrades stream.
func (f *Feed) WithOwnTrades(authURL string, tokens *kraken.TokenManager) *Feed {
	f.authURL = authURL
	f.tokens = tokens
	return f
}

// Run drives the connect/subscribe/read loops until the context is
// cancelled, reconnecting with a fixed delay on stream errors.
func (f *Feed) Run(ctx context.Context) {
	const op = "feed.Run"
	log := f.log.With("op", op)

	if f.tokens != nil {
		go f.runLoop(ctx, f.consumeOwnTrades)
	}
	f.runLoop(ctx, f.consume)
	log.Info("feed stopped")
}

func (f *Feed) runLoop(ctx context.Context, consume func(context.Context) error) {
	for {
		if err := consume(ctx); err != nil && ctx.Err() == nil {
			f.log.Error("feed connection lost, reconnecting", "delay", reconnectDelay, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consumeOwnTrades follows the venue's authoritative record of our
// fills. Auth uses the shared websocket token; the token manager is
// asked to force-refresh after an authentication failure.
func (f *Feed) consumeOwnTrades(ctx context.Context) error {
	token, err := f.tokens.GetToken(ctx, false)
	if err != nil {
		return fmt.Errorf("get websocket token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.authURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.authURL, err)
	}
	defer conn.Close()

	sub := kraken.NewSubscribeMessage(nil, kraken.WSSubscription{Name: "ownTrades", Token: token})
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe ownTrades: %w", err)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if isAuthRejection(payload) {
			if _, err := f.tokens.GetToken(ctx, true); err != nil {
				return fmt.Errorf("force token refresh: %w", err)
			}
			return fmt.Errorf("ownTrades subscription rejected, token refreshed")
		}
		f.log.Debug("ownTrades update", "payload_bytes", len(payload))
	}
}

func isAuthRejection(payload []byte) bool {
	var event struct {
		Event  string `json:"event"`
		Status string `json:"status"`
		Error  string `json:"errorMessage"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return false
	}
	return event.Event == "subscriptionStatus" && event.Status == "error"
}

func (f *Feed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	wsPairs, err := f.feedPairs()
	if err != nil {
		return err
	}

	sub := kraken.NewSubscribeMessage(wsPairs, kraken.WSSubscription{Name: "ticker"})
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("subscribed to ticker stream", "pairs", wsPairs)

	// the watcher must die with its connection, not outlive it: the
	// read loop below can return long before the context is done
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		unsub := kraken.NewUnsubscribeMessage(wsPairs, kraken.WSSubscription{Name: "ticker"})
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteJSON(unsub)
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(ctx, payload)
	}
}

// feedPairs maps internal symbols to the stream's slash-separated pair
// names (the v1 stream uses "XBT/USD" style, not "XBTUSD").
func (f *Feed) feedPairs() ([]string, error) {
	pairs := make([]string, 0, len(f.pairs))
	for _, symbol := range f.pairs {
		canonical, err := f.symbols.Normalize(symbol)
		if err != nil {
			return nil, err
		}
		pair, err := f.symbols.ToExchange(canonical)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, streamName(pair, canonical))
	}
	return pairs, nil
}

func streamName(pair, canonical string) string {
	// reinsert the separator at the canonical split point
	for i := range canonical {
		if canonical[i] == '/' {
			quoteLen := len(canonical) - i - 1
			return pair[:len(pair)-quoteLen] + "/" + pair[len(pair)-quoteLen:]
		}
	}
	return pair
}

// handleMessage decodes channel messages of the form
// [chanID, {"b":[...],"a":[...],"c":[...]}, "ticker", "XBT/USD"].
// Event objects (heartbeats, subscription acks) are ignored.
func (f *Feed) handleMessage(ctx context.Context, payload []byte) {
	if len(payload) == 0 || payload[0] != '[' {
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame) < 4 {
		return
	}

	var channel, pair string
	if err := json.Unmarshal(frame[2], &channel); err != nil || channel != "ticker" {
		return
	}
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return
	}

	var ticker struct {
		Last []string `json:"c"`
	}
	if err := json.Unmarshal(frame[1], &ticker); err != nil || len(ticker.Last) == 0 {
		return
	}
	price, err := decimal.NewFromString(ticker.Last[0])
	if err != nil {
		return
	}

	symbol, err := f.symbols.ToInternal(removeSeparator(pair))
	if err != nil {
		f.log.Warn("unmapped stream pair", "pair", pair)
		return
	}

	if err := f.cache.SavePrice(ctx, symbol, price); err != nil {
		f.log.Error("failed to cache stream price", "symbol", symbol, "error", err)
	}
	if f.publisher != nil {
		update := models.PriceUpdate{Symbol: symbol, Price: price.String()}
		if err := f.publisher.PublishPrice(ctx, update); err != nil {
			f.log.Error("failed to publish stream price", "symbol", symbol, "error", err)
		}
	}
}

func removeSeparator(pair string) string {
	out := make([]byte, 0, len(pair))
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			continue
		}
		out = append(out, pair[i])
	}
	return string(out)
}
