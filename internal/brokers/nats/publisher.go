package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"Brokerage/internal/domain/models"
)

const (
	tradesStream  = "TRADES-STREAM"
	pricesStream  = "PRICES-STREAM"
	subjectTrades = "trades.completed"
	subjectRecon  = "trades.reconciliation"
	subjectPrices = "prices."
)

// Publisher fans trade lifecycle and price events out over JetStream.
type Publisher struct {
	log *slog.Logger
	js  nats.JetStreamContext
}

func New(nc *nats.Conn, log *slog.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	for _, cfg := range []*nats.StreamConfig{
		{Name: tradesStream, Subjects: []string{"trades.*"}},
		{Name: pricesStream, Subjects: []string{"prices.*"}},
	} {
		if _, err := js.AddStream(cfg); err != nil {
			return nil, fmt.Errorf("add stream %s: %w", cfg.Name, err)
		}
	}

	return &Publisher{log: log, js: js}, nil
}

func (p *Publisher) publish(subject string, msg any) error {
	const op = "nats.publish"

	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshalling message", "op", op, "subject", subject, "error", err)
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		p.log.Error("publishing message", "op", op, "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) PublishTradeCompleted(_ context.Context, trade models.Trade) error {
	return p.publish(subjectTrades, trade)
}

type reconciliationEvent struct {
	Username   string    `json:"username"`
	Symbol     string    `json:"symbol"`
	OrderIds   []string  `json:"exchange_order_ids"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PublishReconciliation emits the out-of-band alert for a trade whose
// exchange leg executed without a matching ledger write.
func (p *Publisher) PublishReconciliation(_ context.Context, username, symbol string, orderIds []string) error {
	return p.publish(subjectRecon, reconciliationEvent{
		Username:   username,
		Symbol:     symbol,
		OrderIds:   orderIds,
		OccurredAt: time.Now(),
	})
}

func (p *Publisher) PublishPrice(_ context.Context, update models.PriceUpdate) error {
	return p.publish(subjectPrices+subjectToken(update.Symbol), update)
}

// subjectToken strips the pair separator, which is not valid inside a
// NATS subject token.
func subjectToken(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}
