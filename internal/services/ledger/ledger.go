package ledger

import (
	"Brokerage/internal/domain/models"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidLeg        = errors.New("ledger leg has a zero amount")
	ErrLegDirection      = errors.New("settlement needs one debit leg and one credit leg")
	ErrInsufficientFunds = errors.New("insufficient available funds")
)

// Store is the transactional contract the ledger runs on. SettleTrade
// must apply both balance mutations, both transaction records and the
// trade insert atomically, serializing concurrent mutations of the
// same (user, currency) row.
type Store interface {
	SettleTrade(ctx context.Context, trade models.Trade, debit, credit models.LedgerEntry) (models.Trade, []models.TransactionRecord, error)
	GetBalance(ctx context.Context, userId int64, currency string) (models.Balance, error)
}

// Ledger owns balance movement for trades. All four writes of a
// settlement persist together or not at all.
type Ledger struct {
	log   *slog.Logger
	store Store
}

func New(log *slog.Logger, store Store) *Ledger {
	return &Ledger{log: log, store: store}
}

// SettleTrade validates the leg pairing and delegates to the store's
// atomic settlement. The persisted trade comes back carrying both
// transaction record ids.
func (l *Ledger) SettleTrade(ctx context.Context, trade models.Trade, debit, credit models.LedgerEntry) (models.Trade, error) {
	const op = "ledger.SettleTrade"
	log := l.log.With("op", op, "user_id", trade.UserId)

	if debit.Amount.IsZero() || credit.Amount.IsZero() {
		return models.Trade{}, fmt.Errorf("%s: %w", op, ErrInvalidLeg)
	}
	if !debit.Amount.IsNegative() || !credit.Amount.IsPositive() {
		return models.Trade{}, fmt.Errorf("%s: %w", op, ErrLegDirection)
	}

	settled, records, err := l.store.SettleTrade(ctx, trade, debit, credit)
	if err != nil {
		log.Error("settlement failed", "trade_id", trade.Id, "error", err)
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("trade settled",
		"trade_id", settled.Id,
		"debit", debit.Currency,
		"credit", credit.Currency,
		"records", len(records))
	return settled, nil
}

// GetBalance reads one (user, currency) balance.
func (l *Ledger) GetBalance(ctx context.Context, userId int64, currency string) (models.Balance, error) {
	const op = "ledger.GetBalance"

	balance, err := l.store.GetBalance(ctx, userId, currency)
	if err != nil {
		l.log.Error("failed to get balance", "op", op, "user_id", userId, "currency", currency, "err", err)
		return models.Balance{}, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// Available applies the balance invariant available = total - locked.
func Available(total, locked decimal.Decimal) decimal.Decimal {
	return total.Sub(locked)
}
