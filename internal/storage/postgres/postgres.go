package postgres

import (
	"Brokerage/internal/domain/models"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotExists        = errors.New("user does not exist")
	ErrTradingPairNotExists = errors.New("trading pair does not exist")
	ErrBalanceNotExists     = errors.New("balance row does not exist")
	ErrInsufficientFunds    = errors.New("insufficient available funds")
)

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	const op = "postgresql.New"
	log := slog.With("op", op)

	db, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		log.Error("Failed to connect to database", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	err = db.Ping(context.Background())
	if err != nil {
		log.Error("Failed to ping database", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
}

func (s *Storage) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	const op = "postgresql.GetUserByUsername"
	log := slog.With("op", op)

	const query = `SELECT id, username, email, created_at FROM users WHERE username = $1`
	var user models.User
	err := s.db.QueryRow(ctx, query, username).Scan(&user.Id, &user.Username, &user.Email, &user.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Error("User does not exist", "username", username)
			return models.User{}, fmt.Errorf("%s: %w", op, ErrUserNotExists)
		}
		log.Error("Failed to get user", "username", username, "err", err)
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) GetTradingPair(ctx context.Context, symbol string) (models.TradingPair, error) {
	const op = "postgresql.GetTradingPair"
	log := slog.With("op", op)

	const query = `
        SELECT id, symbol, base_currency, quote_currency,
               min_trade_amount, max_trade_amount,
               price_precision, amount_precision,
               spread_percentage, is_active
        FROM trading_pairs
        WHERE symbol = $1`

	var pair models.TradingPair
	err := s.db.QueryRow(ctx, query, symbol).Scan(
		&pair.Id, &pair.Symbol, &pair.BaseCurrency, &pair.QuoteCurrency,
		&pair.MinTradeAmount, &pair.MaxTradeAmount,
		&pair.PricePrecision, &pair.AmountPrecision,
		&pair.SpreadPercentage, &pair.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Error("Trading pair does not exist", "symbol", symbol)
			return models.TradingPair{}, fmt.Errorf("%s: %w", op, ErrTradingPairNotExists)
		}
		log.Error("Failed to get trading pair", "symbol", symbol, "err", err)
		return models.TradingPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return pair, nil
}

func (s *Storage) ListTradingPairs(ctx context.Context, activeOnly bool) ([]models.TradingPair, error) {
	const op = "postgresql.ListTradingPairs"
	log := slog.With("op", op)

	query := `
        SELECT id, symbol, base_currency, quote_currency,
               min_trade_amount, max_trade_amount,
               price_precision, amount_precision,
               spread_percentage, is_active
        FROM trading_pairs`
	if activeOnly {
		query += ` WHERE is_active`
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		log.Error("Failed to list trading pairs", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var pairs []models.TradingPair
	for rows.Next() {
		var pair models.TradingPair
		err := rows.Scan(
			&pair.Id, &pair.Symbol, &pair.BaseCurrency, &pair.QuoteCurrency,
			&pair.MinTradeAmount, &pair.MaxTradeAmount,
			&pair.PricePrecision, &pair.AmountPrecision,
			&pair.SpreadPercentage, &pair.IsActive,
		)
		if err != nil {
			log.Error("Failed to scan trading pair", "err", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		pairs = append(pairs, pair)
	}

	return pairs, nil
}

func (s *Storage) GetBalance(ctx context.Context, userId int64, currency string) (models.Balance, error) {
	const op = "postgresql.GetBalance"
	log := slog.With("op", op)

	const query = `
        SELECT user_id, currency, total, available, locked
        FROM balances
        WHERE user_id = $1 AND currency = $2`

	var balance models.Balance
	err := s.db.QueryRow(ctx, query, userId, currency).Scan(
		&balance.UserId, &balance.Currency,
		&balance.Total, &balance.Available, &balance.Locked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Balance{}, fmt.Errorf("%s: %w", op, ErrBalanceNotExists)
		}
		log.Error("Failed to get balance", "user_id", userId, "currency", currency, "err", err)
		return models.Balance{}, fmt.Errorf("%s: %w", op, err)
	}

	return balance, nil
}

func (s *Storage) ListUserTrades(ctx context.Context, userId int64) ([]models.Trade, error) {
	const op = "postgresql.ListUserTrades"
	log := slog.With("op", op)

	const query = `
        SELECT id, user_id, pair_id, side, amount,
               client_price, execution_price, total_value,
               fee_amount, spread_amount, status,
               exchange_order_ids, base_transaction_id, quote_transaction_id,
               created_at
        FROM trades
        WHERE user_id = $1
        ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, userId)
	if err != nil {
		log.Error("Failed to list user trades", "user_id", userId, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		err := rows.Scan(
			&trade.Id, &trade.UserId, &trade.PairId, &trade.Side, &trade.Amount,
			&trade.ClientPrice, &trade.ExecutionPrice, &trade.TotalValue,
			&trade.FeeAmount, &trade.SpreadAmount, &trade.Status,
			&trade.ExchangeOrderIds, &trade.BaseTransactionId, &trade.QuoteTransactionId,
			&trade.CreatedAt,
		)
		if err != nil {
			log.Error("Failed to scan trade", "user_id", userId, "err", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		trades = append(trades, trade)
	}

	return trades, nil
}

// SettleTrade moves both legs of a trade and writes both transaction
// records plus the trade row in one database transaction: either all
// writes persist or none do. Balance rows are taken FOR UPDATE so
// concurrent trades on the same (user, currency) never read a stale
// balance_before.
func (s *Storage) SettleTrade(
	ctx context.Context,
	trade models.Trade,
	debit, credit models.LedgerEntry,
) (settled models.Trade, records []models.TransactionRecord, err error) {
	const op = "postgresql.SettleTrade"
	log := slog.With("op", op, "user_id", trade.UserId)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		log.Error("Failed to begin transaction", "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := time.Now()

	debitRec, err := applyLeg(ctx, tx, debit, nil, now)
	if err != nil {
		log.Error("Failed to apply debit leg", "currency", debit.Currency, "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: debit leg: %w", op, err)
	}

	// second leg stores the back-reference to the first at insert time
	creditRec, err := applyLeg(ctx, tx, credit, &debitRec.Id, now)
	if err != nil {
		log.Error("Failed to apply credit leg", "currency", credit.Currency, "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: credit leg: %w", op, err)
	}

	// close the pairing: the first leg points back at the second
	const queryLink = `UPDATE transactions SET related_transaction_id = $1 WHERE id = $2`
	if _, err = tx.Exec(ctx, queryLink, creditRec.Id, debitRec.Id); err != nil {
		log.Error("Failed to link transaction pair", "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: link records: %w", op, err)
	}
	debitRec.RelatedTransactionId = &creditRec.Id

	trade.Id = uuid.New()
	trade.CreatedAt = now
	baseTx, quoteTx := pairRecordIds(trade.Side, debitRec, creditRec)
	trade.BaseTransactionId = baseTx
	trade.QuoteTransactionId = quoteTx

	const queryInsertTrade = `
        INSERT INTO trades(id, user_id, pair_id, side, amount,
                           client_price, execution_price, total_value,
                           fee_amount, spread_amount, status,
                           exchange_order_ids, base_transaction_id, quote_transaction_id,
                           created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = tx.Exec(ctx, queryInsertTrade,
		trade.Id, trade.UserId, trade.PairId, trade.Side, trade.Amount,
		trade.ClientPrice, trade.ExecutionPrice, trade.TotalValue,
		trade.FeeAmount, trade.SpreadAmount, trade.Status,
		trade.ExchangeOrderIds, trade.BaseTransactionId, trade.QuoteTransactionId,
		trade.CreatedAt,
	)
	if err != nil {
		log.Error("Failed to insert trade", "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: insert trade: %w", op, err)
	}

	if err = tx.Commit(ctx); err != nil {
		log.Error("Failed to commit transaction", "err", err)
		return models.Trade{}, nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	log.Info("Trade settled",
		"trade_id", trade.Id,
		"debit_tx", debitRec.Id,
		"credit_tx", creditRec.Id)
	return trade, []models.TransactionRecord{debitRec, creditRec}, nil
}

// applyLeg locks the balance row, applies the signed amount to total
// and available, and inserts the append-only transaction record with
// before/after captured under the same lock.
func applyLeg(ctx context.Context, tx pgx.Tx, leg models.LedgerEntry, related *uuid.UUID, now time.Time) (models.TransactionRecord, error) {
	const queryLock = `
        SELECT total, available, locked
        FROM balances
        WHERE user_id = $1 AND currency = $2
        FOR UPDATE`

	var total, available, locked decimal.Decimal
	err := tx.QueryRow(ctx, queryLock, leg.UserId, leg.Currency).Scan(&total, &available, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TransactionRecord{}, ErrBalanceNotExists
	}
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("lock balance: %w", err)
	}

	newTotal := total.Add(leg.Amount)
	newAvailable := available.Add(leg.Amount)
	if newAvailable.IsNegative() {
		return models.TransactionRecord{}, ErrInsufficientFunds
	}

	const queryUpdate = `
        UPDATE balances
        SET total = $1, available = $2
        WHERE user_id = $3 AND currency = $4`
	if _, err := tx.Exec(ctx, queryUpdate, newTotal, newAvailable, leg.UserId, leg.Currency); err != nil {
		return models.TransactionRecord{}, fmt.Errorf("update balance: %w", err)
	}

	rec := models.TransactionRecord{
		Id:                   uuid.New(),
		UserId:               leg.UserId,
		Currency:             leg.Currency,
		Amount:               leg.Amount,
		BalanceBefore:        total,
		BalanceAfter:         newTotal,
		Type:                 leg.Type,
		RelatedTransactionId: related,
		CreatedAt:            now,
	}

	const queryInsert = `
        INSERT INTO transactions(id, user_id, currency, amount,
                                 balance_before, balance_after, type,
                                 related_transaction_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = tx.Exec(ctx, queryInsert,
		rec.Id, rec.UserId, rec.Currency, rec.Amount,
		rec.BalanceBefore, rec.BalanceAfter, rec.Type,
		rec.RelatedTransactionId, rec.CreatedAt,
	)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("insert transaction record: %w", err)
	}

	return rec, nil
}

// pairRecordIds maps the debit/credit records onto the trade's base
// and quote transaction slots depending on side.
func pairRecordIds(side models.Side, debitRec, creditRec models.TransactionRecord) (baseTx, quoteTx uuid.UUID) {
	if side == models.Buy {
		// buy debits quote and credits base
		return creditRec.Id, debitRec.Id
	}
	return debitRec.Id, creditRec.Id
}
