package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type User struct {
	Id       int64
	Username string
	Email    string
	Created  time.Time
}

// Balance per (user, currency). Invariant: Available = Total - Locked.
// Mutated only through the ledger's transactional contract.
type Balance struct {
	UserId    int64
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

type TransactionType string

const (
	TxTradeBuy  TransactionType = "trade_buy"
	TxTradeSell TransactionType = "trade_sell"
	TxFee       TransactionType = "fee"
)

// TransactionRecord is append-only. RelatedTransactionId links the
// paired leg of the same trade; completed trades always carry exactly
// two records whose related ids form a mutual back-reference.
type TransactionRecord struct {
	Id                   uuid.UUID
	UserId               int64
	Currency             string
	Amount               decimal.Decimal
	BalanceBefore        decimal.Decimal
	BalanceAfter         decimal.Decimal
	Type                 TransactionType
	RelatedTransactionId *uuid.UUID
	CreatedAt            time.Time
}

// LedgerEntry describes one signed balance mutation. Amount is
// negative for a debit and positive for a credit.
type LedgerEntry struct {
	UserId   int64
	Currency string
	Amount   decimal.Decimal
	Type     TransactionType
}
