package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	EntryDeposit     EntryKind = "DEPOSIT"
	EntryWithdraw    EntryKind = "WITHDRAW"
	EntryBuy         EntryKind = "BUY"
	EntrySell        EntryKind = "SELL"
	EntryTransferIn  EntryKind = "TRANSFER_IN"
	EntryTransferOut EntryKind = "TRANSFER_OUT"
)

type Account struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	Username     string    `db:"username"      json:"username"`
	Email        string    `db:"email"         json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

type Portfolio struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	OwnerID     uuid.UUID       `db:"owner_id"     json:"owner_id"`
	Name        string          `db:"name"         json:"name"`
	CashBalance decimal.Decimal `db:"cash_balance" json:"cash_balance"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

type Holding struct {
	PortfolioID uuid.UUID `db:"portfolio_id" json:"portfolio_id"`
	Symbol      string    `db:"symbol"       json:"symbol"`
	Quantity    int64     `db:"quantity"     json:"quantity"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// PriceObservation is one immutable OHLCV bar. The latest observation of a
// symbol defines its current price.
type PriceObservation struct {
	Symbol    string          `db:"symbol"      json:"symbol"`
	Timestamp time.Time       `db:"ts"          json:"timestamp"`
	Open      decimal.Decimal `db:"open_price"  json:"open_price"`
	High      decimal.Decimal `db:"high_price"  json:"high_price"`
	Low       decimal.Decimal `db:"low_price"   json:"low_price"`
	Close     decimal.Decimal `db:"close_price" json:"close_price"`
	Volume    int64           `db:"volume"      json:"volume"`
}

// LedgerEntry is an append-only audit record of a committed cash or stock
// movement. Amount is always positive; Kind gives the direction.
type LedgerEntry struct {
	ID             int64           `db:"id"              json:"id"`
	PortfolioID    uuid.UUID       `db:"portfolio_id"    json:"portfolio_id"`
	Kind           EntryKind       `db:"kind"            json:"kind"`
	Amount         decimal.Decimal `db:"amount"          json:"amount"`
	BalanceAfter   decimal.Decimal `db:"balance_after"   json:"balance_after"`
	Symbol         *string         `db:"symbol"          json:"symbol,omitempty"`
	Quantity       *int64          `db:"quantity"        json:"quantity,omitempty"`
	CounterpartyID *uuid.UUID      `db:"counterparty_id" json:"counterparty_id,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}

// HistoryFilter selects price observations of one symbol. Zero values of the
// optional fields disable the corresponding predicate.
type HistoryFilter struct {
	Symbol string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
