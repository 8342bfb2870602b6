package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
)

// Store runs fn inside a single transaction. If fn returns an error every
// write made through tx is discarded.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the read/write contract the engine needs within one transaction.
// Lookups that find nothing return (nil, nil); the engine decides which
// error that is.
type Tx interface {
	// PortfolioForUpdate reads and locks a portfolio row until the end of
	// the transaction.
	PortfolioForUpdate(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error)
	CreatePortfolio(ctx context.Context, p *domain.Portfolio) error
	DeletePortfolio(ctx context.Context, id uuid.UUID) error
	SetCashBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) (*domain.Portfolio, error)

	InstrumentExists(ctx context.Context, symbol string) (bool, error)
	LatestPrice(ctx context.Context, symbol string) (*domain.PriceObservation, error)

	HoldingForUpdate(ctx context.Context, portfolioID uuid.UUID, symbol string) (*domain.Holding, error)
	AddHolding(ctx context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error)
	SetHoldingQuantity(ctx context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error)
	DeleteHolding(ctx context.Context, portfolioID uuid.UUID, symbol string) error

	AppendEntry(ctx context.Context, e *domain.LedgerEntry) error
}
