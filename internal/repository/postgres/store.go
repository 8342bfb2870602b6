package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/ledger"
)

// Store runs ledger transactions at READ COMMITTED. Row locks taken by the
// ...ForUpdate reads serialize concurrent mutations of the same portfolio.
type Store struct {
	db         *sqlx.DB
	portfolios *PortfolioRepo
	holdings   *HoldingRepo
	ledger     *LedgerRepo
	prices     *PriceRepo
}

var _ ledger.Store = (*Store)(nil)

func NewStore(
	db *sqlx.DB,
	portfolios *PortfolioRepo,
	holdings *HoldingRepo,
	ledger *LedgerRepo,
	prices *PriceRepo,
) *Store {
	return &Store{
		db:         db,
		portfolios: portfolios,
		holdings:   holdings,
		ledger:     ledger,
		prices:     prices,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &storeTx{s: s, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type storeTx struct {
	s  *Store
	tx *sqlx.Tx
}

func (t *storeTx) PortfolioForUpdate(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	return t.s.portfolios.GetByIDForUpdateTx(ctx, t.tx, id)
}

func (t *storeTx) CreatePortfolio(ctx context.Context, p *domain.Portfolio) error {
	return t.s.portfolios.CreateTx(ctx, t.tx, p)
}

func (t *storeTx) DeletePortfolio(ctx context.Context, id uuid.UUID) error {
	return t.s.portfolios.DeleteTx(ctx, t.tx, id)
}

func (t *storeTx) SetCashBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) (*domain.Portfolio, error) {
	return t.s.portfolios.UpdateCashBalanceTx(ctx, t.tx, id, balance)
}

func (t *storeTx) InstrumentExists(ctx context.Context, symbol string) (bool, error) {
	return t.s.prices.InstrumentExistsTx(ctx, t.tx, symbol)
}

func (t *storeTx) LatestPrice(ctx context.Context, symbol string) (*domain.PriceObservation, error) {
	return t.s.prices.LatestTx(ctx, t.tx, symbol)
}

func (t *storeTx) HoldingForUpdate(ctx context.Context, portfolioID uuid.UUID, symbol string) (*domain.Holding, error) {
	return t.s.holdings.GetForUpdateTx(ctx, t.tx, portfolioID, symbol)
}

func (t *storeTx) AddHolding(ctx context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error) {
	return t.s.holdings.AddTx(ctx, t.tx, portfolioID, symbol, qty)
}

func (t *storeTx) SetHoldingQuantity(ctx context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error) {
	return t.s.holdings.UpdateQtyTx(ctx, t.tx, portfolioID, symbol, qty)
}

func (t *storeTx) DeleteHolding(ctx context.Context, portfolioID uuid.UUID, symbol string) error {
	return t.s.holdings.DeleteTx(ctx, t.tx, portfolioID, symbol)
}

func (t *storeTx) AppendEntry(ctx context.Context, e *domain.LedgerEntry) error {
	return t.s.ledger.InsertTx(ctx, t.tx, e)
}
