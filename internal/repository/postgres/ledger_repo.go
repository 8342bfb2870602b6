package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/yourorg/stockfolio/internal/domain"
)

type LedgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepo(db *sqlx.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

func (r *LedgerRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO records (portfolio_id, kind, amount, balance_after, symbol, quantity, counterparty_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	return tx.QueryRowContext(ctx, query,
		entry.PortfolioID, entry.Kind, entry.Amount, entry.BalanceAfter,
		entry.Symbol, entry.Quantity, entry.CounterpartyID).
		Scan(&entry.ID, &entry.CreatedAt)
}

func (r *LedgerRepo) EntriesByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM records WHERE portfolio_id = $1 ORDER BY id DESC`, portfolioID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
