package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/yourorg/stockfolio/internal/domain"
)

type HoldingRepo struct {
	db *sqlx.DB
}

func NewHoldingRepo(db *sqlx.DB) *HoldingRepo {
	return &HoldingRepo{db: db}
}

func (r *HoldingRepo) HoldingsByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]domain.Holding, error) {
	holdings := []domain.Holding{}
	err := r.db.SelectContext(ctx, &holdings,
		`SELECT * FROM holdings WHERE portfolio_id = $1 ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

// GetForUpdateTx returns nil when the portfolio holds no such symbol.
func (r *HoldingRepo) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, portfolioID uuid.UUID, symbol string) (*domain.Holding, error) {
	var h domain.Holding
	err := tx.GetContext(ctx, &h,
		`SELECT * FROM holdings WHERE portfolio_id = $1 AND symbol = $2 FOR UPDATE`, portfolioID, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func (r *HoldingRepo) AddTx(ctx context.Context, tx *sqlx.Tx, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error) {
	var h domain.Holding
	err := tx.GetContext(ctx, &h, `
		INSERT INTO holdings (portfolio_id, symbol, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (portfolio_id, symbol) DO UPDATE SET
			quantity   = holdings.quantity + EXCLUDED.quantity,
			updated_at = NOW()
		RETURNING *`,
		portfolioID, symbol, qty)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HoldingRepo) UpdateQtyTx(ctx context.Context, tx *sqlx.Tx, portfolioID uuid.UUID, symbol string, newQty int64) (*domain.Holding, error) {
	var h domain.Holding
	err := tx.GetContext(ctx, &h,
		`UPDATE holdings SET quantity = $1, updated_at = NOW() WHERE portfolio_id = $2 AND symbol = $3 RETURNING *`,
		newQty, portfolioID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("holding %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HoldingRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, portfolioID uuid.UUID, symbol string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM holdings WHERE portfolio_id = $1 AND symbol = $2`,
		portfolioID, symbol)
	return err
}
