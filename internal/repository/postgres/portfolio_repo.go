package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
)

type PortfolioRepo struct {
	db *sqlx.DB
}

func NewPortfolioRepo(db *sqlx.DB) *PortfolioRepo {
	return &PortfolioRepo{db: db}
}

func (r *PortfolioRepo) PortfoliosByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Portfolio, error) {
	portfolios := []domain.Portfolio{}
	err := r.db.SelectContext(ctx, &portfolios,
		`SELECT * FROM portfolios WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	return portfolios, nil
}

func (r *PortfolioRepo) PortfolioByID(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := r.db.GetContext(ctx, &p, `SELECT * FROM portfolios WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PortfolioRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, p *domain.Portfolio) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `
		INSERT INTO portfolios (id, owner_id, name, cash_balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`
	err := tx.QueryRowContext(ctx, query, p.ID, p.OwnerID, p.Name, p.CashBalance).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("portfolio %q: %w", p.Name, domain.ErrConflict)
	}
	return err
}

// GetByIDForUpdateTx returns nil when the portfolio does not exist.
func (r *PortfolioRepo) GetByIDForUpdateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := tx.GetContext(ctx, &p, `SELECT * FROM portfolios WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PortfolioRepo) UpdateCashBalanceTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, newBalance decimal.Decimal) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := tx.GetContext(ctx, &p,
		`UPDATE portfolios SET cash_balance = $1, updated_at = NOW() WHERE id = $2 RETURNING *`,
		newBalance, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PortfolioRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM portfolios WHERE id = $1`, id)
	return err
}
