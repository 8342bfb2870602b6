package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/yourorg/stockfolio/internal/domain"
)

const (
	_queryLatestPrice = "SELECT " + _historyColumns + " FROM stock_history WHERE symbol = $1 ORDER BY ts DESC LIMIT 1"
	_queryInstrument  = "SELECT EXISTS (SELECT 1 FROM stocks WHERE symbol = $1)"
)

type PriceRepo struct {
	db *sqlx.DB
}

func NewPriceRepo(db *sqlx.DB) *PriceRepo {
	return &PriceRepo{db: db}
}

// InsertObservation registers the instrument if needed and appends obs.
func (r *PriceRepo) InsertObservation(ctx context.Context, obs *domain.PriceObservation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stocks (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, obs.Symbol); err != nil {
		return fmt.Errorf("register instrument: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_history (symbol, ts, open_price, high_price, low_price, close_price, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		obs.Symbol, obs.Timestamp, obs.Open, obs.High, obs.Low, obs.Close, obs.Volume)
	if isUniqueViolation(err) {
		return fmt.Errorf("observation %s at %s: %w", obs.Symbol, obs.Timestamp, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PriceRepo) LatestObservation(ctx context.Context, symbol string) (*domain.PriceObservation, error) {
	var obs domain.PriceObservation
	err := r.db.GetContext(ctx, &obs, _queryLatestPrice, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("price for %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func (r *PriceRepo) ObservationHistory(ctx context.Context, f domain.HistoryFilter) ([]domain.PriceObservation, error) {
	query, args := historyQuery(f)
	history := []domain.PriceObservation{}
	if err := r.db.SelectContext(ctx, &history, query, args...); err != nil {
		return nil, fmt.Errorf("select price history: %w", err)
	}
	return history, nil
}

func (r *PriceRepo) InstrumentExistsTx(ctx context.Context, tx *sqlx.Tx, symbol string) (bool, error) {
	var exists bool
	if err := tx.GetContext(ctx, &exists, _queryInstrument, symbol); err != nil {
		return false, err
	}
	return exists, nil
}

// LatestTx returns nil when the symbol has no observations.
func (r *PriceRepo) LatestTx(ctx context.Context, tx *sqlx.Tx, symbol string) (*domain.PriceObservation, error) {
	var obs domain.PriceObservation
	err := tx.GetContext(ctx, &obs, _queryLatestPrice, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}
