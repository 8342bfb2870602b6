package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/logger"
)

type PriceStore interface {
	InsertObservation(ctx context.Context, obs *domain.PriceObservation) error
	LatestObservation(ctx context.Context, symbol string) (*domain.PriceObservation, error)
	ObservationHistory(ctx context.Context, f domain.HistoryFilter) ([]domain.PriceObservation, error)
}

// QuoteCache is optional. Get returns nil on a miss. SetIfNewer must never
// replace a cached quote with one carrying an older or equal timestamp.
type QuoteCache interface {
	Get(ctx context.Context, symbol string) (*domain.PriceObservation, error)
	SetIfNewer(ctx context.Context, obs *domain.PriceObservation) (bool, error)
	Publish(ctx context.Context, obs *domain.PriceObservation) error
}

const _maxHistoryLimit = 1000

type Service struct {
	store  PriceStore
	cache  QuoteCache
	logger logger.Logger
}

// NewService builds the price service. cache may be nil.
func NewService(store PriceStore, cache QuoteCache, logger logger.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

func (s *Service) Append(ctx context.Context, obs domain.PriceObservation) (*domain.PriceObservation, error) {
	if err := normalize(&obs); err != nil {
		return nil, err
	}
	if err := s.store.InsertObservation(ctx, &obs); err != nil {
		return nil, err
	}

	if s.cache != nil {
		// obs may be a backfilled bar, so the cache is advanced with the
		// stored latest rather than with obs itself.
		if latest, err := s.store.LatestObservation(ctx, obs.Symbol); err != nil {
			s.logger.Warnf("can't reload quote %s: %v", obs.Symbol, err)
		} else {
			s.remember(ctx, latest)
		}
		if err := s.cache.Publish(ctx, &obs); err != nil {
			s.logger.Warnf("can't publish observation %s: %v", obs.Symbol, err)
		}
	}
	return &obs, nil
}

func (s *Service) Latest(ctx context.Context, symbol string) (*domain.PriceObservation, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required: %w", domain.ErrInvalidArgument)
	}

	if s.cache != nil {
		obs, err := s.cache.Get(ctx, symbol)
		if err != nil {
			s.logger.Warnf("can't read cached quote %s: %v", symbol, err)
		} else if obs != nil {
			return obs, nil
		}
	}

	obs, err := s.store.LatestObservation(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.remember(ctx, obs)
	}
	return obs, nil
}

// remember offers obs to the cache. Writes only move the cached quote
// forward in time, so a slow reader can't overwrite a quote that a
// concurrent Append already advanced.
func (s *Service) remember(ctx context.Context, obs *domain.PriceObservation) {
	if _, err := s.cache.SetIfNewer(ctx, obs); err != nil {
		s.logger.Warnf("can't cache quote %s: %v", obs.Symbol, err)
	}
}

func (s *Service) History(ctx context.Context, f domain.HistoryFilter) ([]domain.PriceObservation, error) {
	f.Symbol = NormalizeSymbol(f.Symbol)
	switch {
	case f.Symbol == "":
		return nil, fmt.Errorf("symbol is required: %w", domain.ErrInvalidArgument)
	case f.Limit < 0 || f.Offset < 0:
		return nil, fmt.Errorf("limit and offset must not be negative: %w", domain.ErrInvalidArgument)
	case f.Limit > _maxHistoryLimit:
		return nil, fmt.Errorf("limit must not exceed %d: %w", _maxHistoryLimit, domain.ErrInvalidArgument)
	case f.From != nil && f.To != nil && f.From.After(*f.To):
		return nil, fmt.Errorf("from is after to: %w", domain.ErrInvalidArgument)
	}
	return s.store.ObservationHistory(ctx, f)
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normalize(obs *domain.PriceObservation) error {
	obs.Symbol = NormalizeSymbol(obs.Symbol)
	switch {
	case obs.Symbol == "":
		return fmt.Errorf("symbol is required: %w", domain.ErrInvalidArgument)
	case obs.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required: %w", domain.ErrInvalidArgument)
	case !obs.Open.IsPositive() || !obs.High.IsPositive() || !obs.Low.IsPositive() || !obs.Close.IsPositive():
		return fmt.Errorf("prices must be positive: %w", domain.ErrInvalidArgument)
	case obs.Low.GreaterThan(obs.High):
		return fmt.Errorf("low is above high: %w", domain.ErrInvalidArgument)
	case obs.Open.LessThan(obs.Low) || obs.Open.GreaterThan(obs.High),
		obs.Close.LessThan(obs.Low) || obs.Close.GreaterThan(obs.High):
		return fmt.Errorf("open and close must lie within low and high: %w", domain.ErrInvalidArgument)
	case obs.Volume < 0:
		return fmt.Errorf("volume must not be negative: %w", domain.ErrInvalidArgument)
	}
	obs.Timestamp = obs.Timestamp.UTC()
	return nil
}
