package ingestion

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
)

// Appender stores one observation. market.Service satisfies it.
type Appender interface {
	Append(ctx context.Context, obs domain.PriceObservation) (*domain.PriceObservation, error)
}

// alpacaBar is a minute or historical bar as sent by the Alpaca data API.
// Stream bars carry their own symbol; REST bars inherit it from the request.
type alpacaBar struct {
	Type      string          `json:"T,omitempty"`
	Symbol    string          `json:"S,omitempty"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    int64           `json:"v"`
	Timestamp time.Time       `json:"t"`
}

func (b alpacaBar) observation(symbol string) domain.PriceObservation {
	if symbol == "" {
		symbol = b.Symbol
	}
	return domain.PriceObservation{
		Symbol:    symbol,
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}
