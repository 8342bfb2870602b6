package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
)

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func validateTrade(symbol string, qty int64) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("symbol is required: %w", domain.ErrInvalidArgument)
	}
	if qty <= 0 {
		return "", fmt.Errorf("quantity must be greater than zero: %w", domain.ErrInvalidArgument)
	}
	return symbol, nil
}

// validateHoldingRoom rejects a buy that would push the held quantity past
// what a BIGINT holds.
func validateHoldingRoom(held *domain.Holding, qty int64) error {
	if held == nil {
		return nil
	}
	if qty > math.MaxInt64-held.Quantity {
		return fmt.Errorf("buying %d %s on top of %d exceeds the maximum holding: %w",
			qty, held.Symbol, held.Quantity, domain.ErrInvalidArgument)
	}
	return nil
}

func validatePortfolioName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("portfolio name is required: %w", domain.ErrInvalidArgument)
	}
	return name, nil
}
