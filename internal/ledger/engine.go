package ledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/logger"
)

// Engine applies cash and stock movements to portfolios. Every operation
// runs in one store transaction and either commits completely, together with
// its ledger entries, or leaves no trace.
type Engine struct {
	store  Store
	logger logger.Logger
}

func NewEngine(store Store, logger logger.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
	}
}

type CashResult struct {
	Portfolio domain.Portfolio   `json:"portfolio"`
	Entry     domain.LedgerEntry `json:"record"`
}

type TransferResult struct {
	From domain.Portfolio   `json:"from"`
	To   domain.Portfolio   `json:"to"`
	Out  domain.LedgerEntry `json:"transfer_out"`
	In   domain.LedgerEntry `json:"transfer_in"`
}

type TradeResult struct {
	Portfolio domain.Portfolio
	// Holding is nil when a sale closed the position.
	Holding   *domain.Holding
	UnitPrice decimal.Decimal
	Quantity  int64
	Total     decimal.Decimal
	Entry     domain.LedgerEntry
}

func (e *Engine) OpenPortfolio(ctx context.Context, actor uuid.UUID, name string, initialCash decimal.Decimal) (*domain.Portfolio, error) {
	name, err := validatePortfolioName(name)
	if err != nil {
		return nil, err
	}
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("initial cash must not be negative: %w", domain.ErrInvalidArgument)
	}

	p := domain.Portfolio{
		ID:          uuid.New(),
		OwnerID:     actor,
		Name:        name,
		CashBalance: initialCash,
	}
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreatePortfolio(ctx, &p); err != nil {
			return fmt.Errorf("create portfolio: %w", err)
		}
		if !initialCash.IsPositive() {
			return nil
		}
		entry := domain.LedgerEntry{
			PortfolioID:  p.ID,
			Kind:         domain.EntryDeposit,
			Amount:       initialCash,
			BalanceAfter: initialCash,
		}
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infof("portfolio %s opened by %s with %s cash", p.ID, actor, initialCash)
	return &p, nil
}

func (e *Engine) ClosePortfolio(ctx context.Context, portfolioID, actor uuid.UUID) error {
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := ownedPortfolio(ctx, tx, portfolioID, actor); err != nil {
			return err
		}
		if err := tx.DeletePortfolio(ctx, portfolioID); err != nil {
			return fmt.Errorf("delete portfolio: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Infof("portfolio %s closed by %s", portfolioID, actor)
	return nil
}

func (e *Engine) Deposit(ctx context.Context, portfolioID, actor uuid.UUID, amount decimal.Decimal) (*CashResult, error) {
	return e.moveCash(ctx, portfolioID, actor, amount, domain.EntryDeposit)
}

func (e *Engine) Withdraw(ctx context.Context, portfolioID, actor uuid.UUID, amount decimal.Decimal) (*CashResult, error) {
	return e.moveCash(ctx, portfolioID, actor, amount, domain.EntryWithdraw)
}

func (e *Engine) moveCash(ctx context.Context, portfolioID, actor uuid.UUID, amount decimal.Decimal, kind domain.EntryKind) (*CashResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var res CashResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := ownedPortfolio(ctx, tx, portfolioID, actor)
		if err != nil {
			return err
		}

		balance := p.CashBalance.Add(amount)
		if kind == domain.EntryWithdraw {
			if p.CashBalance.LessThan(amount) {
				return fmt.Errorf("withdraw %s from balance %s: %w", amount, p.CashBalance, domain.ErrInsufficientFunds)
			}
			balance = p.CashBalance.Sub(amount)
		}

		updated, err := tx.SetCashBalance(ctx, p.ID, balance)
		if err != nil {
			return fmt.Errorf("update cash balance: %w", err)
		}
		entry := domain.LedgerEntry{
			PortfolioID:  p.ID,
			Kind:         kind,
			Amount:       amount,
			BalanceAfter: updated.CashBalance,
		}
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		res = CashResult{Portfolio: *updated, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infof("%s of %s on portfolio %s, balance %s", kind, amount, portfolioID, res.Portfolio.CashBalance)
	return &res, nil
}

func (e *Engine) Transfer(ctx context.Context, fromID, toID, actor uuid.UUID, amount decimal.Decimal) (*TransferResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, fmt.Errorf("source and destination portfolio must differ: %w", domain.ErrInvalidArgument)
	}

	var res TransferResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := lockPortfolios(ctx, tx, fromID, toID)
		if err != nil {
			return err
		}

		from := locked[fromID]
		if err := checkOwner(from, fromID, actor); err != nil {
			return err
		}
		if from.CashBalance.LessThan(amount) {
			return fmt.Errorf("transfer %s from balance %s: %w", amount, from.CashBalance, domain.ErrInsufficientFunds)
		}
		to := locked[toID]
		if err := checkOwner(to, toID, actor); err != nil {
			return err
		}

		fromRow, err := tx.SetCashBalance(ctx, fromID, from.CashBalance.Sub(amount))
		if err != nil {
			return fmt.Errorf("debit source portfolio: %w", err)
		}
		toRow, err := tx.SetCashBalance(ctx, toID, to.CashBalance.Add(amount))
		if err != nil {
			return fmt.Errorf("credit destination portfolio: %w", err)
		}

		out := domain.LedgerEntry{
			PortfolioID:    fromID,
			Kind:           domain.EntryTransferOut,
			Amount:         amount,
			BalanceAfter:   fromRow.CashBalance,
			CounterpartyID: &toID,
		}
		if err := tx.AppendEntry(ctx, &out); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		in := domain.LedgerEntry{
			PortfolioID:    toID,
			Kind:           domain.EntryTransferIn,
			Amount:         amount,
			BalanceAfter:   toRow.CashBalance,
			CounterpartyID: &fromID,
		}
		if err := tx.AppendEntry(ctx, &in); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		res = TransferResult{From: *fromRow, To: *toRow, Out: out, In: in}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infof("transfer of %s from portfolio %s to %s", amount, fromID, toID)
	return &res, nil
}

func (e *Engine) BuyStock(ctx context.Context, portfolioID, actor uuid.UUID, symbol string, qty int64) (*TradeResult, error) {
	symbol, err := validateTrade(symbol, qty)
	if err != nil {
		return nil, err
	}

	var res TradeResult
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := ownedPortfolio(ctx, tx, portfolioID, actor)
		if err != nil {
			return err
		}
		price, err := latestPrice(ctx, tx, symbol)
		if err != nil {
			return err
		}
		held, err := tx.HoldingForUpdate(ctx, p.ID, symbol)
		if err != nil {
			return fmt.Errorf("get holding: %w", err)
		}
		if err := validateHoldingRoom(held, qty); err != nil {
			return err
		}

		cost := price.Mul(decimal.NewFromInt(qty))
		if p.CashBalance.LessThan(cost) {
			return fmt.Errorf("buy %d %s for %s with balance %s: %w", qty, symbol, cost, p.CashBalance, domain.ErrInsufficientFunds)
		}

		updated, err := tx.SetCashBalance(ctx, p.ID, p.CashBalance.Sub(cost))
		if err != nil {
			return fmt.Errorf("update cash balance: %w", err)
		}
		holding, err := tx.AddHolding(ctx, p.ID, symbol, qty)
		if err != nil {
			return fmt.Errorf("upsert holding: %w", err)
		}
		entry := tradeEntry(p.ID, domain.EntryBuy, cost, updated.CashBalance, symbol, qty)
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		res = TradeResult{
			Portfolio: *updated,
			Holding:   holding,
			UnitPrice: price,
			Quantity:  qty,
			Total:     cost,
			Entry:     entry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infof("portfolio %s bought %d %s at %s", portfolioID, qty, symbol, res.UnitPrice)
	return &res, nil
}

func (e *Engine) SellStock(ctx context.Context, portfolioID, actor uuid.UUID, symbol string, qty int64) (*TradeResult, error) {
	symbol, err := validateTrade(symbol, qty)
	if err != nil {
		return nil, err
	}

	var res TradeResult
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := ownedPortfolio(ctx, tx, portfolioID, actor)
		if err != nil {
			return err
		}
		held, err := tx.HoldingForUpdate(ctx, p.ID, symbol)
		if err != nil {
			return fmt.Errorf("get holding: %w", err)
		}
		if held == nil {
			return fmt.Errorf("holding %s in portfolio %s: %w", symbol, p.ID, domain.ErrNotFound)
		}
		if held.Quantity < qty {
			return fmt.Errorf("sell %d %s with %d held: %w", qty, symbol, held.Quantity, domain.ErrInsufficientQuantity)
		}
		price, err := latestPrice(ctx, tx, symbol)
		if err != nil {
			return err
		}

		var holding *domain.Holding
		if remaining := held.Quantity - qty; remaining == 0 {
			if err := tx.DeleteHolding(ctx, p.ID, symbol); err != nil {
				return fmt.Errorf("delete holding: %w", err)
			}
		} else {
			holding, err = tx.SetHoldingQuantity(ctx, p.ID, symbol, remaining)
			if err != nil {
				return fmt.Errorf("update holding quantity: %w", err)
			}
		}

		revenue := price.Mul(decimal.NewFromInt(qty))
		updated, err := tx.SetCashBalance(ctx, p.ID, p.CashBalance.Add(revenue))
		if err != nil {
			return fmt.Errorf("update cash balance: %w", err)
		}
		entry := tradeEntry(p.ID, domain.EntrySell, revenue, updated.CashBalance, symbol, qty)
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		res = TradeResult{
			Portfolio: *updated,
			Holding:   holding,
			UnitPrice: price,
			Quantity:  qty,
			Total:     revenue,
			Entry:     entry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infof("portfolio %s sold %d %s at %s", portfolioID, qty, symbol, res.UnitPrice)
	return &res, nil
}

func ownedPortfolio(ctx context.Context, tx Tx, id, actor uuid.UUID) (*domain.Portfolio, error) {
	p, err := tx.PortfolioForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	if err := checkOwner(p, id, actor); err != nil {
		return nil, err
	}
	return p, nil
}

func checkOwner(p *domain.Portfolio, id, actor uuid.UUID) error {
	if p == nil {
		return fmt.Errorf("portfolio %s: %w", id, domain.ErrNotFound)
	}
	if p.OwnerID != actor {
		return fmt.Errorf("portfolio %s: %w", id, domain.ErrNotOwner)
	}
	return nil
}

// lockPortfolios locks both rows in id order so that two opposite transfers
// cannot deadlock. Missing portfolios are absent from the result.
func lockPortfolios(ctx context.Context, tx Tx, a, b uuid.UUID) (map[uuid.UUID]*domain.Portfolio, error) {
	first, second := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		first, second = b, a
	}
	locked := make(map[uuid.UUID]*domain.Portfolio, 2)
	for _, id := range []uuid.UUID{first, second} {
		p, err := tx.PortfolioForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get portfolio: %w", err)
		}
		if p != nil {
			locked[id] = p
		}
	}
	return locked, nil
}

func latestPrice(ctx context.Context, tx Tx, symbol string) (decimal.Decimal, error) {
	exists, err := tx.InstrumentExists(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get instrument: %w", err)
	}
	if !exists {
		return decimal.Zero, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
	}
	obs, err := tx.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price lookup failed: %w", err)
	}
	if obs == nil {
		return decimal.Zero, fmt.Errorf("price for %s: %w", symbol, domain.ErrNotFound)
	}
	return obs.Close, nil
}

func tradeEntry(portfolioID uuid.UUID, kind domain.EntryKind, amount, balance decimal.Decimal, symbol string, qty int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		PortfolioID:  portfolioID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balance,
		Symbol:       &symbol,
		Quantity:     &qty,
	}
}
