package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/ledger"
	"github.com/yourorg/stockfolio/internal/logger"
	"github.com/yourorg/stockfolio/internal/repository/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store  *memory.Store
	engine *ledger.Engine
	actor  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	return &fixture{
		store:  store,
		engine: ledger.NewEngine(store, logger.NewNop()),
		actor:  uuid.New(),
	}
}

func (f *fixture) open(t *testing.T, name, cash string) uuid.UUID {
	t.Helper()
	p, err := f.engine.OpenPortfolio(context.Background(), f.actor, name, dec(cash))
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) price(t *testing.T, symbol, closePrice string, ts time.Time) {
	t.Helper()
	c := dec(closePrice)
	require.NoError(t, f.store.InsertObservation(context.Background(), &domain.PriceObservation{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    1000,
	}))
}

func (f *fixture) cash(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	p, err := f.store.PortfolioByID(context.Background(), id)
	require.NoError(t, err)
	return p.CashBalance
}

func (f *fixture) holdings(t *testing.T, id uuid.UUID) []domain.Holding {
	t.Helper()
	hs, err := f.store.HoldingsByPortfolio(context.Background(), id)
	require.NoError(t, err)
	return hs
}

func (f *fixture) entries(t *testing.T, id uuid.UUID) []domain.LedgerEntry {
	t.Helper()
	es, err := f.store.EntriesByPortfolio(context.Background(), id)
	require.NoError(t, err)
	return es
}

func assertCash(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "cash = %s, want %s", got, want)
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")

	res, err := f.engine.Deposit(ctx, p, f.actor, dec("25.50"))
	require.NoError(t, err)
	assertCash(t, "125.50", res.Portfolio.CashBalance)
	assert.Equal(t, domain.EntryDeposit, res.Entry.Kind)
	assertCash(t, "125.50", res.Entry.BalanceAfter)

	res, err = f.engine.Withdraw(ctx, p, f.actor, dec("125.50"))
	require.NoError(t, err)
	assertCash(t, "0", res.Portfolio.CashBalance)
	assert.Equal(t, domain.EntryWithdraw, res.Entry.Kind)

	kinds := []domain.EntryKind{}
	for _, e := range f.entries(t, p) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.EntryKind{domain.EntryWithdraw, domain.EntryDeposit, domain.EntryDeposit}, kinds)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	p := f.open(t, "main", "100")
	before := f.entries(t, p)

	_, err := f.engine.Withdraw(context.Background(), p, f.actor, dec("150"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertCash(t, "100", f.cash(t, p))
	assert.Equal(t, before, f.entries(t, p))
}

func TestCashOperationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")

	_, err := f.engine.Deposit(ctx, p, uuid.New(), dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.engine.Deposit(ctx, uuid.New(), f.actor, dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.Deposit(ctx, p, f.actor, dec("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.engine.Withdraw(ctx, p, f.actor, dec("-5"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	assertCash(t, "100", f.cash(t, p))
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, "a", "100")
	b := f.open(t, "b", "5")

	res, err := f.engine.Transfer(ctx, a, b, f.actor, dec("40"))
	require.NoError(t, err)
	assertCash(t, "60", res.From.CashBalance)
	assertCash(t, "45", res.To.CashBalance)
	assert.Equal(t, domain.EntryTransferOut, res.Out.Kind)
	assert.Equal(t, domain.EntryTransferIn, res.In.Kind)
	require.NotNil(t, res.Out.CounterpartyID)
	assert.Equal(t, b, *res.Out.CounterpartyID)
	require.NotNil(t, res.In.CounterpartyID)
	assert.Equal(t, a, *res.In.CounterpartyID)

	assert.Equal(t, domain.EntryTransferOut, f.entries(t, a)[0].Kind)
	assert.Equal(t, domain.EntryTransferIn, f.entries(t, b)[0].Kind)
}

func TestTransferConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, "a", "73.21")
	b := f.open(t, "b", "10")

	_, err := f.engine.Transfer(ctx, a, b, f.actor, dec("50.5"))
	require.NoError(t, err)
	_, err = f.engine.Transfer(ctx, b, a, f.actor, dec("50.5"))
	require.NoError(t, err)

	assertCash(t, "73.21", f.cash(t, a))
	assertCash(t, "10", f.cash(t, b))
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	p1 := f.open(t, "p1", "20")
	p2 := f.open(t, "p2", "0")

	_, err := f.engine.Transfer(context.Background(), p1, p2, f.actor, dec("30"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertCash(t, "20", f.cash(t, p1))
	assertCash(t, "0", f.cash(t, p2))
	assert.Empty(t, f.entries(t, p2))
}

func TestTransferMissingDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.open(t, "p1", "20")

	_, err := f.engine.Transfer(ctx, p1, uuid.New(), f.actor, dec("10"))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assertCash(t, "20", f.cash(t, p1))
	assert.Len(t, f.entries(t, p1), 1)

	// funds are checked before the destination is resolved
	_, err = f.engine.Transfer(ctx, p1, uuid.New(), f.actor, dec("30"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.open(t, "mine", "50")
	other, err := f.engine.OpenPortfolio(ctx, uuid.New(), "theirs", dec("50"))
	require.NoError(t, err)

	_, err = f.engine.Transfer(ctx, mine, other.ID, f.actor, dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.engine.Transfer(ctx, other.ID, mine, f.actor, dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.engine.Transfer(ctx, mine, mine, f.actor, dec("10"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	assertCash(t, "50", f.cash(t, mine))
	assertCash(t, "50", f.cash(t, other.ID))
}

func TestBuyStock(t *testing.T) {
	f := newFixture(t)
	p := f.open(t, "main", "100")
	now := time.Now().UTC()
	f.price(t, "ACME", "7.00", now.Add(-time.Hour))
	f.price(t, "ACME", "10.00", now)

	res, err := f.engine.BuyStock(context.Background(), p, f.actor, "acme", 5)
	require.NoError(t, err)
	assertCash(t, "50", res.Total)
	assertCash(t, "10", res.UnitPrice)
	assertCash(t, "50", res.Portfolio.CashBalance)
	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(5), res.Holding.Quantity)
	assert.Equal(t, domain.EntryBuy, res.Entry.Kind)
	require.NotNil(t, res.Entry.Symbol)
	assert.Equal(t, "ACME", *res.Entry.Symbol)

	res, err = f.engine.BuyStock(context.Background(), p, f.actor, "ACME", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Holding.Quantity)
	assertCash(t, "30", f.cash(t, p))
}

func TestBuyStockFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")
	f.price(t, "ACME", "10.00", time.Now())

	_, err := f.engine.BuyStock(ctx, p, f.actor, "ACME", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.engine.BuyStock(ctx, p, f.actor, "NOPE", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.BuyStock(ctx, p, f.actor, "ACME", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.engine.BuyStock(ctx, p, f.actor, "", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.engine.BuyStock(ctx, p, uuid.New(), "ACME", 1)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	assertCash(t, "100", f.cash(t, p))
	assert.Empty(t, f.holdings(t, p))
}

func TestSellStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")
	f.price(t, "ACME", "10.00", time.Now().Add(-time.Minute))

	_, err := f.engine.BuyStock(ctx, p, f.actor, "ACME", 5)
	require.NoError(t, err)

	f.price(t, "ACME", "12.00", time.Now())
	res, err := f.engine.SellStock(ctx, p, f.actor, "ACME", 2)
	require.NoError(t, err)
	assertCash(t, "24", res.Total)
	assertCash(t, "74", res.Portfolio.CashBalance)
	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(3), res.Holding.Quantity)
	assert.Equal(t, domain.EntrySell, res.Entry.Kind)
}

func TestSellStockInsufficientQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")
	f.price(t, "ACME", "10.00", time.Now())
	_, err := f.engine.BuyStock(ctx, p, f.actor, "ACME", 5)
	require.NoError(t, err)

	_, err = f.engine.SellStock(ctx, p, f.actor, "ACME", 10)
	require.ErrorIs(t, err, domain.ErrInsufficientQuantity)

	hs := f.holdings(t, p)
	require.Len(t, hs, 1)
	assert.Equal(t, int64(5), hs[0].Quantity)
	assertCash(t, "50", f.cash(t, p))

	_, err = f.engine.SellStock(ctx, p, f.actor, "OTHER", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBuySellRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "1000")
	f.price(t, "ACME", "33.33", time.Now())

	_, err := f.engine.BuyStock(ctx, p, f.actor, "ACME", 9)
	require.NoError(t, err)
	res, err := f.engine.SellStock(ctx, p, f.actor, "ACME", 9)
	require.NoError(t, err)

	assert.Nil(t, res.Holding)
	assert.Empty(t, f.holdings(t, p))
	assertCash(t, "1000", f.cash(t, p))
}

func TestOpenAndClosePortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.OpenPortfolio(ctx, f.actor, "  growth ", dec("0"))
	require.NoError(t, err)
	assert.Equal(t, "growth", p.Name)
	assert.Empty(t, f.entries(t, p.ID))

	_, err = f.engine.OpenPortfolio(ctx, f.actor, "growth", dec("10"))
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.engine.OpenPortfolio(ctx, uuid.New(), "growth", dec("10"))
	assert.NoError(t, err)

	_, err = f.engine.OpenPortfolio(ctx, f.actor, "", dec("10"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.engine.OpenPortfolio(ctx, f.actor, "neg", dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = f.engine.ClosePortfolio(ctx, p.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	require.NoError(t, f.engine.ClosePortfolio(ctx, p.ID, f.actor))
	_, err = f.store.PortfolioByID(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.engine.ClosePortfolio(ctx, p.ID, f.actor)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// failingTx breaks the ledger append so that the rollback path runs after
// balances and holdings were already written inside the transaction.
type failingTx struct {
	ledger.Tx
}

func (failingTx) AppendEntry(context.Context, *domain.LedgerEntry) error {
	return errors.New("disk full")
}

type failingStore struct {
	*memory.Store
}

func (s failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, failingTx{tx})
	})
}

func TestFailedWriteRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")
	q := f.open(t, "other", "0")
	f.price(t, "ACME", "10", time.Now())

	broken := ledger.NewEngine(failingStore{f.store}, logger.NewNop())

	_, err := broken.Deposit(ctx, p, f.actor, dec("1"))
	require.Error(t, err)
	_, err = broken.Transfer(ctx, p, q, f.actor, dec("50"))
	require.Error(t, err)
	_, err = broken.BuyStock(ctx, p, f.actor, "ACME", 3)
	require.Error(t, err)

	assertCash(t, "100", f.cash(t, p))
	assertCash(t, "0", f.cash(t, q))
	assert.Empty(t, f.holdings(t, p))
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Withdraw(ctx, p, f.actor, dec("10"))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assertCash(t, "0", f.cash(t, p))
}

func TestBuyStockHoldingOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.open(t, "main", "100")
	f.price(t, "DUST", "0.000000000000000001", time.Now())

	_, err := f.engine.BuyStock(ctx, p, f.actor, "DUST", math.MaxInt64-1)
	require.NoError(t, err)
	before := f.cash(t, p)

	_, err = f.engine.BuyStock(ctx, p, f.actor, "DUST", 2)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	hs := f.holdings(t, p)
	require.Len(t, hs, 1)
	assert.Equal(t, int64(math.MaxInt64-1), hs[0].Quantity)
	assert.True(t, before.Equal(f.cash(t, p)))

	_, err = f.engine.BuyStock(ctx, p, f.actor, "DUST", 1)
	require.NoError(t, err)
}

type ledgerState struct {
	cash     map[uuid.UUID]string
	holdings map[string]int64
	entries  map[uuid.UUID]int
}

func (f *fixture) snapshot(t *testing.T, ids []uuid.UUID) ledgerState {
	t.Helper()
	s := ledgerState{
		cash:     make(map[uuid.UUID]string),
		holdings: make(map[string]int64),
		entries:  make(map[uuid.UUID]int),
	}
	for _, id := range ids {
		s.cash[id] = f.cash(t, id).String()
		for _, h := range f.holdings(t, id) {
			s.holdings[id.String()+"/"+h.Symbol] = h.Quantity
		}
		s.entries[id] = len(f.entries(t, id))
	}
	return s
}

func (f *fixture) checkInvariants(t *testing.T, ids []uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		cash := f.cash(t, id)
		assert.False(t, cash.IsNegative(), "portfolio %s cash %s", id, cash)
		for _, h := range f.holdings(t, id) {
			assert.Positive(t, h.Quantity, "portfolio %s holds %d %s", id, h.Quantity, h.Symbol)
		}
		if es := f.entries(t, id); len(es) > 0 {
			assert.True(t, es[0].BalanceAfter.Equal(cash), "latest entry balance %s, cash %s", es[0].BalanceAfter, cash)
		}
	}
}

func TestRandomOperationSequences(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1337} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))
			f := newFixture(t)
			ctx := context.Background()
			ids := []uuid.UUID{f.open(t, "a", "100"), f.open(t, "b", "0"), f.open(t, "c", "25.5")}
			symbols := []string{"ACME", "INIT"}
			amounts := []string{"0", "0.01", "1", "7.25", "40", "150"}
			ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, sym := range symbols {
				f.price(t, sym, "3", ts)
			}

			pick := func() uuid.UUID { return ids[rnd.Intn(len(ids))] }
			actor := func() uuid.UUID {
				if rnd.Intn(10) == 0 {
					return uuid.New()
				}
				return f.actor
			}

			for step := 0; step < 300; step++ {
				if rnd.Intn(8) == 0 {
					ts = ts.Add(time.Minute)
					f.price(t, symbols[rnd.Intn(len(symbols))], fmt.Sprintf("%d.%02d", 1+rnd.Intn(20), rnd.Intn(100)), ts)
				}

				before := f.snapshot(t, ids)
				amount := dec(amounts[rnd.Intn(len(amounts))])
				symbol := symbols[rnd.Intn(len(symbols))]
				qty := int64(rnd.Intn(9))

				var err error
				switch rnd.Intn(5) {
				case 0:
					_, err = f.engine.Deposit(ctx, pick(), actor(), amount)
				case 1:
					_, err = f.engine.Withdraw(ctx, pick(), actor(), amount)
				case 2:
					_, err = f.engine.Transfer(ctx, pick(), pick(), actor(), amount)
				case 3:
					_, err = f.engine.BuyStock(ctx, pick(), actor(), symbol, qty)
				case 4:
					_, err = f.engine.SellStock(ctx, pick(), actor(), symbol, qty)
				}

				if err != nil {
					assert.Equal(t, before, f.snapshot(t, ids), "step %d: failed call changed state: %v", step, err)
				}
				f.checkInvariants(t, ids)
				if t.Failed() {
					t.Fatalf("stopped at step %d", step)
				}
			}
		})
	}
}
