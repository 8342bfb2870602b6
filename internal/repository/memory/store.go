// Package memory is an in-process implementation of the repositories. It
// keeps the same contract as the PostgreSQL ones: a transaction works on a
// private copy of the state which replaces the shared state only when the
// transaction function succeeds. Transactions are fully serialized.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/ledger"
)

type holdingKey struct {
	portfolioID uuid.UUID
	symbol      string
}

type state struct {
	accounts    map[uuid.UUID]domain.Account
	portfolios  map[uuid.UUID]domain.Portfolio
	holdings    map[holdingKey]domain.Holding
	instruments map[string]time.Time
	prices      map[string][]domain.PriceObservation
	entries     []domain.LedgerEntry
	nextEntryID int64
}

func newState() *state {
	return &state{
		accounts:    make(map[uuid.UUID]domain.Account),
		portfolios:  make(map[uuid.UUID]domain.Portfolio),
		holdings:    make(map[holdingKey]domain.Holding),
		instruments: make(map[string]time.Time),
		prices:      make(map[string][]domain.PriceObservation),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.portfolios {
		c.portfolios[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.instruments {
		c.instruments[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = append([]domain.PriceObservation(nil), v...)
	}
	c.entries = append([]domain.LedgerEntry(nil), s.entries...)
	c.nextEntryID = s.nextEntryID
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) CreateAccount(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.accounts {
		if strings.EqualFold(existing.Username, a.Username) {
			return fmt.Errorf("username %s: %w", a.Username, domain.ErrConflict)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()
	s.state.accounts[a.ID] = *a
	return nil
}

func (s *Store) AccountByUsername(_ context.Context, username string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.state.accounts {
		if strings.EqualFold(a.Username, username) {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", username, domain.ErrNotFound)
}

func (s *Store) SearchAccounts(_ context.Context, prefix string, limit int) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix = strings.ToLower(prefix)
	out := []domain.Account{}
	for _, a := range s.state.accounts {
		if strings.HasPrefix(strings.ToLower(a.Username), prefix) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PortfoliosByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Portfolio{}
	for _, p := range s.state.portfolios {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PortfolioByID(_ context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) HoldingsByPortfolio(_ context.Context, portfolioID uuid.UUID) ([]domain.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Holding{}
	for k, h := range s.state.holdings {
		if k.portfolioID == portfolioID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// EntriesByPortfolio returns the newest entries first.
func (s *Store) EntriesByPortfolio(_ context.Context, portfolioID uuid.UUID) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.LedgerEntry{}
	for i := len(s.state.entries) - 1; i >= 0; i-- {
		if s.state.entries[i].PortfolioID == portfolioID {
			out = append(out, s.state.entries[i])
		}
	}
	return out, nil
}

func (s *Store) InsertObservation(_ context.Context, obs *domain.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.prices[obs.Symbol] {
		if existing.Timestamp.Equal(obs.Timestamp) {
			return fmt.Errorf("observation %s at %s: %w", obs.Symbol, obs.Timestamp, domain.ErrConflict)
		}
	}
	if _, ok := s.state.instruments[obs.Symbol]; !ok {
		s.state.instruments[obs.Symbol] = time.Now().UTC()
	}
	history := append(s.state.prices[obs.Symbol], *obs)
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.After(history[j].Timestamp) })
	s.state.prices[obs.Symbol] = history
	return nil
}

func (s *Store) LatestObservation(_ context.Context, symbol string) (*domain.PriceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := s.state.latest(symbol)
	if obs == nil {
		return nil, fmt.Errorf("price for %s: %w", symbol, domain.ErrNotFound)
	}
	return obs, nil
}

func (s *Store) ObservationHistory(_ context.Context, f domain.HistoryFilter) ([]domain.PriceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.PriceObservation{}
	for _, obs := range s.state.prices[f.Symbol] {
		if f.From != nil && obs.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && obs.Timestamp.After(*f.To) {
			continue
		}
		out = append(out, obs)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.PriceObservation{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *state) latest(symbol string) *domain.PriceObservation {
	history := s.prices[symbol]
	if len(history) == 0 {
		return nil
	}
	obs := history[0]
	return &obs
}

type tx struct {
	st *state
}

func (t *tx) PortfolioForUpdate(_ context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	p, ok := t.st.portfolios[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *tx) CreatePortfolio(_ context.Context, p *domain.Portfolio) error {
	for _, existing := range t.st.portfolios {
		if existing.OwnerID == p.OwnerID && existing.Name == p.Name {
			return fmt.Errorf("portfolio %q: %w", p.Name, domain.ErrConflict)
		}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	t.st.portfolios[p.ID] = *p
	return nil
}

func (t *tx) DeletePortfolio(_ context.Context, id uuid.UUID) error {
	delete(t.st.portfolios, id)
	for k := range t.st.holdings {
		if k.portfolioID == id {
			delete(t.st.holdings, k)
		}
	}
	kept := t.st.entries[:0:0]
	for _, e := range t.st.entries {
		if e.PortfolioID != id {
			kept = append(kept, e)
		}
	}
	t.st.entries = kept
	return nil
}

func (t *tx) SetCashBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal) (*domain.Portfolio, error) {
	p, ok := t.st.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, domain.ErrNotFound)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("cash balance %s violates check constraint", balance)
	}
	p.CashBalance = balance
	p.UpdatedAt = time.Now().UTC()
	t.st.portfolios[id] = p
	return &p, nil
}

func (t *tx) InstrumentExists(_ context.Context, symbol string) (bool, error) {
	_, ok := t.st.instruments[symbol]
	return ok, nil
}

func (t *tx) LatestPrice(_ context.Context, symbol string) (*domain.PriceObservation, error) {
	return t.st.latest(symbol), nil
}

func (t *tx) HoldingForUpdate(_ context.Context, portfolioID uuid.UUID, symbol string) (*domain.Holding, error) {
	h, ok := t.st.holdings[holdingKey{portfolioID, symbol}]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (t *tx) AddHolding(_ context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error) {
	now := time.Now().UTC()
	key := holdingKey{portfolioID, symbol}
	h, ok := t.st.holdings[key]
	if !ok {
		h = domain.Holding{PortfolioID: portfolioID, Symbol: symbol, CreatedAt: now}
	}
	if qty > math.MaxInt64-h.Quantity {
		return nil, fmt.Errorf("holding quantity %d + %d out of range for bigint", h.Quantity, qty)
	}
	h.Quantity += qty
	h.UpdatedAt = now
	t.st.holdings[key] = h
	return &h, nil
}

func (t *tx) SetHoldingQuantity(_ context.Context, portfolioID uuid.UUID, symbol string, qty int64) (*domain.Holding, error) {
	key := holdingKey{portfolioID, symbol}
	h, ok := t.st.holdings[key]
	if !ok {
		return nil, fmt.Errorf("holding %s: %w", symbol, domain.ErrNotFound)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("holding quantity %d violates check constraint", qty)
	}
	h.Quantity = qty
	h.UpdatedAt = time.Now().UTC()
	t.st.holdings[key] = h
	return &h, nil
}

func (t *tx) DeleteHolding(_ context.Context, portfolioID uuid.UUID, symbol string) error {
	delete(t.st.holdings, holdingKey{portfolioID, symbol})
	return nil
}

func (t *tx) AppendEntry(_ context.Context, e *domain.LedgerEntry) error {
	t.st.nextEntryID++
	e.ID = t.st.nextEntryID
	e.CreatedAt = time.Now().UTC()
	t.st.entries = append(t.st.entries, *e)
	return nil
}
