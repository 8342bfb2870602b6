package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yourorg/stockfolio/internal/auth"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/ledger"
	"github.com/yourorg/stockfolio/internal/logger"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	AccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	SearchAccounts(ctx context.Context, prefix string, limit int) ([]domain.Account, error)
}

type PortfolioReader interface {
	PortfoliosByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Portfolio, error)
	PortfolioByID(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error)
}

type HoldingReader interface {
	HoldingsByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]domain.Holding, error)
}

type RecordReader interface {
	EntriesByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]domain.LedgerEntry, error)
}

type PriceService interface {
	Append(ctx context.Context, obs domain.PriceObservation) (*domain.PriceObservation, error)
	Latest(ctx context.Context, symbol string) (*domain.PriceObservation, error)
	History(ctx context.Context, f domain.HistoryFilter) ([]domain.PriceObservation, error)
}

const _defaultSearchLimit = 20

type Handlers struct {
	accounts   AccountStore
	portfolios PortfolioReader
	holdings   HoldingReader
	records    RecordReader
	engine     *ledger.Engine
	prices     PriceService
	jwtSvc     *auth.JWTService
	logger     logger.Logger
}

func NewHandlers(
	accounts AccountStore,
	portfolios PortfolioReader,
	holdings HoldingReader,
	records RecordReader,
	engine *ledger.Engine,
	prices PriceService,
	jwtSvc *auth.JWTService,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		accounts:   accounts,
		portfolios: portfolios,
		holdings:   holdings,
		records:    records,
		engine:     engine,
		prices:     prices,
		jwtSvc:     jwtSvc,
		logger:     logger,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userSummary struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

type authResponse struct {
	Token string          `json:"token"`
	User  *domain.Account `json:"user"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account := &domain.Account{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := h.accounts.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.issueToken(w, r, http.StatusCreated, account)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.accounts.AccountByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, auth.ErrBadCredentials.Error())
			return
		}
		h.fail(w, r, err)
		return
	}
	if err := auth.CheckPassword(account.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.issueToken(w, r, http.StatusOK, account)
}

func (h *Handlers) issueToken(w http.ResponseWriter, r *http.Request, status int, account *domain.Account) {
	token, err := h.jwtSvc.Sign(account.ID, account.Username)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: can't sign token", err))
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: account})
}

func (h *Handlers) SearchUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", _defaultSearchLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	accounts, err := h.accounts.SearchAccounts(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	users := make([]userSummary, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, userSummary{ID: a.ID, Username: a.Username})
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.AccountByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userSummary{ID: account.ID, Username: account.Username})
}

func (h *Handlers) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := h.portfolios.PortfoliosByOwner(r.Context(), auth.UserIDFromCtx(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolios)
}

type createPortfolioRequest struct {
	Name        string          `json:"name"`
	InitialCash decimal.Decimal `json:"initial_cash"`
}

func (h *Handlers) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req createPortfolioRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.engine.OpenPortfolio(r.Context(), auth.UserIDFromCtx(r.Context()), req.Name, req.InitialCash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPortfolio(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) DeletePortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := h.portfolioID(w, r)
	if !ok {
		return
	}
	if err := h.engine.ClosePortfolio(r.Context(), id, auth.UserIDFromCtx(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveCash(w, r, h.engine.Deposit)
}

func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveCash(w, r, h.engine.Withdraw)
}

type cashOp func(ctx context.Context, portfolioID, actor uuid.UUID, amount decimal.Decimal) (*ledger.CashResult, error)

func (h *Handlers) moveCash(w http.ResponseWriter, r *http.Request, op cashOp) {
	id, ok := h.portfolioID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := op(r.Context(), id, auth.UserIDFromCtx(r.Context()), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transferRequest struct {
	FromID uuid.UUID       `json:"from_id"`
	ToID   uuid.UUID       `json:"to_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Transfer(r.Context(), req.FromID, req.ToID, auth.UserIDFromCtx(r.Context()), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tradeRequest struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

type tradeResponse struct {
	Portfolio     domain.Portfolio   `json:"portfolio"`
	Holding       *domain.Holding    `json:"holding"`
	Symbol        string             `json:"symbol"`
	Quantity      int64              `json:"quantity"`
	UnitPrice     decimal.Decimal    `json:"unit_price"`
	TotalCost     *decimal.Decimal   `json:"total_cost,omitempty"`
	TotalRevenue  *decimal.Decimal   `json:"total_revenue,omitempty"`
	RemainingCash decimal.Decimal    `json:"remaining_cash"`
	Record        domain.LedgerEntry `json:"record"`
}

func newTradeResponse(res *ledger.TradeResult) tradeResponse {
	out := tradeResponse{
		Portfolio:     res.Portfolio,
		Holding:       res.Holding,
		Quantity:      res.Quantity,
		UnitPrice:     res.UnitPrice,
		RemainingCash: res.Portfolio.CashBalance,
		Record:        res.Entry,
	}
	if res.Entry.Symbol != nil {
		out.Symbol = *res.Entry.Symbol
	}
	total := res.Total
	if res.Entry.Kind == domain.EntrySell {
		out.TotalRevenue = &total
	} else {
		out.TotalCost = &total
	}
	return out
}

func (h *Handlers) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.engine.BuyStock)
}

func (h *Handlers) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.engine.SellStock)
}

type tradeOp func(ctx context.Context, portfolioID, actor uuid.UUID, symbol string, qty int64) (*ledger.TradeResult, error)

func (h *Handlers) trade(w http.ResponseWriter, r *http.Request, op tradeOp) {
	id, ok := h.portfolioID(w, r)
	if !ok {
		return
	}
	var req tradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := op(r.Context(), id, auth.UserIDFromCtx(r.Context()), req.Symbol, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeResponse(res))
}

func (h *Handlers) GetHoldings(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPortfolio(w, r)
	if !ok {
		return
	}
	holdings, err := h.holdings.HoldingsByPortfolio(r.Context(), p.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (h *Handlers) GetRecords(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPortfolio(w, r)
	if !ok {
		return
	}
	entries, err := h.records.EntriesByPortfolio(r.Context(), p.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type observationRequest struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

func (h *Handlers) AppendObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if !h.decode(w, r, &req) {
		return
	}
	obs, err := h.prices.Append(r.Context(), domain.PriceObservation{
		Symbol:    req.Symbol,
		Timestamp: req.Timestamp,
		Open:      req.Open,
		High:      req.High,
		Low:       req.Low,
		Close:     req.Close,
		Volume:    req.Volume,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	obs, err := h.prices.Latest(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	f := domain.HistoryFilter{Symbol: chi.URLParam(r, "symbol")}
	var err error
	if f.From, err = timeParam(r, "from", false); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To, err = timeParam(r, "to", true); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		h.fail(w, r, err)
		return
	}

	history, err := h.prices.History(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handlers) portfolioID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid portfolio id")
		return uuid.Nil, false
	}
	return id, true
}

// ownedPortfolio loads the portfolio named in the path and checks that the
// caller owns it.
func (h *Handlers) ownedPortfolio(w http.ResponseWriter, r *http.Request) (*domain.Portfolio, bool) {
	id, ok := h.portfolioID(w, r)
	if !ok {
		return nil, false
	}
	p, err := h.portfolios.PortfolioByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if p.OwnerID != auth.UserIDFromCtx(r.Context()) {
		h.fail(w, r, fmt.Errorf("portfolio %s: %w", id, domain.ErrNotOwner))
		return nil, false
	}
	return p, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, domain.ErrInvalidArgument)
	}
	return v, nil
}

// timeParam accepts RFC3339 timestamps and plain dates. A plain date used as
// an inclusive upper bound covers the whole day, down to the microsecond
// precision of timestamptz.
func timeParam(r *http.Request, name string, endOfDay bool) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
		}
		return &t, nil
	}
	return nil, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD: %w", name, domain.ErrInvalidArgument)
}
