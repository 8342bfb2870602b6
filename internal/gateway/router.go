package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/yourorg/stockfolio/internal/auth"
)

// NewRouter wires the REST API. The live feed is mounted only when hub is
// not nil.
func NewRouter(h *Handlers, hub *Hub, jwtSvc *auth.JWTService, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwtSvc))

			r.Get("/users/search", h.SearchUsers)
			r.Get("/users/{username}", h.GetUser)

			r.Get("/portfolios", h.ListPortfolios)
			r.Post("/portfolios", h.CreatePortfolio)
			r.Post("/portfolios/transfer", h.Transfer)
			r.Get("/portfolios/{id}", h.GetPortfolio)
			r.Delete("/portfolios/{id}", h.DeletePortfolio)
			r.Post("/portfolios/{id}/deposit", h.Deposit)
			r.Post("/portfolios/{id}/withdraw", h.Withdraw)
			r.Post("/portfolios/{id}/buy", h.Buy)
			r.Post("/portfolios/{id}/sell", h.Sell)
			r.Get("/portfolios/{id}/holdings", h.GetHoldings)
			r.Get("/portfolios/{id}/records", h.GetRecords)

			r.Post("/stocks", h.AppendObservation)
			r.Get("/stocks/{symbol}/quote", h.GetQuote)
			r.Get("/stocks/{symbol}/history", h.GetHistory)
		})
	})

	if hub != nil {
		r.Get("/ws", ServeWS(hub, h.logger))
	}

	return r
}
