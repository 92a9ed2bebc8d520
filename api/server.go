/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Owner from a bearer JWT (or X-Owner-ID in dev mode)

ROUTE GROUPS:
  /api/health           Liveness, no auth
  /api/accounts/*       Accounts and their movements
  /api/movements        Ledger queries and raw movements
  /api/periods/*        Period lifecycle
  /api/pockets/*        Pocket lifecycle and fixed expenses
  /api/fixed-expenses/* Fixed expense payments
  /api/rates            Exchange rates (display only)
  /api/invoices/*       Receipt extraction
  /api/events           Server-sent change notifications
  /api/scenarios/*      Demo data for an empty ledger

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Owner resolution
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the transport settings that are not handler state.
type RouterConfig struct {
	AllowedOrigins []string
	Auth           *Authenticator
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	auth := cfg.Auth
	if auth == nil {
		auth = &Authenticator{}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", OwnerHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Post("/", h.CreateAccount)
				r.Get("/{id}", h.GetAccount)
				r.Get("/{id}/balance", h.GetAccountBalance)
				r.Post("/{id}/income", h.RecordIncome)
				r.Post("/{id}/expense", h.RecordExpense)
				r.Post("/{id}/transfer", h.RecordTransfer)
			})

			r.Route("/movements", func(r chi.Router) {
				r.Get("/", h.ListMovements)
				r.Post("/", h.ApplyMovement)
			})

			r.Route("/periods", func(r chi.Router) {
				r.Get("/", h.ListPeriods)
				r.Post("/", h.CreatePeriod)
				r.Get("/{id}", h.GetPeriod)
				r.Get("/{id}/summary", h.GetPeriodSummary)
				r.Post("/{id}/activate", h.ActivatePeriod)
				r.Post("/{id}/finish", h.FinishPeriod)
				r.Post("/{id}/cancel", h.CancelPeriod)
			})

			r.Route("/pockets", func(r chi.Router) {
				r.Get("/", h.ListPockets)
				r.Post("/", h.CreatePocket)
				r.Get("/{id}", h.GetPocket)
				r.Get("/{id}/summary", h.GetPocketSummary)
				r.Post("/{id}/fund", h.FundPocket)
				r.Post("/{id}/expenses", h.RecordPocketExpense)
				r.Post("/{id}/withdraw", h.WithdrawFromPocket)
				r.Post("/{id}/close", h.ClosePocket)
				r.Post("/{id}/installments", h.PayInstallment)
				r.Get("/{id}/fixed-expenses", h.ListFixedExpenses)
				r.Post("/{id}/fixed-expenses", h.CreateFixedExpense)
				r.Get("/{id}/fixed-expenses/status", h.GetFixedExpenseStatus)
			})

			r.Post("/fixed-expenses/{id}/pay", h.PayFixedExpense)

			r.Route("/rates", func(r chi.Router) {
				r.Get("/", h.ListRates)
				r.Put("/", h.UpsertRate)
			})

			r.Post("/invoices/extract", h.ExtractInvoice)
			r.Get("/events", h.StreamEvents)

			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}
