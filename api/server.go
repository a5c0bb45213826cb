/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RequestLogger: One zap entry per request (logging package)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness
  /api/items            Catalog
  /api/users/{userID}/* Student wallet, purchases, history
  /api/admin/*          Item provisioning, credits, refunds, penalties, audit
  /api/scenarios/*      Demo scenarios (admin only, opt-in)

CALLER IDENTITY:
  Authentication happens upstream. The gateway forwards the authenticated
  user as X-User-ID and the role as X-Role. Student routes only serve the
  user named in the path; admin routes require X-Role: admin.

  Scenario routes reset the store, deleting ledger rows. They are mounted
  only when Handler.Scenarios is set (ENABLE_SCENARIOS) and always sit
  behind requireAdmin.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/token-ledger/logging"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-Role"
	RoleAdmin    = "admin"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID, HeaderRole, "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/items", h.ListItems)

		// Student routes
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/purchases", h.Purchase)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/wallet", h.GetWallet)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/items", h.SaveItem)
			r.Post("/wallets", h.OpenWallet)
			r.Post("/credits", h.CreateCredit)
			r.Post("/refunds", h.CreateRefund)
			r.Post("/penalties", h.CreatePenalty)
			r.Get("/audit", h.GetAudit)
		})

		// Scenario routes
		if !h.Scenarios {
			return
		}
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requireUser lets a request through when the caller is the user in the
// path, or an administrator.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(HeaderUserID)
		if r.Header.Get(HeaderRole) != RoleAdmin {
			if caller == "" {
				writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID+" header", nil)
				return
			}
			if caller != chi.URLParam(r, "userID") {
				writeError(w, http.StatusForbidden, "Cannot act on another user's wallet", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderRole) != RoleAdmin {
			writeError(w, http.StatusForbidden, "Administrator role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
