/**
 * @description
 * This file sets up the HTTP router for the ledger service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Aggregate counters are public.
	r.Get("/stats", h.StatsHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Account lifecycle
		r.Post("/accounts", h.RegisterAccountHandler)
		r.Get("/account", h.GetAccountHandler)
		r.Get("/address", h.GetAddressHandler)
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/entries", h.ListEntriesHandler)

		// Mining sessions
		r.Post("/mining/start", h.StartMiningHandler)
		r.Post("/mining/claim", h.ClaimMiningHandler)

		// Rewards
		r.Post("/tasks/{taskID}/complete", h.CompleteTaskHandler)
		r.Post("/referrals/sync", h.SyncReferralsHandler)

		// Money movement
		r.Post("/transfers", h.TransferHandler)
		r.Post("/mint", h.MintHandler)
	})

	return r
}
