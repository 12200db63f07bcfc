package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router wires the engine's thin request layer. Routing itself is
// plumbing around the core; what matters is that every mutation goes
// through the concurrency limiter and every handler maps engine errors
// through httpStatusForKind (via writeErr).
func Router(h *Handlers, maxInflight int) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.Healthz)

	r.Route("/v1/payments", func(r chi.Router) {
		r.Post("/authorize", h.Authorize)
		r.Get("/", h.ListPayments)
		r.Get("/{id}", h.GetPayment)
		r.Get("/{id}/ledger", h.GetPaymentLedger)
		r.Post("/{id}/capture", h.Capture)
		r.Post("/{id}/void", h.Void)
		r.Post("/{id}/settle", h.Settle)
		r.Post("/{id}/refund", h.Refund)
	})

	r.Get("/v1/accounts/{id}/balance", h.GetAccountBalance)

	// Backpressure at the edge: prevents unbounded goroutine/pool
	// queueing when the database is saturated.
	return withConcurrencyLimit(r, maxInflight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_exceeded","message":"server busy"}}`))
		}
	})
}
