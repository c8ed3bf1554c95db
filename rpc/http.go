package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loanchain/native/loan"
	"loanchain/observability"
)

// Server exposes the read-only query API over the loan ledger.
type Server struct {
	ledger   *loan.Ledger
	servicer *loan.Servicer
	metrics  *observability.LoanMetrics
	http     *http.Server
}

// NewServer constructs the query API server listening on addr.
func NewServer(addr string, ledger *loan.Ledger, metrics *observability.LoanMetrics) *Server {
	s := &Server{
		ledger:   ledger,
		servicer: ledger.NewServicer(),
		metrics:  metrics,
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.instrument("/healthz", s.handleHealth))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/loans/{id}", s.instrument("/v1/loans/{id}", s.handleGetLoan))
		r.Get("/loans/{id}/minpayment", s.instrument("/v1/loans/{id}/minpayment", s.handleMinPayment))
		r.Get("/loans/{id}/payoff", s.instrument("/v1/loans/{id}/payoff", s.handlePayoff))
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route tree, primarily for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the API until the listener fails or the
// server shuts down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(route string, next func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := next(w, r)
		s.metrics.ObserveRequest(route, status, time.Since(start))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) int {
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the uniform error payload for the query API.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	return status
}

func writeError(w http.ResponseWriter, status int, msg string) int {
	return writeJSON(w, status, errorBody{Error: msg})
}
