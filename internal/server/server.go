// Package server exposes the wallet and market-data HTTP surfaces over chi,
// delegating each route straight to the service package that owns the
// operation (spec.md §6). It carries no business logic of its own beyond
// request decoding, auth-header validation, and error-to-status mapping.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/walletcore/internal/brokerage"
	"github.com/aristath/walletcore/internal/ledger"
	"github.com/aristath/walletcore/internal/quoteclient"
	"github.com/aristath/walletcore/internal/reporting"
	"github.com/aristath/walletcore/internal/security"
	"github.com/aristath/walletcore/internal/snapshot"
)

// Config wires a Server to its database connection and collaborating
// services.
type Config struct {
	Port int
	Log  zerolog.Logger

	DB *sql.DB

	Brokerage *brokerage.Service
	Ledger    *ledger.Service
	Snapshot  *snapshot.Service
	Reporting *reporting.Service
	Quotes    *quoteclient.Client
	Security  *security.Box
}

// Server owns the chi router and the http.Server that serves it.
type Server struct {
	cfg Config
	srv *http.Server
}

// New builds a Server with all wallet-domain and market-data routes mounted.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "X-User-Id"},
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h := &handlers{cfg: cfg}

	r.Route("/wallet", func(r chi.Router) {
		r.Use(userIDMiddleware)
		r.Post("/sync/user", h.syncUser)
		r.Post("/create/wallet", h.createWallet)
		r.Delete("/delete/{wallet_id}", h.deleteWallet)
		r.Post("/{wallet_id}/account/create", h.createAccount)

		r.Post("/brokerage/event", h.createBrokerageEvent)
		r.Post("/brokerage/events/import", h.importBrokerageEvents)
		r.Get("/brokerage/events", h.listBrokerageEvents)
		r.Patch("/brokerage/events/batch", h.batchPatchBrokerageEvents)
		r.Delete("/brokerage/events/{id}", h.deleteBrokerageEvent)

		r.Post("/transactions/create", h.createTransactions)
		r.Post("/snapshots/monthly", h.createMonthlySnapshot)
		r.Post("/manager/tree", h.walletManagerTree)
	})

	r.Route("/stock", func(r chi.Router) {
		r.Get("/quotes/latest", h.latestQuote)
		r.Get("/quotes/latest/bulk", h.latestQuoteBulk)
		r.Post("/quotes/latest/symbols", h.latestQuotesBySymbols)
		r.Get("/instruments/options", h.instrumentOptions)
		r.Get("/instruments/search", h.instrumentSearch)
		r.Post("/instruments/{symbol}/candles/daily/sync", h.syncDailyCandles)
	})

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         httpAddr(cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func httpAddr(port int) string {
	if port == 0 {
		port = 8001
	}
	return fmt.Sprintf(":%d", port)
}

// Start runs the HTTP server until it is shut down or fails.
func (s *Server) Start() error {
	s.cfg.Log.Info().Str("addr", s.srv.Addr).Msg("server: listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
