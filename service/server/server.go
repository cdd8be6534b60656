package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/temporal"
)

// StoreInterface is the read-only ledger access the HTTP API needs.
type StoreInterface interface {
	GetTransaction(ctx context.Context, platform, transactionID string) (*db.Transaction, error)
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
	ListRejections(ctx context.Context, params db.ListRejectionsParams) ([]*db.Rejection, error)
	LatestTransactionTime(ctx context.Context, platform string) (*time.Time, error)
}

// Server is the operational HTTP API: manual sync triggers and ledger reads.
type Server struct {
	addr      string
	store     StoreInterface
	starter   temporal.SyncStarter
	platforms []string
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// platforms lists the configured platform names; triggers for any other name
// are rejected. The metrics is optional - if nil, /metrics is not served.
func New(addr string, store StoreInterface, starter temporal.SyncStarter, platforms []string, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	names := append([]string(nil), platforms...)
	sort.Strings(names)
	return &Server{
		addr:      addr,
		store:     store,
		starter:   starter,
		platforms: names,
		metrics:   m,
		logger:    logger,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}

	route("POST /api/v1/sync/{platform}", handleTriggerSync(s.starter, s.platforms, s.logger))
	route("GET /api/v1/platforms", handleListPlatforms(s.store, s.platforms, s.logger))
	route("GET /api/v1/transactions", handleListTransactions(s.store, s.logger))
	route("GET /api/v1/transactions/{platform}/{transaction_id}", handleGetTransaction(s.store, s.logger))
	route("GET /api/v1/rejections", handleListRejections(s.store, s.logger))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "platforms", s.platforms)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
