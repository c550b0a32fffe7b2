package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/treasurer/service/config"
	"github.com/brojonat/treasurer/service/metrics"
	"github.com/brojonat/treasurer/service/treasury"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route aliases. Every path in a group is served by the same handler.
var (
	withdrawRoutes = []string{"/send-to-coinbase", "/coinbase-withdraw", "/withdraw", "/send-eth", "/transfer"}
	allocateRoutes = []string{"/send-to-backend", "/fund-backend", "/fund-from-earnings"}
	sweepRoutes    = []string{"/backend-to-coinbase", "/transfer-to-coinbase", "/treasury-to-coinbase"}
)

// Server represents the HTTP server for the treasury service.
type Server struct {
	addr     string
	cfg      *config.Config
	engine   *treasury.Engine
	recycler *treasury.Recycler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the /metrics endpoint won't be available.
func New(addr string, cfg *config.Config, engine *treasury.Engine, recycler *treasury.Recycler, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		engine:   engine,
		recycler: recycler,
		metrics:  m,
		logger:   logger,
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "GET", "/{$}", handleIndex(s.engine, s.logger))
	s.handle(mux, "GET", "/status", handleStatus(s.engine, s.recycler, len(s.cfg.RPCEndpoints), s.logger))
	s.handle(mux, "GET", "/health", handleHealth(s.engine, s.logger))
	s.handle(mux, "GET", "/balance", handleBalance(s.engine, s.logger))
	s.handle(mux, "GET", "/earnings", handleEarnings(s.engine, s.logger))

	s.handle(mux, "POST", "/credit-earnings", handleCreditEarnings(s.engine, s.logger))
	for _, path := range withdrawRoutes {
		s.handle(mux, "POST", path, handleWithdraw(s.engine, s.logger))
	}
	for _, path := range allocateRoutes {
		s.handle(mux, "POST", path, handleAllocate(s.engine, s.logger))
	}
	for _, path := range sweepRoutes {
		s.handle(mux, "POST", path, handleSweepToCoinbase(s.engine, s.logger))
	}

	s.handle(mux, "POST", "/toggle-auto-recycle", handleToggleAutoRecycle(s.recycler, s.logger))
	s.handle(mux, "POST", "/recycle-now", handleRecycleNow(s.recycler, s.logger))
	s.handle(mux, "POST", "/reconnect", handleReconnect(s.engine, s.logger))

	s.handle(mux, "GET", "/transfers", handleListTransfers(s.engine, s.logger))
	s.handle(mux, "GET", "/transfers/{hash}", handleGetTransfer(s.engine, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Everything else gets a JSON 404.
	mux.Handle("/", handleNotFound())

	return corsMiddleware(mux)
}

func (s *Server) handle(mux *http.ServeMux, method, path string, h http.Handler) {
	mux.Handle(method+" "+path, metrics.HTTPMetricsMiddleware(s.metrics, path)(h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Withdrawals hold the request open until the receipt is observed.
		WriteTimeout: s.cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
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

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
